package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID_Unique(t *testing.T) {
	seen := make(map[SessionID]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		require.False(t, seen[id], "duplicate session id generated")
		seen[id] = true
	}
}

func TestParseSessionID(t *testing.T) {
	id := NewSessionID()
	parsed, err := ParseSessionID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseSessionID("")
	assert.Error(t, err)

	_, err = ParseSessionID("not-a-uuid")
	assert.Error(t, err)
}

func TestSessionID_JSONRoundTrip(t *testing.T) {
	id := NewSessionID()

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var back SessionID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back)
}

func TestSessionID_UnmarshalInvalid(t *testing.T) {
	var id SessionID
	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &id))
	assert.Error(t, json.Unmarshal([]byte(`42`), &id))
}
