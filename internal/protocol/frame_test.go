package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortifiers/memflow-cli/internal/types"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"id":"1","command":"connect"}`)
	require.NoError(t, WriteFrame(&buf, DefaultMaxFrameSize, payload))

	got, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrame_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, DefaultMaxFrameSize, nil))
	got, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFrame_Multiple(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, DefaultMaxFrameSize, []byte("first")))
	require.NoError(t, WriteFrame(&buf, DefaultMaxFrameSize, []byte("second")))

	a, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	b, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, "first", string(a))
	assert.Equal(t, "second", string(b))
}

func TestFrame_OversizedRejected(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, 16, make([]byte, 17))
	require.Error(t, err)

	require.NoError(t, WriteFrame(&buf, 64, make([]byte, 32)))
	_, err = ReadFrame(&buf, 16)
	require.Error(t, err)
}

func TestFrame_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, DefaultMaxFrameSize, []byte("payload")))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	_, err := ReadFrame(truncated, DefaultMaxFrameSize)
	require.Error(t, err)
}

func TestErrorBody_RoundTrip(t *testing.T) {
	src := types.NewReason(types.KindMemoryAccess, types.ReasonUnmapped, "page gone")
	body := NewErrorBody(src)
	assert.Equal(t, "MemoryAccessError", body.Kind)
	assert.Equal(t, "Unmapped", body.Reason)

	back := body.Err()
	assert.Equal(t, types.KindMemoryAccess, types.KindOf(back))
	assert.Equal(t, types.ReasonUnmapped, types.ReasonOf(back))
}

func TestResponse_JSONShape(t *testing.T) {
	resp := Response{ID: "abc", OK: false, Error: &ErrorBody{Kind: "SessionNotFound", Message: "no session"}}
	data, err := json.Marshal(&resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","ok":false,"error":{"kind":"SessionNotFound","message":"no session"}}`, string(data))
}
