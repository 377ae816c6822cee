package gdbstub

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortifiers/memflow-cli/internal/types"
)

func roundTrip(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, writePacket(&buf, body))
	got, err := readPacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestPacket_RoundTrip(t *testing.T) {
	assert.Equal(t, []byte("qSupported"), roundTrip(t, []byte("qSupported")))
	assert.Equal(t, []byte("m1000,40"), roundTrip(t, []byte("m1000,40")))
}

func TestPacket_Empty(t *testing.T) {
	assert.Empty(t, roundTrip(t, nil))
}

func TestPacket_EscapedBytes(t *testing.T) {
	body := []byte{'X', 0x7d, '$', '#', '*', 0x00, 0xff}
	assert.Equal(t, body, roundTrip(t, body))
}

func TestPacket_WireFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePacket(&buf, []byte("OK")))
	assert.Equal(t, "$OK#9a", buf.String())
}

func TestPacket_ChecksumMismatch(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("$OK#00")))
	_, err := readPacket(r)
	require.Error(t, err)
	assert.Equal(t, types.ReasonMalformed, types.ReasonOf(err))
}

func TestPacket_SkipsLeadingAcks(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("++-")
	require.NoError(t, writePacket(&buf, []byte("g")))
	got, err := readPacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, []byte("g"), got)
}

func TestPacket_TruncatedChecksum(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("$OK#9")))
	_, err := readPacket(r)
	require.Error(t, err)
}
