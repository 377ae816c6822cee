package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	v, err := parseAddr("0x1000")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), v)

	v, err = parseAddr("4096")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), v)

	_, err = parseAddr("0xzz")
	assert.Error(t, err)
	_, err = parseAddr("banana")
	assert.Error(t, err)
}

func TestFormatHexDump(t *testing.T) {
	out := formatHexDump(0x1000, []byte("Hello, world!"))
	assert.Contains(t, out, "0000000000001000")
	assert.Contains(t, out, "48 65 6c 6c 6f ")
	assert.Contains(t, out, "|Hello, world!|")

	// Full row plus remainder keeps the address column advancing.
	out = formatHexDump(0x2000, make([]byte, 20))
	assert.Contains(t, out, "0000000000002000")
	assert.Contains(t, out, "0000000000002010")

	assert.Empty(t, formatHexDump(0, nil))
}
