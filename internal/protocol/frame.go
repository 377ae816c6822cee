// Package protocol defines the command channel wire format: a
// bidirectional stream of length-prefixed JSON messages with
// client-chosen correlation ids, plus a client implementation that
// matches out-of-order responses back to their requests.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize caps a single frame at 16 MiB, enough for the
// largest base64 memory transfer the daemon serves.
const DefaultMaxFrameSize = 16 << 20

const frameHeaderSize = 4

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, max int, payload []byte) error {
	if len(payload) > max {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), max)
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame. Oversized length prefixes
// fail without consuming the body, so the caller can drop the
// connection instead of allocating attacker-controlled buffers.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if int(n) > max {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
