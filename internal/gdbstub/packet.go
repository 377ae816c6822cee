// Package gdbstub serves the GDB remote serial protocol over one
// listener per debugged process. The packet codec and the command loop
// live here; everything target-specific sits behind the Target
// interface.
package gdbstub

import (
	"bufio"
	"fmt"
	"io"

	"github.com/mortifiers/memflow-cli/internal/types"
)

// maxPacketSize is advertised to the debugger via qSupported and
// bounds inbound packet bodies.
const maxPacketSize = 4096

// readPacket consumes one RSP packet ("$body#xx") from r and returns
// the unescaped body. Stray acks and interrupt bytes before the packet
// start are skipped.
func readPacket(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch b {
		case '$':
		case '+', '-', 0x03:
			// Ack, nack or ^C outside a packet. The command loop polls
			// for interrupts separately; here they are noise.
			continue
		default:
			continue
		}
		break
	}

	body := make([]byte, 0, 64)
	var sum uint8
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == '#' {
			break
		}
		sum += b
		if b == 0x7d {
			esc, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			sum += esc
			b = esc ^ 0x20
		}
		body = append(body, b)
		if len(body) > maxPacketSize {
			return nil, types.NewReason(types.KindProtocol, types.ReasonMalformed, "gdb packet exceeds size limit")
		}
	}

	var csum [2]byte
	if _, err := io.ReadFull(r, csum[:]); err != nil {
		return nil, err
	}
	want, err := parseHexByte(csum[0], csum[1])
	if err != nil {
		return nil, err
	}
	if want != sum {
		return nil, types.NewReasonf(types.KindProtocol, types.ReasonMalformed,
			"gdb packet checksum mismatch: got %02x, want %02x", sum, want)
	}
	return body, nil
}

// writePacket emits one RSP packet with escaping and checksum.
func writePacket(w io.Writer, body []byte) error {
	buf := make([]byte, 0, len(body)+5)
	buf = append(buf, '$')
	var sum uint8
	for _, b := range body {
		if b == '$' || b == '#' || b == 0x7d || b == '*' {
			buf = append(buf, 0x7d, b^0x20)
			sum += 0x7d + (b ^ 0x20)
			continue
		}
		buf = append(buf, b)
		sum += b
	}
	buf = append(buf, '#')
	buf = appendHexByte(buf, sum)
	_, err := w.Write(buf)
	return err
}

func writeAck(w io.Writer, ok bool) error {
	b := byte('+')
	if !ok {
		b = '-'
	}
	_, err := w.Write([]byte{b})
	return err
}

const hexDigits = "0123456789abcdef"

func appendHexByte(dst []byte, b uint8) []byte {
	return append(dst, hexDigits[b>>4], hexDigits[b&0xf])
}

func parseHexByte(hi, lo byte) (uint8, error) {
	h, err := hexNibble(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexNibble(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}

func hexNibble(b byte) (uint8, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	}
	return 0, fmt.Errorf("invalid hex digit %q", b)
}
