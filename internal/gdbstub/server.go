package gdbstub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mortifiers/memflow-cli/internal/facade"
	"github.com/mortifiers/memflow-cli/internal/session"
	"github.com/mortifiers/memflow-cli/internal/types"
)

// Stub serves the remote serial protocol for one target on one
// listener. At most one debugger is attached at a time; a second
// connection is refused while the first is live.
type Stub struct {
	target   Target
	logger   *slog.Logger
	ln       net.Listener
	attached atomic.Bool
	conns    sync.WaitGroup

	mu   sync.Mutex
	conn net.Conn
}

// NewStub wraps a bound listener around a target.
func NewStub(target Target, ln net.Listener, logger *slog.Logger) *Stub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stub{
		target: target,
		logger: logger.With("component", "gdbstub", "addr", ln.Addr().String()),
		ln:     ln,
	}
}

// Serve accepts debugger connections until the listener closes.
func (s *Stub) Serve(ctx context.Context) {
	s.logger.Info("gdb stub listening")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("gdb accept failed", "error", err)
			}
			return
		}
		if !s.attached.CompareAndSwap(false, true) {
			s.logger.Warn("refusing concurrent debugger connection",
				"remote", conn.RemoteAddr().String(),
				"error", types.NewReason(types.KindGdbStub, types.ReasonAlreadyAttached, "a debugger is already attached"))
			conn.Close()
			continue
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer s.attached.Store(false)
			s.serveConn(ctx, conn)
		}()
	}
}

// Stop closes the listener and the attached debugger connection and
// waits for the connection handler to wind down, bounded by ctx.
func (s *Stub) Stop(ctx context.Context) error {
	s.ln.Close()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return types.Wrap(types.KindGdbStub, "debugger connection did not drain", ctx.Err())
	}
}

// Addr returns the listener's bound address.
func (s *Stub) Addr() net.Addr { return s.ln.Addr() }

func (s *Stub) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("debugger attached")
	defer logger.Info("debugger detached")

	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		body, err := readPacket(r)
		if err != nil {
			if types.KindOf(err) == types.KindProtocol {
				// Bad checksum or oversized packet: nack and resync.
				writeAck(conn, false)
				continue
			}
			return
		}
		if err := writeAck(conn, true); err != nil {
			return
		}

		reply, closeConn := s.handleCommand(ctx, body)
		if reply != nil {
			if err := writePacket(conn, reply); err != nil {
				return
			}
		}
		if closeConn {
			return
		}
	}
}

// handleCommand services one packet. A nil reply means no packet goes
// back (only the k command). An empty reply is the protocol's
// "unsupported" answer.
func (s *Stub) handleCommand(ctx context.Context, body []byte) (reply []byte, closeConn bool) {
	if len(body) == 0 {
		return []byte{}, false
	}

	switch body[0] {
	case 'q':
		return s.handleQuery(body), false
	case '?':
		return []byte("S05"), false
	case 'g':
		data, err := s.target.ReadRegisters(ctx)
		if err != nil {
			return errorReply(err), false
		}
		return hexEncode(data), false
	case 'G':
		data, err := hexDecode(body[1:])
		if err != nil {
			return []byte("E01"), false
		}
		if err := s.target.WriteRegisters(ctx, data); err != nil {
			return errorReply(err), false
		}
		return []byte("OK"), false
	case 'p':
		regnum, err := strconv.ParseUint(string(body[1:]), 16, 32)
		if err != nil {
			return []byte("E01"), false
		}
		data, err := s.target.ReadRegister(ctx, int(regnum))
		if err != nil {
			return errorReply(err), false
		}
		return hexEncode(data), false
	case 'P':
		return s.handleWriteRegister(ctx, body[1:]), false
	case 'm':
		addr, length, err := parseAddrLength(body[1:])
		if err != nil {
			return []byte("E01"), false
		}
		data, err := s.target.ReadMemory(ctx, addr, length)
		if err != nil {
			return errorReply(err), false
		}
		return hexEncode(data), false
	case 'M':
		return s.handleWriteMemoryHex(ctx, body[1:]), false
	case 'X':
		return s.handleWriteMemoryBinary(ctx, body[1:]), false
	case 'c':
		if err := s.target.Resume(ctx); err != nil {
			return errorReply(err), false
		}
		return []byte("S05"), false
	case 's':
		if err := s.target.Step(ctx); err != nil {
			return errorReply(err), false
		}
		return []byte("S05"), false
	case 'v':
		return s.handleV(ctx, body), false
	case 'D':
		return []byte("OK"), true
	case 'k':
		return nil, true
	}
	return []byte{}, false
}

func (s *Stub) handleQuery(body []byte) []byte {
	q := string(body)
	switch {
	case strings.HasPrefix(q, "qSupported"):
		return []byte(fmt.Sprintf("PacketSize=%x", maxPacketSize))
	case q == "qAttached":
		return []byte("1")
	}
	return []byte{}
}

func (s *Stub) handleV(ctx context.Context, body []byte) []byte {
	v := string(body)
	switch {
	case v == "vCont?":
		// Only advertise resume actions when the backend can execute
		// them; GDB falls back to memory-only inspection otherwise.
		if !s.target.SupportsExecution() {
			return []byte{}
		}
		return []byte("vCont;c;s")
	case strings.HasPrefix(v, "vCont;s"):
		if err := s.target.Step(ctx); err != nil {
			return errorReply(err)
		}
		return []byte("S05")
	case strings.HasPrefix(v, "vCont;c"):
		if err := s.target.Resume(ctx); err != nil {
			return errorReply(err)
		}
		return []byte("S05")
	}
	return []byte{}
}

func (s *Stub) handleWriteRegister(ctx context.Context, body []byte) []byte {
	parts := bytes.SplitN(body, []byte("="), 2)
	if len(parts) != 2 {
		return []byte("E01")
	}
	regnum, err := strconv.ParseUint(string(parts[0]), 16, 32)
	if err != nil {
		return []byte("E01")
	}
	data, err := hexDecode(parts[1])
	if err != nil {
		return []byte("E01")
	}
	if err := s.target.WriteRegister(ctx, int(regnum), data); err != nil {
		return errorReply(err)
	}
	return []byte("OK")
}

func (s *Stub) handleWriteMemoryHex(ctx context.Context, body []byte) []byte {
	head, payload, ok := bytes.Cut(body, []byte(":"))
	if !ok {
		return []byte("E01")
	}
	addr, length, err := parseAddrLength(head)
	if err != nil {
		return []byte("E01")
	}
	data, err := hexDecode(payload)
	if err != nil || len(data) != length {
		return []byte("E01")
	}
	if err := s.target.WriteMemory(ctx, addr, data); err != nil {
		return errorReply(err)
	}
	return []byte("OK")
}

func (s *Stub) handleWriteMemoryBinary(ctx context.Context, body []byte) []byte {
	head, payload, ok := bytes.Cut(body, []byte(":"))
	if !ok {
		return []byte("E01")
	}
	addr, length, err := parseAddrLength(head)
	if err != nil || len(payload) != length {
		return []byte("E01")
	}
	if length == 0 {
		// GDB opens with an empty X to test binary write support.
		return []byte("OK")
	}
	if err := s.target.WriteMemory(ctx, addr, payload); err != nil {
		return errorReply(err)
	}
	return []byte("OK")
}

// parseAddrLength splits "addr,length", both hex.
func parseAddrLength(b []byte) (uint64, int, error) {
	head, tail, ok := bytes.Cut(b, []byte(","))
	if !ok {
		return 0, 0, fmt.Errorf("missing length separator")
	}
	addr, err := strconv.ParseUint(string(head), 16, 64)
	if err != nil {
		return 0, 0, err
	}
	length, err := strconv.ParseUint(string(tail), 16, 32)
	if err != nil {
		return 0, 0, err
	}
	return addr, int(length), nil
}

func hexEncode(data []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(data)))
	hex.Encode(out, data)
	return out
}

func hexDecode(data []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(out, data); err != nil {
		return nil, err
	}
	return out, nil
}

// errorReply maps taxonomy errors onto RSP error codes: EACCES for
// refused writes, EINVAL for out-of-range spans, EFAULT for everything
// else memory, E01 for the rest.
func errorReply(err error) []byte {
	if types.KindOf(err) == types.KindMemoryAccess {
		switch types.ReasonOf(err) {
		case types.ReasonPermissionDenied:
			return []byte("E0d")
		case types.ReasonOutOfRange:
			return []byte("E16")
		default:
			return []byte("E0e")
		}
	}
	return []byte("E01")
}

// Manager spawns stubs on behalf of the dispatcher and records them as
// session listeners so teardown stops them.
type Manager struct {
	facade *facade.Facade
	host   string
	logger *slog.Logger
}

// NewManager creates a stub manager binding listeners on host.
func NewManager(f *facade.Facade, host string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if host == "" {
		host = "localhost"
	}
	return &Manager{facade: f, host: host, logger: logger}
}

// SpawnStub binds a listener for the process and registers it on the
// session. Port 0 picks an ephemeral port; the bound port is returned
// and keys the session's listener table.
func (m *Manager) SpawnStub(ctx context.Context, sess *session.Session, pid uint32, port int) (int, error) {
	h, err := sess.Handle(pid)
	if err != nil {
		return 0, err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(m.host, strconv.Itoa(port)))
	if err != nil {
		return 0, types.WrapReason(types.KindGdbStub, types.ReasonPortInUse,
			fmt.Sprintf("binding gdb listener on port %d", port), err)
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port

	stub := NewStub(NewProcessTarget(m.facade, h), ln, m.logger)
	if _, err := sess.RegisterListener(m.host, boundPort, pid, stub.Stop); err != nil {
		ln.Close()
		return 0, err
	}

	go stub.Serve(context.WithoutCancel(ctx))
	sess.MarkListening(boundPort)
	return boundPort, nil
}
