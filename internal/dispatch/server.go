// Package dispatch implements the command channel: it accepts client
// connections, decodes framed requests, validates them against the
// session registry, invokes façade and session operations, and encodes
// responses. Failures in servicing one command become structured error
// responses; they never terminate the daemon or another client's
// session.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mortifiers/memflow-cli/internal/protocol"
	"github.com/mortifiers/memflow-cli/internal/session"
	"github.com/mortifiers/memflow-cli/internal/types"
)

// GdbSpawner starts a GDB stub listener bound to one session process
// and registers its ListenerDescriptor on the session. It returns the
// actual bound port.
type GdbSpawner interface {
	SpawnStub(ctx context.Context, sess *session.Session, pid uint32, port int) (int, error)
}

// FuseMounter mounts a filesystem view of one session and registers
// its MountDescriptor on the session.
type FuseMounter interface {
	MountProcess(ctx context.Context, sess *session.Session, pid uint32, path string, writable bool) error
}

// Server serves the command channel.
type Server struct {
	registry *session.Registry
	gdb      GdbSpawner
	fuse     FuseMounter
	logger   *slog.Logger

	maxFrame          int
	detachableDefault bool

	handlers map[string]handlerFunc

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	conns  sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithGdbSpawner wires the GDB stub adapter.
func WithGdbSpawner(g GdbSpawner) Option {
	return func(s *Server) { s.gdb = g }
}

// WithFuseMounter wires the filesystem adapter.
func WithFuseMounter(f FuseMounter) Option {
	return func(s *Server) { s.fuse = f }
}

// WithMaxFrameSize caps inbound/outbound frames.
func WithMaxFrameSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxFrame = n
		}
	}
}

// WithDetachableSessions makes sessions survive their creating
// connection by default.
func WithDetachableSessions(v bool) Option {
	return func(s *Server) { s.detachableDefault = v }
}

// NewServer creates a command channel server over the session
// registry.
func NewServer(registry *session.Registry, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		logger:   logger.With("component", "dispatch"),
		maxFrame: protocol.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = s.commandTable()
	return s
}

// Serve accepts connections on ln until ctx is canceled or Close is
// called. Transient accept errors are retried with exponential
// backoff.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("command channel listening", "addr", ln.Addr().String())

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Second
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				return nil
			}
			wait := bo.NextBackOff()
			s.logger.Warn("accept failed, backing off", "error", err, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				s.conns.Wait()
				return nil
			}
			continue
		}
		bo.Reset()
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for connection handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.conns.Wait()
}

// clientConn is the per-connection state: the response write lock and
// the set of sessions this connection created, used for disconnect
// cleanup.
type clientConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	created map[types.SessionID]bool

	inflight sync.WaitGroup
}

func (c *clientConn) trackSession(id types.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created[id] = true
}

func (c *clientConn) forgetSession(id types.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.created, id)
}

func (c *clientConn) createdSessions() []types.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]types.SessionID, 0, len(c.created))
	for id := range c.created {
		ids = append(ids, id)
	}
	return ids
}

// handleConn runs one client connection: read frames, dispatch each on
// its own goroutine, clean up created sessions on disconnect.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With("remote", remote)
	logger.Debug("client connected")

	cc := &clientConn{conn: conn, created: make(map[types.SessionID]bool)}

	defer func() {
		conn.Close()
		cc.inflight.Wait()
		s.cleanupConn(ctx, cc, logger)
		logger.Debug("client disconnected")
	}()

	for {
		payload, err := protocol.ReadFrame(conn, s.maxFrame)
		if err != nil {
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			// Keep the connection: a malformed frame fails only the
			// frame. Without a parseable id the client correlates by
			// the empty token.
			s.writeResponse(cc, &protocol.Response{
				ID: bestEffortID(payload),
				OK: false,
				Error: protocol.NewErrorBody(types.WrapReason(
					types.KindProtocol, types.ReasonMalformed, "undecodable request frame", err)),
			})
			continue
		}

		cc.inflight.Add(1)
		go func() {
			defer cc.inflight.Done()
			resp := s.dispatch(ctx, cc, &req)
			s.writeResponse(cc, resp)
		}()
	}
}

// bestEffortID extracts the correlation id from a frame whose full
// decode failed, so even malformed-payload errors correlate when the
// id itself was readable.
func bestEffortID(payload []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// dispatch routes one request through the command table. Responses are
// built only after the operation's side effects are fully applied. A
// panicking handler fails its own request, never the daemon.
func (s *Server) dispatch(ctx context.Context, cc *clientConn, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked", "command", req.Command, "panic", r)
			resp = &protocol.Response{ID: req.ID, OK: false,
				Error: protocol.NewErrorBody(types.Newf(
					types.KindProtocol, "internal error servicing %q", req.Command))}
		}
	}()

	handler, ok := s.handlers[req.Command]
	if !ok {
		return &protocol.Response{
			ID: req.ID,
			OK: false,
			Error: protocol.NewErrorBody(types.NewReasonf(
				types.KindProtocol, types.ReasonUnknownCommand, "unknown command %q", req.Command)),
		}
	}

	result, err := handler(ctx, cc, req.Params)
	if err != nil {
		s.logger.Debug("command failed", "command", req.Command, "error", err)
		return &protocol.Response{ID: req.ID, OK: false, Error: protocol.NewErrorBody(err)}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return &protocol.Response{ID: req.ID, OK: false,
			Error: protocol.NewErrorBody(types.Wrap(types.KindProtocol, "encoding result", err))}
	}
	return &protocol.Response{ID: req.ID, OK: true, Result: raw}
}

func (s *Server) writeResponse(cc *clientConn, resp *protocol.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding response", "error", err)
		return
	}
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if err := protocol.WriteFrame(cc.conn, s.maxFrame, payload); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

// cleanupConn closes every session this connection created that was
// not marked detachable, so an abrupt disconnect never leaves orphaned
// adapter tasks behind.
func (s *Server) cleanupConn(ctx context.Context, cc *clientConn, logger *slog.Logger) {
	for _, id := range cc.createdSessions() {
		sess, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		if sess.Detachable() {
			logger.Info("leaving detachable session running", "session", id.String())
			continue
		}
		logger.Info("closing session of disconnected client", "session", id.String())
		if err := s.registry.CloseSession(context.WithoutCancel(ctx), id); err != nil {
			logger.Warn("session cleanup failed", "session", id.String(), "error", err)
		}
	}
}
