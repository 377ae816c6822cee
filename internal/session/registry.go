package session

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"sync"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/facade"
	"github.com/mortifiers/memflow-cli/internal/types"
)

// Registry is the daemon's only globally shared mutable structure: a
// concurrency-safe collection of sessions. The registry lock covers
// only the session map; everything inside a session is guarded by that
// session's own locks, so unrelated sessions never contend.
type Registry struct {
	backends *backend.Registry
	facade   *facade.Facade
	logger   *slog.Logger
	grace    time.Duration

	mu       sync.RWMutex
	sessions map[types.SessionID]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithShutdownGrace bounds how long session teardown waits for
// in-flight operations and adapter acknowledgments. Default 10s.
func WithShutdownGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.grace = d
		}
	}
}

// NewRegistry creates a session registry over the given backend
// registry and façade.
func NewRegistry(backends *backend.Registry, f *facade.Facade, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		backends: backends,
		facade:   f,
		logger:   logger.With("component", "session-registry"),
		grace:    10 * time.Second,
		sessions: make(map[types.SessionID]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backends exposes the backend registry for metadata commands.
func (r *Registry) Backends() *backend.Registry { return r.backends }

// Facade exposes the shared memory access façade.
func (r *Registry) Facade() *facade.Facade { return r.facade }

// CreateSession connects the named connector/OS plugin pair and
// registers a new session around the resulting OS instance.
// ConnectorError and OsInitError propagate from the backend.
func (r *Registry) CreateSession(ctx context.Context, connector, osName string, args backend.Args, detachable bool) (*Session, error) {
	osInst, err := r.backends.Connect(ctx, connector, osName, args)
	if err != nil {
		return nil, err
	}

	sess := newSession(types.NewSessionID(), connector, osName, osInst, r.facade, r.logger)
	sess.SetDetachable(detachable)

	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	r.mu.Unlock()

	r.logger.Info("session created",
		"session", sess.ID().String(),
		"connector", connector,
		"os", osName,
		"detachable", detachable,
	)
	return sess, nil
}

// Get returns the session for shared read access. Draining sessions
// fail with SessionClosing, unknown ids with SessionNotFound.
func (r *Registry) Get(id types.SessionID) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Newf(types.KindSessionNotFound, "no session %s", id)
	}
	if err := sess.checkActive(); err != nil {
		return nil, err
	}
	return sess, nil
}

// WithSessionMut runs op with exclusive structural access to the
// session. Mutation is serialized per session; readers of other
// sessions are unaffected.
func (r *Registry) WithSessionMut(id types.SessionID, op func(*Session) error) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	if err := sess.checkActive(); err != nil {
		return err
	}
	return op(sess)
}

// CloseSession runs the teardown barrier and removes the session.
// Unknown ids fail with SessionNotFound. Concurrent closes are safe:
// the loser observes SessionClosing, never a double-close fault.
func (r *Registry) CloseSession(ctx context.Context, id types.SessionID) error {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return types.Newf(types.KindSessionNotFound, "no session %s", id)
	}

	if !sess.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) {
		return types.Newf(types.KindSessionClosing, "session %s is closing", id)
	}

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.grace)
	defer cancel()
	sess.close(graceCtx)

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

// List snapshots all active sessions, ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].createdAt.Before(sessions[j].createdAt) })
	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		if sess.State() == StateActive {
			infos = append(infos, sess.Info())
		}
	}
	return infos
}

// CloseAll tears down every session, for daemon shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]types.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.CloseSession(ctx, id); err != nil {
			r.logger.Warn("closing session during shutdown", "session", id.String(), "error", err)
		}
	}
}
