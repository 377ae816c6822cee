// Package session holds the daemon's unit of client-visible state: a
// registry of sessions, each binding one OS instance to its derived
// process handles, filesystem mounts and debugger listeners.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/facade"
	"github.com/mortifiers/memflow-cli/internal/types"
)

// State is the session lifecycle. Teardown is an explicit barrier:
// Draining first revokes handle validity, then waits for in-flight
// operations and adapter tasks, then releases the OS instance.
type State int32

const (
	StateActive State = iota
	StateDraining
	StateClosed
)

// Session binds one OS instance and everything derived from it.
type Session struct {
	id         types.SessionID
	connector  string
	osName     string
	createdAt  time.Time
	osInst     backend.OsInstance
	facade     *facade.Facade
	logger     *slog.Logger
	detachable atomic.Bool
	state      atomic.Int32

	// wmu serializes structural mutation: one writer at a time per
	// session, independent of every other session.
	wmu sync.Mutex

	// mu guards the maps below against torn reads.
	mu        sync.RWMutex
	procs     map[uint32]*facade.ProcessHandle
	mounts    map[string]*MountDescriptor
	listeners map[int]*ListenerDescriptor

	opening singleflight.Group
}

func newSession(id types.SessionID, connector, osName string, osInst backend.OsInstance, f *facade.Facade, logger *slog.Logger) *Session {
	return &Session{
		id:        id,
		connector: connector,
		osName:    osName,
		createdAt: time.Now(),
		osInst:    osInst,
		facade:    f,
		logger:    logger.With("session", id.String()),
		procs:     make(map[uint32]*facade.ProcessHandle),
		mounts:    make(map[string]*MountDescriptor),
		listeners: make(map[int]*ListenerDescriptor),
	}
}

// ID returns the session identifier.
func (s *Session) ID() types.SessionID { return s.id }

// Os returns the session's OS instance. Valid until teardown releases
// it; callers reach it only through handles or while the session is
// active.
func (s *Session) Os() backend.OsInstance { return s.osInst }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Detachable reports whether the session survives its creating
// connection.
func (s *Session) Detachable() bool { return s.detachable.Load() }

// SetDetachable marks the session (non-)detachable.
func (s *Session) SetDetachable(v bool) { s.detachable.Store(v) }

// checkActive refuses operations once teardown has begun.
func (s *Session) checkActive() error {
	switch s.State() {
	case StateDraining:
		return types.Newf(types.KindSessionClosing, "session %s is closing", s.id)
	case StateClosed:
		return types.Newf(types.KindSessionNotFound, "session %s is closed", s.id)
	}
	return nil
}

// OpenProcess returns the session's handle for the selected process,
// opening it on first use. Concurrent calls for the same pid collapse
// to a single backend open and every caller receives the same handle.
func (s *Session) OpenProcess(ctx context.Context, sel facade.ProcessSelector) (*facade.ProcessHandle, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}

	// Fast path for pid selectors.
	if sel.PID != nil {
		s.mu.RLock()
		h, ok := s.procs[*sel.PID]
		s.mu.RUnlock()
		if ok {
			return h, nil
		}
	}

	key := selectorKey(sel)
	v, err, _ := s.opening.Do(key, func() (any, error) {
		h, err := s.facade.ResolveProcess(ctx, s.osInst, sel)
		if err != nil {
			return nil, err
		}

		s.wmu.Lock()
		defer s.wmu.Unlock()
		if err := s.checkActive(); err != nil {
			h.Raw().Close()
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		// A name-keyed and a pid-keyed open can race to the same pid;
		// the first registered handle wins.
		if existing, ok := s.procs[h.PID()]; ok {
			h.Raw().Close()
			return existing, nil
		}
		s.procs[h.PID()] = h
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*facade.ProcessHandle), nil
}

func selectorKey(sel facade.ProcessSelector) string {
	if sel.PID != nil {
		return fmt.Sprintf("pid:%d", *sel.PID)
	}
	return "name:" + sel.Name
}

// Handle returns the already-open handle for pid, or ProcessNotFound.
func (s *Session) Handle(pid uint32) (*facade.ProcessHandle, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.procs[pid]
	if !ok {
		return nil, types.Newf(types.KindProcessNotFound, "process %d not opened in session %s", pid, s.id)
	}
	return h, nil
}

// RegisterMount records a mount in Mounting state and attaches its
// stop hook. Fails with MountError{AlreadyMounted} on a duplicate
// path.
func (s *Session) RegisterMount(path string, pid uint32, writable bool, stop StopFunc) (*MountDescriptor, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mounts[path]; ok {
		return nil, types.NewReasonf(types.KindMount, types.ReasonAlreadyMounted, "path %s already mounted", path)
	}
	d := &MountDescriptor{Path: path, PID: pid, Writable: writable, State: MountStateMounting, stop: onceStop(stop)}
	s.mounts[path] = d
	return d, nil
}

// ActivateMount transitions a mount from Mounting to Active.
func (s *Session) ActivateMount(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.mounts[path]; ok && d.State == MountStateMounting {
		d.State = MountStateActive
	}
}

// Unmount tears down the mount at path: transitions it to Unmounting,
// invokes the stop hook, and removes the descriptor. Fails with
// MountError{NotMounted} when path has no mount, including repeated
// unmounts, and never leaves a dangling entry behind.
func (s *Session) Unmount(ctx context.Context, path string) error {
	s.wmu.Lock()
	s.mu.Lock()
	d, ok := s.mounts[path]
	if !ok {
		s.mu.Unlock()
		s.wmu.Unlock()
		return types.NewReasonf(types.KindMount, types.ReasonNotMounted, "no mount at %s", path)
	}
	if d.State == MountStateUnmounting {
		s.mu.Unlock()
		s.wmu.Unlock()
		return types.NewReasonf(types.KindMount, types.ReasonUnmounting, "mount at %s is already unmounting", path)
	}
	d.State = MountStateUnmounting
	s.mu.Unlock()
	s.wmu.Unlock()

	err := d.stop(ctx)

	s.mu.Lock()
	delete(s.mounts, path)
	s.mu.Unlock()

	if err != nil {
		return types.Wrap(types.KindMount, "unmount of "+path+" failed", err)
	}
	return nil
}

// Mounts snapshots the mount descriptors.
func (s *Session) Mounts() []MountDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MountDescriptor, 0, len(s.mounts))
	for _, d := range s.mounts {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RegisterListener records a GDB stub listener in Starting state.
// Fails with GdbStubError{PortInUse} when the session already owns a
// listener on the port.
func (s *Session) RegisterListener(addr string, port int, pid uint32, stop StopFunc) (*ListenerDescriptor, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[port]; ok {
		return nil, types.NewReasonf(types.KindGdbStub, types.ReasonPortInUse, "port %d already has a listener", port)
	}
	d := &ListenerDescriptor{Addr: addr, Port: port, PID: pid, State: ListenerStateStarting, stop: onceStop(stop)}
	s.listeners[port] = d
	return d, nil
}

// MarkListening transitions a listener from Starting to Listening.
func (s *Session) MarkListening(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.listeners[port]; ok && d.State == ListenerStateStarting {
		d.State = ListenerStateListening
	}
}

// RemoveListener drops a listener descriptor without stopping it,
// for listeners that failed during startup.
func (s *Session) RemoveListener(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, port)
}

// StopListener tears down the listener on port. Fails with
// GdbStubError{NotListening} when the port has none.
func (s *Session) StopListener(ctx context.Context, port int) error {
	s.wmu.Lock()
	s.mu.Lock()
	d, ok := s.listeners[port]
	if !ok {
		s.mu.Unlock()
		s.wmu.Unlock()
		return types.NewReasonf(types.KindGdbStub, types.ReasonNotListening, "no listener on port %d", port)
	}
	d.State = ListenerStateClosed
	s.mu.Unlock()
	s.wmu.Unlock()

	err := d.stop(ctx)

	s.mu.Lock()
	delete(s.listeners, port)
	s.mu.Unlock()

	if err != nil {
		return types.Wrap(types.KindGdbStub, fmt.Sprintf("stopping listener on port %d failed", port), err)
	}
	return nil
}

// Listeners snapshots the listener descriptors.
func (s *Session) Listeners() []ListenerDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ListenerDescriptor, 0, len(s.listeners))
	for _, d := range s.listeners {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Info is the client-visible session summary.
type Info struct {
	ID         types.SessionID      `json:"id"`
	Connector  string               `json:"connector"`
	Os         string               `json:"os"`
	CreatedAt  time.Time            `json:"created_at"`
	Detachable bool                 `json:"detachable"`
	Processes  []uint32             `json:"processes"`
	Mounts     []MountDescriptor    `json:"mounts"`
	Listeners  []ListenerDescriptor `json:"listeners"`
}

// Info snapshots the session for list responses.
func (s *Session) Info() Info {
	s.mu.RLock()
	pids := make([]uint32, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	s.mu.RUnlock()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	return Info{
		ID:         s.id,
		Connector:  s.connector,
		Os:         s.osName,
		CreatedAt:  s.createdAt,
		Detachable: s.Detachable(),
		Processes:  pids,
		Mounts:     s.Mounts(),
		Listeners:  s.Listeners(),
	}
}

// close runs the teardown barrier: revoke handle validity, stop
// adapter tasks, drain in-flight operations, release the OS instance.
// The grace context bounds how long each wait may take. Only the
// registry calls close, exactly once.
func (s *Session) close(ctx context.Context) {
	s.logger.Info("session teardown started")

	// Revoke first so no new operation can observe a live handle.
	s.mu.Lock()
	handles := make([]*facade.ProcessHandle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	mounts := make([]*MountDescriptor, 0, len(s.mounts))
	for _, d := range s.mounts {
		d.State = MountStateUnmounting
		mounts = append(mounts, d)
	}
	listeners := make([]*ListenerDescriptor, 0, len(s.listeners))
	for _, d := range s.listeners {
		d.State = ListenerStateClosed
		listeners = append(listeners, d)
	}
	s.mu.Unlock()

	drains := make([]<-chan struct{}, 0, len(handles))
	for _, h := range handles {
		drains = append(drains, h.Revoke())
	}

	// Signal adapter tasks and wait for their acknowledgment.
	for _, d := range listeners {
		if err := d.stop(ctx); err != nil {
			s.logger.Warn("gdb listener did not stop cleanly", "port", d.Port, "error", err)
		}
	}
	for _, d := range mounts {
		if err := d.stop(ctx); err != nil {
			s.logger.Warn("mount did not stop cleanly", "path", d.Path, "error", err)
		}
	}

	// Drain in-flight memory operations.
	for i, done := range drains {
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("handle drain timed out", "pid", handles[i].PID())
		}
	}

	for _, h := range handles {
		if err := h.Raw().Close(); err != nil {
			s.logger.Warn("closing raw process failed", "pid", h.PID(), "error", err)
		}
	}

	if err := s.osInst.Close(); err != nil {
		s.logger.Warn("closing os instance failed", "error", err)
	}

	s.mu.Lock()
	s.procs = map[uint32]*facade.ProcessHandle{}
	s.mounts = map[string]*MountDescriptor{}
	s.listeners = map[int]*ListenerDescriptor{}
	s.mu.Unlock()

	s.state.Store(int32(StateClosed))
	s.logger.Info("session teardown complete")
}
