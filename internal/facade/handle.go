package facade

import (
	"sync"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/types"
)

// handleState is the lifecycle of a ProcessHandle.
type handleState int

const (
	handleValid handleState = iota

	// handleFailed: the backend behind the handle became unusable.
	// Operations fail with MemoryAccessError.
	handleFailed

	// handleRevoked: the owning session began teardown. Operations
	// fail with SessionClosing.
	handleRevoked
)

// ProcessHandle is the façade's handle to one process. It wraps the
// backend's raw process with identity metadata and a validity state
// machine: once the owning session starts teardown the handle is
// revoked, new operations are refused, and teardown waits for
// in-flight operations to drain before the OS instance is released.
//
// Handles are created exclusively through the session registry, which
// guarantees one handle per (session, pid); equality is pointer
// equality.
type ProcessHandle struct {
	pid  uint32
	name string
	base uint64
	arch backend.Architecture
	raw  backend.RawProcess

	mu       sync.Mutex
	state    handleState
	inflight int
	drained  chan struct{}
}

// NewProcessHandle wraps a raw backend process.
func NewProcessHandle(raw backend.RawProcess) *ProcessHandle {
	info := raw.Info()
	return &ProcessHandle{
		pid:  info.PID,
		name: info.Name,
		base: info.Base,
		arch: info.Arch,
		raw:  raw,
	}
}

// PID returns the process id.
func (h *ProcessHandle) PID() uint32 { return h.pid }

// Name returns the process executable name.
func (h *ProcessHandle) Name() string { return h.name }

// Base returns the process base address.
func (h *ProcessHandle) Base() uint64 { return h.base }

// Arch returns the process architecture.
func (h *ProcessHandle) Arch() backend.Architecture { return h.arch }

// Summary returns the handle's identity as a ProcessSummary.
func (h *ProcessHandle) Summary() ProcessSummary {
	return ProcessSummary{PID: h.pid, Name: h.name, Base: h.base, Arch: h.arch}
}

// Raw exposes the underlying backend process for capability probing
// (execution control). Callers must hold an acquired operation.
func (h *ProcessHandle) Raw() backend.RawProcess { return h.raw }

// acquire registers an in-flight operation. It fails once the handle
// has been revoked or failed.
func (h *ProcessHandle) acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case handleRevoked:
		return types.Newf(types.KindSessionClosing, "process %d handle revoked", h.pid)
	case handleFailed:
		return types.NewReasonf(types.KindMemoryAccess, types.ReasonUnmapped,
			"process %d backend unavailable", h.pid)
	}
	h.inflight++
	return nil
}

// release retires an in-flight operation, closing the drain channel
// when teardown is waiting and this was the last one.
func (h *ProcessHandle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight--
	if h.inflight == 0 && h.state != handleValid && h.drained != nil {
		close(h.drained)
		h.drained = nil
	}
}

// Revoke invalidates the handle for session teardown. The returned
// channel is closed once all in-flight operations have drained.
// Revoke is idempotent; later calls observe the same barrier.
func (h *ProcessHandle) Revoke() <-chan struct{} {
	return h.invalidate(handleRevoked)
}

// Fail marks the handle's backend as unusable (connection lost,
// process gone). Unlike Revoke, subsequent operations report
// MemoryAccessError so clients see an access failure, not teardown.
func (h *ProcessHandle) Fail() {
	h.invalidate(handleFailed)
}

func (h *ProcessHandle) invalidate(to handleState) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == handleValid {
		h.state = to
	}
	if h.inflight == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	if h.drained == nil {
		h.drained = make(chan struct{})
	}
	return h.drained
}

// Valid reports whether the handle still accepts operations.
func (h *ProcessHandle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == handleValid
}
