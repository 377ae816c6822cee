// Package facade provides the uniform memory access operations every
// surface of the daemon goes through. The façade itself is stateless:
// it is a set of operations parameterized by handles owned by
// sessions, which is what makes it safe to share between the command
// dispatcher, GDB stubs and FUSE mounts concurrently.
package facade

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/types"
)

// ProcessSummary is the client-visible description of a process.
type ProcessSummary struct {
	PID  uint32               `json:"pid"`
	Name string               `json:"name"`
	Base uint64               `json:"base"`
	Arch backend.Architecture `json:"arch"`
}

// ModuleSummary is the client-visible description of a loaded module.
type ModuleSummary struct {
	Name string `json:"name"`
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
}

// ProcessSelector picks a process by pid or, failing that, by name.
// A name matching more than one process without a pid is ambiguous.
type ProcessSelector struct {
	PID  *uint32
	Name string
}

// Facade implements the memory access operations.
type Facade struct {
	logger *slog.Logger
}

// New creates a Facade.
func New(logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{logger: logger.With("component", "facade")}
}

// ListProcesses enumerates the processes of an OS instance.
func (f *Facade) ListProcesses(ctx context.Context, osInst backend.OsInstance) ([]ProcessSummary, error) {
	infos, err := osInst.ProcessList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, ProcessSummary(info))
	}
	return out, nil
}

// ResolveProcess resolves a selector against the OS's process list and
// opens a raw process handle. Fails with ProcessNotFound if nothing
// matches, AmbiguousName if a name matches several processes and no
// pid was given.
func (f *Facade) ResolveProcess(ctx context.Context, osInst backend.OsInstance, sel ProcessSelector) (*ProcessHandle, error) {
	pid, err := f.resolvePID(ctx, osInst, sel)
	if err != nil {
		return nil, err
	}
	raw, err := osInst.OpenProcess(ctx, pid)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("opened process", "pid", pid, "name", raw.Info().Name)
	return NewProcessHandle(raw), nil
}

func (f *Facade) resolvePID(ctx context.Context, osInst backend.OsInstance, sel ProcessSelector) (uint32, error) {
	if sel.PID != nil {
		return *sel.PID, nil
	}
	if sel.Name == "" {
		return 0, types.New(types.KindProcessNotFound, "process selector carries neither pid nor name")
	}
	procs, err := osInst.ProcessList(ctx)
	if err != nil {
		return 0, err
	}
	var matches []backend.ProcessInfo
	for _, p := range procs {
		if p.Name == sel.Name {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return 0, types.Newf(types.KindProcessNotFound, "no process named %q", sel.Name)
	case 1:
		return matches[0].PID, nil
	default:
		return 0, types.Newf(types.KindAmbiguousName,
			"%d processes named %q, select by pid", len(matches), sel.Name)
	}
}

// ListModules enumerates a process's loaded modules.
func (f *Facade) ListModules(ctx context.Context, h *ProcessHandle) ([]ModuleSummary, error) {
	if err := h.acquire(); err != nil {
		return nil, err
	}
	defer h.release()

	mods, err := h.raw.Modules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ModuleSummary, 0, len(mods))
	for _, m := range mods {
		out = append(out, ModuleSummary(m))
	}
	return out, nil
}

// MaxReadLength bounds a single ReadMemory request. It matches the
// command channel frame limit, so any result the façade produces can
// be carried in one response; larger spans must be split by the
// caller. The bound is enforced before the result buffer is
// allocated, so a hostile length cannot drive allocation.
const MaxReadLength = 16 << 20

// ReadMemory reads length bytes at address. The read is atomic: a
// request spanning an unmapped page fails as a whole and no bytes are
// returned.
func (f *Facade) ReadMemory(ctx context.Context, h *ProcessHandle, address uint64, length int) ([]byte, error) {
	if length < 0 || length > MaxReadLength {
		return nil, types.NewReasonf(types.KindMemoryAccess, types.ReasonOutOfRange,
			"read length %d outside [0, %d]", length, MaxReadLength)
	}
	if err := h.acquire(); err != nil {
		return nil, err
	}
	defer h.release()

	buf := make([]byte, length)
	if err := h.raw.ReadAt(ctx, address, buf); err != nil {
		return nil, f.memoryErr(h, err)
	}
	return buf, nil
}

// WriteMemory writes data at address with whole-request atomicity.
func (f *Facade) WriteMemory(ctx context.Context, h *ProcessHandle, address uint64, data []byte) error {
	if err := h.acquire(); err != nil {
		return err
	}
	defer h.release()

	if err := h.raw.WriteAt(ctx, address, data); err != nil {
		return f.memoryErr(h, err)
	}
	return nil
}

// Translate resolves a virtual address to its physical address.
func (f *Facade) Translate(ctx context.Context, h *ProcessHandle, virtual uint64) (uint64, error) {
	if err := h.acquire(); err != nil {
		return 0, err
	}
	defer h.release()

	pa, err := h.raw.Translate(ctx, virtual)
	if err != nil {
		var e *types.Error
		if errors.As(err, &e) {
			return 0, err
		}
		return 0, types.Wrap(types.KindTranslation, "translate failed", err)
	}
	return pa, nil
}

// memoryErr normalizes backend failures into the taxonomy. A process
// that turned out to be gone also moves the handle to its failed
// state, so later callers fail fast.
func (f *Facade) memoryErr(h *ProcessHandle, err error) error {
	if errors.Is(err, types.ErrProcessNotFound) {
		h.Fail()
		f.logger.Debug("process gone, handle failed", "pid", h.pid)
		return err
	}
	var e *types.Error
	if errors.As(err, &e) {
		return err
	}
	return types.Wrap(types.KindMemoryAccess, "backend access failed", err)
}
