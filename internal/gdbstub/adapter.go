package gdbstub

import (
	"context"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/facade"
	"github.com/mortifiers/memflow-cli/internal/types"
)

// registerLayout describes the GDB wire order of a register file:
// per-register widths in bytes, in register-number order.
type registerLayout struct {
	widths []int
	total  int
}

func newLayout(widths ...int) *registerLayout {
	total := 0
	for _, w := range widths {
		total += w
	}
	return &registerLayout{widths: widths, total: total}
}

// GDB's amd64 register order: 16 general-purpose registers and rip at
// 8 bytes, then eflags and the segment registers at 4.
var layoutX86_64 = newLayout(
	8, 8, 8, 8, 8, 8, 8, 8, // rax rbx rcx rdx rsi rdi rbp rsp
	8, 8, 8, 8, 8, 8, 8, 8, // r8..r15
	8,                // rip
	4,                // eflags
	4, 4, 4, 4, 4, 4, // cs ss ds es fs gs
)

// GDB's i386 register order: everything 4 bytes.
var layoutI386 = newLayout(
	4, 4, 4, 4, 4, 4, 4, 4, // eax ecx edx ebx esp ebp esi edi
	4,                // eip
	4,                // eflags
	4, 4, 4, 4, 4, 4, // cs ss ds es fs gs
)

func layoutFor(arch backend.Architecture) *registerLayout {
	switch arch {
	case backend.ArchX86_64:
		return layoutX86_64
	case backend.ArchX86:
		return layoutI386
	}
	return nil
}

// processTarget adapts one façade process handle to the Target
// interface. Memory goes through the façade unchanged. Registers
// come from the backend's thread context when it exposes one; the
// introspection backends this daemon targets generally do not, so the
// register file reads as zeroes and register writes are refused.
// Execution control requires the backend to implement
// ExecutionController.
type processTarget struct {
	facade *facade.Facade
	handle *facade.ProcessHandle
	layout *registerLayout
}

// NewProcessTarget builds a Target over a session process handle.
// Architectures without a register map fail later, per operation, not
// here: memory inspection works on any architecture.
func NewProcessTarget(f *facade.Facade, h *facade.ProcessHandle) Target {
	return &processTarget{
		facade: f,
		handle: h,
		layout: layoutFor(h.Arch()),
	}
}

func (t *processTarget) Arch() backend.Architecture { return t.handle.Arch() }

func (t *processTarget) ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error) {
	return t.facade.ReadMemory(ctx, t.handle, addr, length)
}

func (t *processTarget) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	return t.facade.WriteMemory(ctx, t.handle, addr, data)
}

func (t *processTarget) checkLayout() error {
	if t.layout == nil {
		return types.NewReasonf(types.KindGdbStub, types.ReasonUnsupported,
			"no register map for architecture %s", t.handle.Arch())
	}
	return nil
}

func (t *processTarget) ReadRegisters(_ context.Context) ([]byte, error) {
	if err := t.checkLayout(); err != nil {
		return nil, err
	}
	// No thread context from the backend: present a zeroed register
	// file so debuggers can attach and inspect memory.
	return make([]byte, t.layout.total), nil
}

func (t *processTarget) WriteRegisters(_ context.Context, _ []byte) error {
	if err := t.checkLayout(); err != nil {
		return err
	}
	return types.NewReason(types.KindGdbStub, types.ReasonUnsupported,
		"backend does not expose a writable thread context")
}

func (t *processTarget) ReadRegister(_ context.Context, regnum int) ([]byte, error) {
	if err := t.checkLayout(); err != nil {
		return nil, err
	}
	if regnum < 0 || regnum >= len(t.layout.widths) {
		return nil, types.NewReasonf(types.KindGdbStub, types.ReasonUnsupported,
			"no register %d for architecture %s", regnum, t.handle.Arch())
	}
	return make([]byte, t.layout.widths[regnum]), nil
}

func (t *processTarget) WriteRegister(_ context.Context, regnum int, _ []byte) error {
	if err := t.checkLayout(); err != nil {
		return err
	}
	if regnum < 0 || regnum >= len(t.layout.widths) {
		return types.NewReasonf(types.KindGdbStub, types.ReasonUnsupported,
			"no register %d for architecture %s", regnum, t.handle.Arch())
	}
	return types.NewReason(types.KindGdbStub, types.ReasonUnsupported,
		"backend does not expose a writable thread context")
}

func (t *processTarget) SupportsExecution() bool {
	_, ok := t.handle.Raw().(backend.ExecutionController)
	return ok
}

// execController probes the capability on the raw process.
func (t *processTarget) execController() (backend.ExecutionController, error) {
	if ec, ok := t.handle.Raw().(backend.ExecutionController); ok {
		return ec, nil
	}
	return nil, types.NewReason(types.KindGdbStub, types.ReasonUnsupported,
		"backend does not support execution control")
}

func (t *processTarget) Resume(ctx context.Context) error {
	ec, err := t.execController()
	if err != nil {
		return err
	}
	return ec.Resume(ctx)
}

func (t *processTarget) Step(ctx context.Context) error {
	ec, err := t.execController()
	if err != nil {
		return err
	}
	return ec.Step(ctx)
}
