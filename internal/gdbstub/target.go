package gdbstub

import (
	"context"

	"github.com/mortifiers/memflow-cli/internal/backend"
)

// Target is what the command loop debugs. Memory operations mirror the
// façade contract: atomic within the requested span, structured errors
// on failure. Register and execution operations fail with
// GdbStubError{Unsupported} when the underlying backend cannot provide
// them; the loop turns that into the protocol's unsupported replies
// instead of dropping the connection.
type Target interface {
	// Arch reports the debugged process architecture, which fixes the
	// register layout.
	Arch() backend.Architecture

	// ReadMemory returns exactly length bytes at addr or fails.
	ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error)

	// WriteMemory writes data at addr atomically.
	WriteMemory(ctx context.Context, addr uint64, data []byte) error

	// ReadRegisters returns the full register file in the GDB wire
	// layout for Arch.
	ReadRegisters(ctx context.Context) ([]byte, error)

	// WriteRegisters replaces the full register file.
	WriteRegisters(ctx context.Context, data []byte) error

	// ReadRegister returns one register by its GDB number.
	ReadRegister(ctx context.Context, regnum int) ([]byte, error)

	// WriteRegister replaces one register by its GDB number.
	WriteRegister(ctx context.Context, regnum int, data []byte) error

	// SupportsExecution reports whether Resume and Step can work at
	// all, without side effects.
	SupportsExecution() bool

	// Resume continues execution until the next stop.
	Resume(ctx context.Context) error

	// Step executes a single instruction.
	Step(ctx context.Context) error
}
