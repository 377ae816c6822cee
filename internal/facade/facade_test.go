package facade

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/types"
)

func dummyOs(t *testing.T) backend.OsInstance {
	t.Helper()
	reg := backend.NewRegistry()
	reg.RegisterConnector(backend.NewDummyConnector())
	reg.RegisterOsPlugin(backend.NewDummyOsPlugin())
	osInst, err := reg.Connect(context.Background(), "dummy", "dummy_os", nil)
	require.NoError(t, err)
	t.Cleanup(func() { osInst.Close() })
	return osInst
}

func uptr(v uint32) *uint32 { return &v }

func TestResolveProcess_ByPid(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)

	h, err := f.ResolveProcess(context.Background(), osInst, ProcessSelector{PID: uptr(420)})
	require.NoError(t, err)
	assert.Equal(t, uint32(420), h.PID())
	assert.Equal(t, "notepad.exe", h.Name())
	assert.Equal(t, backend.ArchX86_64, h.Arch())
}

func TestResolveProcess_ByName(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)

	h, err := f.ResolveProcess(context.Background(), osInst, ProcessSelector{Name: "notepad.exe"})
	require.NoError(t, err)
	assert.Equal(t, uint32(420), h.PID())
}

func TestResolveProcess_AmbiguousName(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)

	_, err := f.ResolveProcess(context.Background(), osInst, ProcessSelector{Name: "svchost.exe"})
	require.Error(t, err)
	assert.Equal(t, types.KindAmbiguousName, types.KindOf(err))

	// With an explicit pid the same name resolves fine.
	h, err := f.ResolveProcess(context.Background(), osInst, ProcessSelector{PID: uptr(1001), Name: "svchost.exe"})
	require.NoError(t, err)
	assert.Equal(t, uint32(1001), h.PID())
}

func TestResolveProcess_NotFound(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)

	_, err := f.ResolveProcess(context.Background(), osInst, ProcessSelector{Name: "missing.exe"})
	require.Error(t, err)
	assert.Equal(t, types.KindProcessNotFound, types.KindOf(err))

	_, err = f.ResolveProcess(context.Background(), osInst, ProcessSelector{PID: uptr(99999)})
	require.Error(t, err)
	assert.Equal(t, types.KindProcessNotFound, types.KindOf(err))
}

func TestReadWriteMemory_RoundTrip(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)
	ctx := context.Background()

	h, err := f.ResolveProcess(ctx, osInst, ProcessSelector{PID: uptr(420)})
	require.NoError(t, err)

	payload := []byte("round trip payload")
	require.NoError(t, f.WriteMemory(ctx, h, 0x2000, payload))

	got, err := f.ReadMemory(ctx, h, 0x2000, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadMemory_UnmappedNoPartialBuffer(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)
	ctx := context.Background()

	h, err := f.ResolveProcess(ctx, osInst, ProcessSelector{PID: uptr(420)})
	require.NoError(t, err)

	got, err := f.ReadMemory(ctx, h, 0x4ff0, 64)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Equal(t, types.ReasonUnmapped, types.ReasonOf(err))
}

func TestReadMemory_LengthOutOfRange(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)
	ctx := context.Background()

	h, err := f.ResolveProcess(ctx, osInst, ProcessSelector{PID: uptr(420)})
	require.NoError(t, err)

	// Rejected before any buffer is allocated, so absurd lengths are
	// an error response rather than an allocation fault.
	for _, length := range []int{-1, MaxReadLength + 1, 1 << 60} {
		got, err := f.ReadMemory(ctx, h, 0x1000, length)
		require.Error(t, err, "length %d", length)
		assert.Nil(t, got)
		assert.Equal(t, types.ReasonOutOfRange, types.ReasonOf(err))
	}

	got, err := f.ReadMemory(ctx, h, 0x1000, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListModules(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)
	ctx := context.Background()

	h, err := f.ResolveProcess(ctx, osInst, ProcessSelector{PID: uptr(420)})
	require.NoError(t, err)

	mods, err := f.ListModules(ctx, h)
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, "notepad.exe", mods[0].Name)
}

func TestTranslate(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)
	ctx := context.Background()

	h, err := f.ResolveProcess(ctx, osInst, ProcessSelector{PID: uptr(420)})
	require.NoError(t, err)

	pa, err := f.Translate(ctx, h, 0x1080)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x200080), pa)

	_, err = f.Translate(ctx, h, 0xcafe0000)
	require.Error(t, err)
	assert.Equal(t, types.KindTranslation, types.KindOf(err))
}

func TestHandle_RevokeFailsNewOps(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)
	ctx := context.Background()

	h, err := f.ResolveProcess(ctx, osInst, ProcessSelector{PID: uptr(420)})
	require.NoError(t, err)

	drained := h.Revoke()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("idle handle did not drain immediately")
	}

	_, err = f.ReadMemory(ctx, h, 0x1000, 16)
	require.Error(t, err)
	assert.Equal(t, types.KindSessionClosing, types.KindOf(err))
	assert.False(t, h.Valid())
}

func TestHandle_RevokeWaitsForInflight(t *testing.T) {
	h := NewProcessHandle(openRaw(t, 420))
	require.NoError(t, h.acquire())

	drained := h.Revoke()
	select {
	case <-drained:
		t.Fatal("drained before in-flight op released")
	case <-time.After(50 * time.Millisecond):
	}

	h.release()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain channel never closed")
	}
}

func TestHandle_FailReportsMemoryAccess(t *testing.T) {
	f := New(slog.Default())
	h := NewProcessHandle(openRaw(t, 420))

	h.Fail()
	_, err := f.ReadMemory(context.Background(), h, 0x1000, 8)
	require.Error(t, err)
	assert.Equal(t, types.KindMemoryAccess, types.KindOf(err))
}

func TestReadMemory_ExitedProcessFailsHandle(t *testing.T) {
	f := New(slog.Default())
	osInst := dummyOs(t)
	ctx := context.Background()

	h, err := f.ResolveProcess(ctx, osInst, ProcessSelector{PID: uptr(1337)})
	require.NoError(t, err)

	require.True(t, osInst.(backend.ProcessExiter).ExitProcess(1337))

	_, err = f.ReadMemory(ctx, h, 0x500000, 8)
	require.Error(t, err)
	assert.Equal(t, types.KindProcessNotFound, types.KindOf(err))
	assert.False(t, h.Valid())
}

func openRaw(t *testing.T, pid uint32) backend.RawProcess {
	t.Helper()
	raw, err := dummyOs(t).OpenProcess(context.Background(), pid)
	require.NoError(t, err)
	return raw
}
