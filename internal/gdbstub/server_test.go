package gdbstub

import (
	"bufio"
	"context"
	"encoding/hex"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/facade"
	"github.com/mortifiers/memflow-cli/internal/session"
	"github.com/mortifiers/memflow-cli/internal/types"
)

func newTestSession(t *testing.T) (*session.Registry, *session.Session, *facade.Facade) {
	t.Helper()
	backends := backend.NewRegistry()
	backends.RegisterConnector(backend.NewDummyConnector())
	backends.RegisterOsPlugin(backend.NewDummyOsPlugin())
	f := facade.New(slog.Default())
	reg := session.NewRegistry(backends, f, slog.Default())

	sess, err := reg.CreateSession(context.Background(), "dummy", "dummy_os", nil, false)
	require.NoError(t, err)
	t.Cleanup(func() { reg.CloseAll(context.Background()) })
	return reg, sess, f
}

func spawnTestStub(t *testing.T, pid uint32) (*session.Session, int) {
	t.Helper()
	_, sess, f := newTestSession(t)
	_, err := sess.OpenProcess(context.Background(), facade.ProcessSelector{PID: &pid})
	require.NoError(t, err)

	mgr := NewManager(f, "127.0.0.1", slog.Default())
	port, err := mgr.SpawnStub(context.Background(), sess, pid, 0)
	require.NoError(t, err)
	return sess, port
}

type debuggerConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func attachDebugger(t *testing.T, port int) *debuggerConn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &debuggerConn{conn: conn, r: bufio.NewReader(conn)}
}

// cmd sends one packet and returns the stub's reply body. Acks on both
// directions are handled by the codec.
func (d *debuggerConn) cmd(t *testing.T, body string) string {
	t.Helper()
	require.NoError(t, writePacket(d.conn, []byte(body)))
	reply, err := readPacket(d.r)
	require.NoError(t, err)
	require.NoError(t, writeAck(d.conn, true))
	return string(reply)
}

func TestStub_QueryAndStatus(t *testing.T) {
	_, port := spawnTestStub(t, 420)
	dbg := attachDebugger(t, port)

	assert.Equal(t, "PacketSize=1000", dbg.cmd(t, "qSupported:xmlRegisters=i386"))
	assert.Equal(t, "1", dbg.cmd(t, "qAttached"))
	assert.Equal(t, "S05", dbg.cmd(t, "?"))
}

func TestStub_ReadMemory(t *testing.T) {
	sess, port := spawnTestStub(t, 420)
	dbg := attachDebugger(t, port)

	reply := dbg.cmd(t, "m1000,8")
	data, err := hex.DecodeString(reply)
	require.NoError(t, err)
	assert.Len(t, data, 8)

	// The stub and the command channel see the same bytes.
	h, err := sess.Handle(420)
	require.NoError(t, err)
	direct := make([]byte, 8)
	require.NoError(t, h.Raw().ReadAt(context.Background(), 0x1000, direct))
	assert.Equal(t, direct, data)
}

func TestStub_WriteThenReadMemory(t *testing.T) {
	_, port := spawnTestStub(t, 420)
	dbg := attachDebugger(t, port)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, "OK", dbg.cmd(t, "M2000,4:"+hex.EncodeToString(payload)))

	reply := dbg.cmd(t, "m2000,4")
	got, err := hex.DecodeString(reply)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStub_ReadUnmappedMemory(t *testing.T) {
	_, port := spawnTestStub(t, 420)
	dbg := attachDebugger(t, port)

	assert.Equal(t, "E0e", dbg.cmd(t, "m9000000,10"))
}

func TestStub_ReadMemoryLengthCapped(t *testing.T) {
	_, port := spawnTestStub(t, 420)
	dbg := attachDebugger(t, port)

	// Lengths beyond the facade cap fail as out of range instead of
	// allocating.
	assert.Equal(t, "E16", dbg.cmd(t, "m1000,1000001"))
}

func TestStub_WriteReadOnlyRegion(t *testing.T) {
	_, port := spawnTestStub(t, 420)
	dbg := attachDebugger(t, port)

	assert.Equal(t, "E0d", dbg.cmd(t, "M400000,2:beef"))
}

func TestStub_Registers(t *testing.T) {
	_, port := spawnTestStub(t, 420)
	dbg := attachDebugger(t, port)

	reply := dbg.cmd(t, "g")
	data, err := hex.DecodeString(reply)
	require.NoError(t, err)
	// amd64 register file: 17 qwords plus 7 dwords.
	assert.Len(t, data, 17*8+7*4)

	rip := dbg.cmd(t, "p10")
	assert.Equal(t, "0000000000000000", rip)

	// No writable thread context behind the dummy backend.
	assert.Equal(t, "E01", dbg.cmd(t, "G"+reply))
}

func TestStub_ExecutionUnsupported(t *testing.T) {
	_, port := spawnTestStub(t, 420)
	dbg := attachDebugger(t, port)

	assert.Equal(t, "E01", dbg.cmd(t, "c"))
	assert.Equal(t, "E01", dbg.cmd(t, "s"))
	assert.Equal(t, "", dbg.cmd(t, "vCont?"))
}

func TestStub_SecondConnectionRefused(t *testing.T) {
	_, port := spawnTestStub(t, 420)
	first := attachDebugger(t, port)
	require.Equal(t, "1", first.cmd(t, "qAttached"))

	second := attachDebugger(t, port)
	second.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := second.r.ReadByte()
	assert.Error(t, err, "second debugger connection should be closed")

	// The first connection keeps working.
	assert.Equal(t, "S05", first.cmd(t, "?"))
}

func TestStub_DetachKeepsListener(t *testing.T) {
	sess, port := spawnTestStub(t, 420)
	dbg := attachDebugger(t, port)
	assert.Equal(t, "OK", dbg.cmd(t, "D"))

	require.Len(t, sess.Listeners(), 1)

	// A new debugger can attach after the old one detached.
	require.Eventually(t, func() bool {
		next := &debuggerConn{}
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return false
		}
		defer conn.Close()
		next.conn, next.r = conn, bufio.NewReader(conn)
		if err := writePacket(conn, []byte("qAttached")); err != nil {
			return false
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		reply, err := readPacket(next.r)
		return err == nil && string(reply) == "1"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStub_StopListener(t *testing.T) {
	sess, port := spawnTestStub(t, 420)

	require.NoError(t, sess.StopListener(context.Background(), port))
	assert.Empty(t, sess.Listeners())

	_, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	assert.Error(t, err)
}

func TestManager_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	pid := uint32(420)
	_, sess, f := newTestSession(t)
	_, err = sess.OpenProcess(context.Background(), facade.ProcessSelector{PID: &pid})
	require.NoError(t, err)

	mgr := NewManager(f, "127.0.0.1", slog.Default())
	_, err = mgr.SpawnStub(context.Background(), sess, pid, busy)
	require.Error(t, err)
	assert.Equal(t, types.ReasonPortInUse, types.ReasonOf(err))
	assert.Empty(t, sess.Listeners())
}

func TestManager_RequiresOpenProcess(t *testing.T) {
	_, sess, f := newTestSession(t)
	mgr := NewManager(f, "127.0.0.1", slog.Default())
	_, err := mgr.SpawnStub(context.Background(), sess, 420, 0)
	require.Error(t, err)
	assert.Equal(t, types.KindProcessNotFound, types.KindOf(err))
}
