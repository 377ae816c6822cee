package dispatch

import (
	"context"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/facade"
	"github.com/mortifiers/memflow-cli/internal/session"
	"github.com/mortifiers/memflow-cli/internal/types"
)

type handlerFunc func(ctx context.Context, cc *clientConn, params map[string]any) (any, error)

func (s *Server) commandTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		"connect":         s.handleConnect,
		"list-connectors": s.handleListConnectors,
		"list-os":         s.handleListOs,
		"list-sessions":   s.handleListSessions,
		"open-process":    s.handleOpenProcess,
		"list-processes":  s.handleListProcesses,
		"list-modules":    s.handleListModules,
		"read-memory":     s.handleReadMemory,
		"write-memory":    s.handleWriteMemory,
		"translate":       s.handleTranslate,
		"mount-fuse":      s.handleMountFuse,
		"umount-fuse":     s.handleUmountFuse,
		"spawn-gdb-stub":  s.handleSpawnGdbStub,
		"stop-gdb-stub":   s.handleStopGdbStub,
		"detach-session":  s.handleDetachSession,
		"close-session":   s.handleCloseSession,
	}
}

// resolveSession parses and looks up the session param.
func (s *Server) resolveSession(raw string) (*session.Session, error) {
	id, err := parseSessionID(raw)
	if err != nil {
		return nil, err
	}
	return s.registry.Get(id)
}

// openHandle resolves a pid to the session's process handle, opening
// it on first use.
func (s *Server) openHandle(ctx context.Context, sess *session.Session, pid uint32) (*facade.ProcessHandle, error) {
	return sess.OpenProcess(ctx, facade.ProcessSelector{PID: &pid})
}

func (s *Server) handleConnect(ctx context.Context, cc *clientConn, params map[string]any) (any, error) {
	var p connectParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Connector == "" || p.Os == "" {
		return nil, types.NewReason(types.KindProtocol, types.ReasonMalformed, "connect requires connector and os")
	}

	detachable := s.detachableDefault
	if p.Detachable != nil {
		detachable = *p.Detachable
	}

	sess, err := s.registry.CreateSession(ctx, p.Connector, p.Os, backend.Args(p.Args), detachable)
	if err != nil {
		return nil, err
	}
	cc.trackSession(sess.ID())

	return map[string]any{"session_id": sess.ID()}, nil
}

func (s *Server) handleListConnectors(_ context.Context, _ *clientConn, _ map[string]any) (any, error) {
	return map[string]any{"connectors": s.registry.Backends().Connectors()}, nil
}

func (s *Server) handleListOs(_ context.Context, _ *clientConn, _ map[string]any) (any, error) {
	return map[string]any{"os": s.registry.Backends().OsPlugins()}, nil
}

func (s *Server) handleListSessions(_ context.Context, _ *clientConn, _ map[string]any) (any, error) {
	return map[string]any{"sessions": s.registry.List()}, nil
}

func (s *Server) handleOpenProcess(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	var p openProcessParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	h, err := sess.OpenProcess(ctx, facade.ProcessSelector{PID: p.PID, Name: p.Name})
	if err != nil {
		return nil, err
	}
	return h.Summary(), nil
}

func (s *Server) handleListProcesses(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	procs, err := s.registry.Facade().ListProcesses(ctx, sess.Os())
	if err != nil {
		return nil, err
	}
	return map[string]any{"processes": procs}, nil
}

func (s *Server) handleListModules(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	var p processParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	h, err := s.openHandle(ctx, sess, p.PID)
	if err != nil {
		return nil, err
	}
	mods, err := s.registry.Facade().ListModules(ctx, h)
	if err != nil {
		return nil, err
	}
	return map[string]any{"modules": mods}, nil
}

func (s *Server) handleReadMemory(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	var p readMemoryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	h, err := s.openHandle(ctx, sess, p.PID)
	if err != nil {
		return nil, err
	}
	data, err := s.registry.Facade().ReadMemory(ctx, h, p.Address, p.Length)
	if err != nil {
		return nil, err
	}
	return map[string]any{"bytes": data}, nil
}

func (s *Server) handleWriteMemory(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	var p writeMemoryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	h, err := s.openHandle(ctx, sess, p.PID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Facade().WriteMemory(ctx, h, p.Address, p.Data); err != nil {
		return nil, err
	}
	return map[string]any{"written": len(p.Data)}, nil
}

func (s *Server) handleTranslate(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	var p translateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	h, err := s.openHandle(ctx, sess, p.PID)
	if err != nil {
		return nil, err
	}
	pa, err := s.registry.Facade().Translate(ctx, h, p.Address)
	if err != nil {
		return nil, err
	}
	return map[string]any{"physical": pa}, nil
}

func (s *Server) handleMountFuse(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	if s.fuse == nil {
		return nil, types.New(types.KindMount, "filesystem support not enabled")
	}
	var p mountParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, types.NewReason(types.KindProtocol, types.ReasonMalformed, "mount-fuse requires path")
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	// The bound process must resolve before anything touches the host
	// filesystem namespace.
	if _, err := s.openHandle(ctx, sess, p.PID); err != nil {
		return nil, err
	}
	if err := s.fuse.MountProcess(ctx, sess, p.PID, p.Path, p.Writable); err != nil {
		return nil, err
	}
	return map[string]any{"path": p.Path}, nil
}

func (s *Server) handleUmountFuse(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	var p umountParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	if err := sess.Unmount(ctx, p.Path); err != nil {
		return nil, err
	}
	return map[string]any{"path": p.Path}, nil
}

func (s *Server) handleSpawnGdbStub(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	if s.gdb == nil {
		return nil, types.NewReason(types.KindGdbStub, types.ReasonUnsupported, "gdb stub support not enabled")
	}
	var p spawnGdbParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	if _, err := s.openHandle(ctx, sess, p.PID); err != nil {
		return nil, err
	}
	port, err := s.gdb.SpawnStub(ctx, sess, p.PID, p.Port)
	if err != nil {
		return nil, err
	}
	return map[string]any{"port": port}, nil
}

func (s *Server) handleStopGdbStub(ctx context.Context, _ *clientConn, params map[string]any) (any, error) {
	var p stopGdbParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.resolveSession(p.Session)
	if err != nil {
		return nil, err
	}
	if err := sess.StopListener(ctx, p.Port); err != nil {
		return nil, err
	}
	return map[string]any{"port": p.Port}, nil
}

func (s *Server) handleDetachSession(_ context.Context, _ *clientConn, params map[string]any) (any, error) {
	var p detachParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	id, err := parseSessionID(p.Session)
	if err != nil {
		return nil, err
	}
	detach := true
	if p.Detach != nil {
		detach = *p.Detach
	}
	// Serialized against structural mutation so the flag flip cannot
	// race a teardown deciding the session's fate.
	err = s.registry.WithSessionMut(id, func(sess *session.Session) error {
		sess.SetDetachable(detach)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"detachable": detach}, nil
}

func (s *Server) handleCloseSession(ctx context.Context, cc *clientConn, params map[string]any) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	id, err := parseSessionID(p.Session)
	if err != nil {
		return nil, err
	}
	if err := s.registry.CloseSession(ctx, id); err != nil {
		return nil, err
	}
	cc.forgetSession(id)
	return map[string]any{"closed": id}, nil
}
