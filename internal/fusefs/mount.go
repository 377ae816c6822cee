package fusefs

import (
	"context"
	"log/slog"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/mortifiers/memflow-cli/internal/facade"
	"github.com/mortifiers/memflow-cli/internal/session"
	"github.com/mortifiers/memflow-cli/internal/types"
)

// Manager mounts filesystem views on behalf of the dispatcher and
// records them as session mounts so teardown unmounts them.
type Manager struct {
	facade     *facade.Facade
	logger     *slog.Logger
	allowOther bool
	refresh    time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAllowOther lets other users access the mounts.
func WithAllowOther(v bool) ManagerOption {
	return func(m *Manager) { m.allowOther = v }
}

// WithRefreshInterval sets the process list cache lifetime.
func WithRefreshInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.refresh = d
		}
	}
}

// NewManager creates a mount manager.
func NewManager(f *facade.Facade, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		facade:  f,
		logger:  logger.With("component", "fusefs"),
		refresh: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MountProcess mounts a filesystem view of the session at path. The
// pid anchors the mount to a validated process; the mounted tree shows
// the whole process list. The mount is registered on the session so
// either umount-fuse or session teardown stops it.
func (m *Manager) MountProcess(ctx context.Context, sess *session.Session, pid uint32, path string, writable bool) error {
	filesystem := NewFS(m.facade, sess, writable, m.refresh)

	options := []fuse.MountOption{
		fuse.FSName("memflow"),
		fuse.Subtype("memflowfs"),
		fuse.DefaultPermissions(),
	}
	if m.allowOther {
		options = append(options, fuse.AllowOther())
	}
	if !writable {
		options = append(options, fuse.ReadOnly())
	}

	conn, err := fuse.Mount(path, options...)
	if err != nil {
		return types.Wrap(types.KindMount, "mounting "+path, err)
	}

	logger := m.logger.With("path", path, "session", sess.ID().String())

	stop := func(stopCtx context.Context) error {
		wait := filesystem.view.startUnmount()
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
		case <-stopCtx.Done():
			logger.Warn("filesystem operations did not drain before unmount")
		}
		if err := fuse.Unmount(path); err != nil {
			logger.Warn("unmount failed", "error", err)
		}
		return conn.Close()
	}

	if _, err := sess.RegisterMount(path, pid, writable, stop); err != nil {
		fuse.Unmount(path)
		conn.Close()
		return err
	}
	sess.ActivateMount(path)

	go func() {
		logger.Info("filesystem mounted", "writable", writable)
		if err := fusefs.Serve(conn, filesystem); err != nil {
			logger.Warn("filesystem serve loop failed", "error", err)
		}
		// Serve also returns after an external fusermount -u; drop the
		// descriptor so the session does not hold a dead mount.
		if err := sess.Unmount(context.Background(), path); err != nil &&
			types.ReasonOf(err) != types.ReasonNotMounted &&
			types.ReasonOf(err) != types.ReasonUnmounting {
			logger.Warn("dropping mount after serve exit", "error", err)
		}
		logger.Info("filesystem unmounted")
	}()

	return nil
}
