// Package daemon wires the memflow daemon together: configuration,
// logging, the backend registry, the session registry, the adapter
// managers and the command channel server, with ordered startup and
// shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/config"
	"github.com/mortifiers/memflow-cli/internal/dispatch"
	"github.com/mortifiers/memflow-cli/internal/facade"
	"github.com/mortifiers/memflow-cli/internal/fusefs"
	"github.com/mortifiers/memflow-cli/internal/gdbstub"
	"github.com/mortifiers/memflow-cli/internal/session"
)

// Daemon is the assembled memflow daemon.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *session.Registry
	server   *dispatch.Server

	ln net.Listener
}

// New assembles a daemon from configuration. Nothing is bound or
// written until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil configuration")
	}
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}

	backends := backend.NewRegistry()
	backends.RegisterConnector(backend.NewDummyConnector())
	backends.RegisterOsPlugin(backend.NewDummyOsPlugin())

	f := facade.New(logger)
	registry := session.NewRegistry(backends, f, logger,
		session.WithShutdownGrace(cfg.Daemon.ShutdownGrace))

	gdbMgr := gdbstub.NewManager(f, cfg.Gdb.ListenHost, logger)
	fuseMgr := fusefs.NewManager(f, logger,
		fusefs.WithAllowOther(cfg.Fuse.AllowOther),
		fusefs.WithRefreshInterval(cfg.Fuse.RefreshInterval))

	server := dispatch.NewServer(registry, logger,
		dispatch.WithGdbSpawner(gdbMgr),
		dispatch.WithFuseMounter(fuseMgr),
		dispatch.WithMaxFrameSize(cfg.Daemon.MaxFrameSize),
		dispatch.WithDetachableSessions(cfg.Daemon.DetachableSessions))

	return &Daemon{
		cfg:      cfg,
		logger:   logger.With("component", "daemon"),
		registry: registry,
		server:   server,
	}, nil
}

// Registry exposes the session registry, for tests.
func (d *Daemon) Registry() *session.Registry { return d.registry }

// Addr returns the bound command channel address, once Run has bound
// it.
func (d *Daemon) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Run binds the command channel, writes the discovery state files, and
// serves until ctx is canceled. On the way out every session is torn
// down and the state files are removed.
func (d *Daemon) Run(ctx context.Context) error {
	network := d.cfg.Daemon.ListenNetwork
	address := d.cfg.Daemon.ListenAddress
	if network == "unix" {
		// A previous unclean exit can leave the socket file behind.
		if err := removeStaleSocket(address); err != nil {
			return err
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("binding command channel on %s %s: %w", network, address, err)
	}
	d.ln = ln

	if err := writePidFile(d.cfg.Daemon.PidFile); err != nil {
		ln.Close()
		return err
	}
	if err := writeInfoFile(d.cfg.Daemon.InfoFile, newInfo(network, ln.Addr().String())); err != nil {
		removePidFile(d.cfg.Daemon.PidFile)
		ln.Close()
		return err
	}

	d.logger.Info("daemon started",
		"network", network,
		"address", ln.Addr().String(),
		"pid", os.Getpid(),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.server.Serve(groupCtx, ln)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		d.shutdown()
		return nil
	})
	return group.Wait()
}

// shutdown runs the ordered teardown: stop accepting, close every
// session (which stops mounts and stub listeners), drop state files.
func (d *Daemon) shutdown() {
	d.logger.Info("daemon shutting down")
	d.server.Close()
	d.registry.CloseAll(context.Background())
	removePidFile(d.cfg.Daemon.PidFile)
	removeInfoFile(d.cfg.Daemon.InfoFile)
	d.logger.Info("daemon stopped")
}

// removeStaleSocket deletes a leftover unix socket if nothing is
// listening on it.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}
