package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mortifiers/memflow-cli/internal/config"
	"github.com/mortifiers/memflow-cli/internal/daemon"
)

// Version is set at build time.
var Version = "dev"

var (
	configFile    string
	listenNetwork string
	listenAddress string
	logLevel      string
	logFormat     string
	pidFile       string
	infoFile      string
	detachable    bool
)

var rootCmd = &cobra.Command{
	Use:   "memflowd",
	Short: "memflowd - memory introspection daemon",
	Long: `memflowd serves memory introspection sessions over a command
channel: clients connect a backend, open target processes, read and
write their memory, and spawn GDB stubs or FUSE mounts over them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

// Execute runs the daemon command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "memflowd.yml", "configuration file")
	flags.StringVar(&listenNetwork, "listen-network", "", "command channel transport (tcp or unix)")
	flags.StringVarP(&listenAddress, "listen", "l", "", "command channel address")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (text or json)")
	flags.StringVar(&pidFile, "pid-file", "", "pid file path")
	flags.StringVar(&infoFile, "info-file", "", "daemon info file path")
	flags.BoolVar(&detachable, "detachable-sessions", false, "sessions survive their creating connection by default")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "memflowd %s\n", Version)
	},
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(config.NewValidator())
	cfg, err := loader.LoadWithDefaults(configFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)

	logger := daemon.NewLogger(cfg.Logging)
	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}
	return d.Run(cmd.Context())
}

// applyFlagOverrides lets command line flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen-network") {
		cfg.Daemon.ListenNetwork = listenNetwork
	}
	if cmd.Flags().Changed("listen") {
		cfg.Daemon.ListenAddress = listenAddress
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if cmd.Flags().Changed("pid-file") {
		cfg.Daemon.PidFile = pidFile
	}
	if cmd.Flags().Changed("info-file") {
		cfg.Daemon.InfoFile = infoFile
	}
	if cmd.Flags().Changed("detachable-sessions") {
		cfg.Daemon.DetachableSessions = detachable
	}
}
