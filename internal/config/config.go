// Package config loads and validates the memflow daemon configuration.
//
// Configuration is read from a YAML file with ${ENV_VAR} interpolation
// and falls back to built-in defaults when no file is present.
package config

import "time"

// Config is the root configuration for the memflow daemon.
type Config struct {
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Gdb     GdbConfig     `mapstructure:"gdb"`
	Fuse    FuseConfig    `mapstructure:"fuse"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DaemonConfig controls the command channel and session policy.
type DaemonConfig struct {
	// ListenNetwork is the command channel transport, "tcp" or "unix".
	ListenNetwork string `mapstructure:"listen_network" validate:"required,oneof=tcp unix"`

	// ListenAddress is the command channel address, e.g.
	// "localhost:8000" or "/var/run/memflowd.sock".
	ListenAddress string `mapstructure:"listen_address" validate:"required"`

	// DetachableSessions makes new sessions survive their creating
	// connection by default. Individual sessions can still be detached
	// with the detach-session command.
	DetachableSessions bool `mapstructure:"detachable_sessions"`

	// ShutdownGrace bounds how long session teardown waits for
	// in-flight adapter operations to drain.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" validate:"min=0"`

	// MaxFrameSize caps a single command channel frame, in bytes.
	MaxFrameSize int `mapstructure:"max_frame_size" validate:"min=4096"`

	// PidFile and InfoFile are the daemon's client-discovery state
	// files. Empty values disable them (useful in tests).
	PidFile  string `mapstructure:"pid_file"`
	InfoFile string `mapstructure:"info_file"`
}

// GdbConfig controls spawned GDB stub listeners.
type GdbConfig struct {
	// ListenHost is the interface spawned stubs bind to.
	ListenHost string `mapstructure:"listen_host" validate:"required"`
}

// FuseConfig controls spawned FUSE mounts.
type FuseConfig struct {
	// AllowOther passes allow_other to the kernel so users besides the
	// daemon's can access mounts.
	AllowOther bool `mapstructure:"allow_other"`

	// RefreshInterval is how long cached process/module trees are
	// served before being rebuilt from the backend.
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"min=0"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}
