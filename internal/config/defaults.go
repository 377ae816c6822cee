package config

import "time"

// DefaultConfig returns the built-in configuration used when no config
// file exists.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ListenNetwork:      "tcp",
			ListenAddress:      "localhost:8000",
			DetachableSessions: false,
			ShutdownGrace:      10 * time.Second,
			MaxFrameSize:       16 << 20,
			PidFile:            "",
			InfoFile:           "",
		},
		Gdb: GdbConfig{
			ListenHost: "localhost",
		},
		Fuse: FuseConfig{
			AllowOther:      false,
			RefreshInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
