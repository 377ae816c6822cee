package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles loading configuration from files.
type Loader interface {
	Load(path string) (*Config, error)
	LoadWithDefaults(path string) (*Config, error)
}

// viperLoader implements Loader using Viper.
type viperLoader struct {
	validator Validator
}

// NewLoader creates a new Loader instance.
func NewLoader(validator Validator) Loader {
	return &viperLoader{validator: validator}
}

// Load loads configuration from the specified file path. Returns an
// error if the file doesn't exist or cannot be parsed.
func (l *viperLoader) Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Start from defaults so partial config files work.
	defaults := DefaultConfig()
	v.SetDefault("daemon.listen_network", defaults.Daemon.ListenNetwork)
	v.SetDefault("daemon.listen_address", defaults.Daemon.ListenAddress)
	v.SetDefault("daemon.detachable_sessions", defaults.Daemon.DetachableSessions)
	v.SetDefault("daemon.shutdown_grace", defaults.Daemon.ShutdownGrace)
	v.SetDefault("daemon.max_frame_size", defaults.Daemon.MaxFrameSize)
	v.SetDefault("gdb.listen_host", defaults.Gdb.ListenHost)
	v.SetDefault("fuse.allow_other", defaults.Fuse.AllowOther)
	v.SetDefault("fuse.refresh_interval", defaults.Fuse.RefreshInterval)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	interpolateConfig(&cfg)

	if err := l.validator.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration.
func (l *viperLoader) LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := l.validator.Validate(cfg); err != nil {
			return nil, fmt.Errorf("default configuration validation failed: %w", err)
		}
		return cfg, nil
	}
	return l.Load(path)
}

// interpolateConfig applies ${VAR_NAME} environment interpolation to
// the string fields that can plausibly carry paths or addresses.
func interpolateConfig(cfg *Config) {
	cfg.Daemon.ListenAddress = interpolateString(cfg.Daemon.ListenAddress)
	cfg.Daemon.PidFile = interpolateString(cfg.Daemon.PidFile)
	cfg.Daemon.InfoFile = interpolateString(cfg.Daemon.InfoFile)
	cfg.Gdb.ListenHost = interpolateString(cfg.Gdb.ListenHost)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolateString replaces ${VAR_NAME} with environment variable
// values, leaving unresolved references untouched.
func interpolateString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if envValue := os.Getenv(varName); envValue != "" {
			return envValue
		}
		return match
	})
}
