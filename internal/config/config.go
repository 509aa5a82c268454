// Package config loads mcpbridge settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"go.uber.org/zap/zapcore"
)

// Config holds settings read from MCPBRIDGE_* variables. Command-line flags
// use these values as their defaults.
type Config struct {
	ListenAddr string `env:"MCPBRIDGE_LISTEN_ADDR,default=127.0.0.1:3000"`

	// Command is the child executable. A bare name is looked up on PATH,
	// then in the working directory and its parents.
	Command string `env:"MCPBRIDGE_COMMAND,default=toolserver"`
	// Args are separated by semicolons.
	Args    []string `env:"MCPBRIDGE_ARGS"`
	WorkDir string   `env:"MCPBRIDGE_WORKDIR"`

	GraceInterval time.Duration `env:"MCPBRIDGE_GRACE_INTERVAL,default=1s,strict"`
	StopTimeout   time.Duration `env:"MCPBRIDGE_STOP_TIMEOUT,default=5s,strict"`
	CallTimeout   time.Duration `env:"MCPBRIDGE_CALL_TIMEOUT,default=5s,strict"`

	StaticDir string `env:"MCPBRIDGE_STATIC_DIR"`

	LogLevel  string `env:"MCPBRIDGE_LOG_LEVEL,default=info"`
	LogFormat string `env:"MCPBRIDGE_LOG_FORMAT,default=console"`
}

// Load decodes the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Command == "" {
		return errors.New("command is required")
	}
	for name, d := range map[string]time.Duration{
		"grace interval": c.GraceInterval,
		"stop timeout":   c.StopTimeout,
		"call timeout":   c.CallTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}
