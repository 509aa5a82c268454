package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, &Config{
		ListenAddr:    "127.0.0.1:3000",
		Command:       "toolserver",
		GraceInterval: time.Second,
		StopTimeout:   5 * time.Second,
		CallTimeout:   5 * time.Second,
		LogLevel:      "info",
		LogFormat:     "console",
	}, cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MCPBRIDGE_LISTEN_ADDR", "0.0.0.0:8080")
	t.Setenv("MCPBRIDGE_COMMAND", "/usr/local/bin/child")
	t.Setenv("MCPBRIDGE_ARGS", "--stdio; --verbose")
	t.Setenv("MCPBRIDGE_GRACE_INTERVAL", "250ms")
	t.Setenv("MCPBRIDGE_CALL_TIMEOUT", "30s")
	t.Setenv("MCPBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("MCPBRIDGE_LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr)
	assert.Equal(t, "/usr/local/bin/child", cfg.Command)
	assert.Equal(t, []string{"--stdio", "--verbose"}, cfg.Args)
	assert.Equal(t, 250*time.Millisecond, cfg.GraceInterval)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name   string
		env    map[string]string
		expErr string
	}{
		{name: "unparseable duration", env: map[string]string{"MCPBRIDGE_STOP_TIMEOUT": "soon"}, expErr: "decoding environment"},
		{name: "zero duration", env: map[string]string{"MCPBRIDGE_CALL_TIMEOUT": "0s"}, expErr: "call timeout must be positive"},
		{name: "bad level", env: map[string]string{"MCPBRIDGE_LOG_LEVEL": "loud"}, expErr: "parsing log level"},
		{name: "bad format", env: map[string]string{"MCPBRIDGE_LOG_FORMAT": "xml"}, expErr: "unknown log format"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for k, v := range c.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.ErrorContains(t, err, c.expErr)
		})
	}
}
