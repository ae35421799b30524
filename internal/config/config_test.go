// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goodies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "sqlite3", cfg.Server.Driver)
	assert.Equal(t, string(inbetweenies.StrategyLastWriteWins), cfg.Server.ResolutionStrategy)
	assert.Equal(t, inbetweenies.DefaultMaxChanges, cfg.Server.MaxBatch)
	assert.Equal(t, 5*time.Minute, cfg.Server.MaxClockSkew)
	assert.Equal(t, AuthModeNone, cfg.Server.Auth.Mode)
	assert.Equal(t, "http://localhost:8080", cfg.Client.ServerURL)
	assert.Equal(t, "local", cfg.Client.UserID)
	assert.Equal(t, 4, cfg.Client.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.BaseBackoff)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadReadsFileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen: ":9090"
  driver: postgres
  dsn: "host=db user=goodies"
  resolution_strategy: manual
  max_batch: 250
  max_clock_skew: 2m
  rate_limit: 5.5
  auth:
    mode: static
    tokens:
      sekrit: hub-kitchen
client:
  server_url: https://sync.example.net
  base_backoff: 250ms
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "postgres", cfg.Server.Driver)
	assert.Equal(t, "manual", cfg.Server.ResolutionStrategy)
	assert.Equal(t, 250, cfg.Server.MaxBatch)
	assert.Equal(t, 2*time.Minute, cfg.Server.MaxClockSkew)
	assert.Equal(t, 5.5, cfg.Server.RateLimit)
	assert.Equal(t, AuthModeStatic, cfg.Server.Auth.Mode)
	assert.Equal(t, map[string]string{"sekrit": "hub-kitchen"}, cfg.Server.Auth.Tokens)
	assert.Equal(t, "https://sync.example.net", cfg.Client.ServerURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.BaseBackoff)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("GOODIES_SERVER_LISTEN", ":7070")
	t.Setenv("GOODIES_CLIENT_TOKEN", "from-env")
	t.Setenv("GOODIES_SERVER_AUTH_JWT_SECRET", "hush")

	cfg, err := Load(writeConfig(t, `
server:
  listen: ":9090"
  auth:
    mode: jwt
`))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "from-env", cfg.Client.Token)
	assert.Equal(t, "hush", cfg.Server.Auth.JWTSecret)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown strategy":      "server:\n  resolution_strategy: newest_wins\n",
		"unknown auth mode":     "server:\n  auth:\n    mode: mtls\n",
		"jwt without secret":    "server:\n  auth:\n    mode: jwt\n",
		"static without tokens": "server:\n  auth:\n    mode: static\n",
		"negative batch":        "server:\n  max_batch: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
