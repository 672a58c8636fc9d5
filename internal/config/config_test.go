package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chtemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "growth.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 10, cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, int64(2048), cfg.Anthropic.MaxTokens)
	assert.Equal(t, "https://api.brevo.com", cfg.Brevo.BaseURL)
	assert.Equal(t, 50, cfg.Discovery.Limit)
	assert.InDelta(t, 2, cfg.Discovery.ScrapeRate, 0.001)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 100, cfg.Pipeline.BatchSize)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.RetryBackoffMax)
	assert.Equal(t, 5, cfg.Pipeline.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.BreakerCooldown)
	assert.Equal(t, "1m", cfg.Campaign.TickInterval)
}

func TestLoadFromYAML(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://growth@localhost/growth
log:
  level: debug
  format: console
server:
  port: 9090
pipeline:
  workers: 8
events:
  webhook_url: https://hooks.example.com/growth
  types: [store_claimed, pipeline_failed]
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://growth@localhost/growth", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, "https://hooks.example.com/growth", cfg.Events.WebhookURL)
	assert.Equal(t, []string{"store_claimed", "pipeline_failed"}, cfg.Events.Types)
	// Defaults still apply for unset values
	assert.Equal(t, 100, cfg.Pipeline.BatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chtemp(t)

	dir, _ := os.Getwd()
	yaml := "server:\n  port: 9090\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("GROWTH_SERVER_PORT", "7070")
	t.Setenv("GROWTH_STORE_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	require.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
	zap.ReplaceGlobals(zap.NewNop())
}
