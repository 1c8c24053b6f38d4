package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.DryRun())
	assert.Equal(t, 3*time.Second, cfg.Queue.InterItemDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Actions.StatusInterval)
	assert.Equal(t, 2*time.Second, cfg.Actions.ExecuteInterval)
	assert.Equal(t, time.Minute, cfg.Actions.WaitWindow)
	assert.Equal(t, 1500*time.Millisecond, cfg.Lifecycle.HoldRemovalDelay)
	assert.Equal(t, 2.0, cfg.Verification.PriceTolerancePercent)
	assert.Equal(t, 200, cfg.History.MaxEntries)
	assert.Equal(t, 50, cfg.History.AggregateMax)
	assert.Equal(t, 0, cfg.Capacity.MaxCards)
	assert.Equal(t, "@every 10s", cfg.Schedule.SyncCron)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `
backend:
  base_url: http://cards.local
  card_kind: swing
queue:
  inter_item_delay: 5s
actions:
  wait_window: 90s
capacity:
  max_cards: 12
history:
  max_entries: 100
`)
	t.Setenv("BACKEND_API_KEY", "secret")
	t.Setenv("MAX_CARDS", "20")
	t.Setenv("PRICE_TOLERANCE_PERCENT", "1.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.DryRun())
	assert.Equal(t, "swing", cfg.Backend.CardKind)
	assert.Equal(t, "secret", cfg.Backend.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Queue.InterItemDelay)
	assert.Equal(t, 90*time.Second, cfg.Actions.WaitWindow)
	assert.Equal(t, 20, cfg.Capacity.MaxCards)
	assert.Equal(t, 1.5, cfg.Verification.PriceTolerancePercent)
	assert.Equal(t, 100, cfg.History.MaxEntries)
}

func TestLoad_BadInput(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load(writeConfig(t, "backend: [oops"))
	assert.Error(t, err)

	t.Setenv("MAX_CARDS", "many")
	_, err = Load(writeConfig(t, ""))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"telegram token without chat", func(c *Config) { c.Telegram.BotToken = "t" }},
		{"non-positive tolerance", func(c *Config) { c.Verification.PriceTolerancePercent = -1 }},
		{"history cap too small", func(c *Config) { c.History.MaxEntries = 10 }},
		{"history cap too large", func(c *Config) { c.History.MaxEntries = 500 }},
		{"negative capacity", func(c *Config) { c.Capacity.MaxCards = -1 }},
		{"zero poll interval", func(c *Config) { c.Actions.StatusInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
