package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeSim, cfg.Mode)
	assert.Equal(t, 300*time.Second, cfg.Tokens.TTL)
	assert.Equal(t, 60*time.Second, cfg.Positions.StaleSubmitTimeout)
	assert.Equal(t, 0.10, cfg.Reconcile.QtyTolerancePct)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	yaml := `
mode: sim
tokens:
  ttl: 120s
  max_outstanding: 2
reconcile:
  max_runs_per_minute: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.Tokens.TTL)
	assert.Equal(t, 2, cfg.Tokens.MaxOutstanding)
	assert.Equal(t, 3, cfg.Reconcile.MaxRunsPerMinute)
	// Untouched fields keep defaults.
	assert.Equal(t, 60*time.Second, cfg.Positions.StaleSubmitTimeout)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "paper" }},
		{"zero ttl", func(c *Config) { c.Tokens.TTL = 0 }},
		{"zero outstanding", func(c *Config) { c.Tokens.MaxOutstanding = 0 }},
		{"zero stale timeout", func(c *Config) { c.Positions.StaleSubmitTimeout = 0 }},
		{"fill tolerance looser than qty", func(c *Config) { c.Reconcile.FillRatioTolerance = 0.5 }},
		{"empty delay table", func(c *Config) { c.Broker.Delays = nil }},
		{"live without audit sink", func(c *Config) { c.Mode = ModeLive }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
