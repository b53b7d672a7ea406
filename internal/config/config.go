// Package config loads the immutable kernel configuration.
//
// All safety-critical thresholds are fixed at startup; there is no reload
// path. Changing a tolerance or timeout means restarting the kernel.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects simulated or live operation.
type Mode string

const (
	ModeSim  Mode = "sim"
	ModeLive Mode = "live"
)

// Config is the single configuration object handed to the kernel at startup.
type Config struct {
	Mode Mode `yaml:"mode"`

	Tokens    TokenConfig     `yaml:"tokens"`
	Positions PositionConfig  `yaml:"positions"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Broker    BrokerConfig    `yaml:"broker"`
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
}

// TokenConfig bounds the approval-token workflow.
type TokenConfig struct {
	TTL            time.Duration `yaml:"ttl"`             // token validity window
	MaxOutstanding int           `yaml:"max_outstanding"` // per intent, anti replay-farming
	CleanupHorizon time.Duration `yaml:"cleanup_horizon"` // purge used/expired tokens after
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// PositionConfig bounds the lifecycle state machine.
type PositionConfig struct {
	StaleSubmitTimeout time.Duration `yaml:"stale_submit_timeout"` // SUBMITTED -> STALLED
	StaleSweepInterval time.Duration `yaml:"stale_sweep_interval"`
	Retention          time.Duration `yaml:"retention"` // terminal positions kept before GC
}

// ReconcileConfig bounds the reconciler.
type ReconcileConfig struct {
	Interval           time.Duration `yaml:"interval"`
	MaxRunsPerMinute   int           `yaml:"max_runs_per_minute"`
	QtyTolerancePct    float64       `yaml:"qty_tolerance_pct"`    // WARNING below, CRITICAL above
	FillRatioTolerance float64       `yaml:"fill_ratio_tolerance"` // tighter than quantity
}

// BrokerConfig bounds the reconnect guard around the broker adapter.
type BrokerConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Delays      []time.Duration `yaml:"delays"` // per-attempt delay table
}

// HTTPConfig configures the read-only operator surface.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RedisConfig configures the optional Redis token store. Empty Addr keeps
// the in-memory store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures the optional Postgres audit sink. Empty DSN
// keeps the log sink only.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the safe baseline configuration.
func Default() Config {
	return Config{
		Mode: ModeSim,
		Tokens: TokenConfig{
			TTL:            300 * time.Second,
			MaxOutstanding: 3,
			CleanupHorizon: time.Hour,
			SweepInterval:  time.Minute,
		},
		Positions: PositionConfig{
			StaleSubmitTimeout: 60 * time.Second,
			StaleSweepInterval: 5 * time.Second,
			Retention:          24 * time.Hour,
		},
		Reconcile: ReconcileConfig{
			Interval:           30 * time.Second,
			MaxRunsPerMinute:   6,
			QtyTolerancePct:    0.10,
			FillRatioTolerance: 0.02,
		},
		Broker: BrokerConfig{
			MaxAttempts: 5,
			Delays: []time.Duration{
				time.Second, 2 * time.Second, 5 * time.Second,
				15 * time.Second, 30 * time.Second,
			},
		},
		HTTP: HTTPConfig{
			Host: "127.0.0.1", // local-only by default
			Port: 8090,
		},
	}
}

// Load reads and validates configuration from a YAML file. Fields absent
// from the file keep their Default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would weaken the safety guarantees.
func (c Config) Validate() error {
	if c.Mode != ModeSim && c.Mode != ModeLive {
		return fmt.Errorf("invalid mode %q: must be sim or live", c.Mode)
	}
	if c.Tokens.TTL <= 0 {
		return fmt.Errorf("token ttl must be positive, got %s", c.Tokens.TTL)
	}
	if c.Tokens.MaxOutstanding < 1 {
		return fmt.Errorf("token max_outstanding must be >= 1, got %d", c.Tokens.MaxOutstanding)
	}
	if c.Positions.StaleSubmitTimeout <= 0 {
		return fmt.Errorf("stale_submit_timeout must be positive, got %s", c.Positions.StaleSubmitTimeout)
	}
	if c.Reconcile.MaxRunsPerMinute < 1 {
		return fmt.Errorf("reconcile max_runs_per_minute must be >= 1, got %d", c.Reconcile.MaxRunsPerMinute)
	}
	if c.Reconcile.QtyTolerancePct <= 0 || c.Reconcile.QtyTolerancePct >= 1 {
		return fmt.Errorf("qty_tolerance_pct %.3f outside (0, 1)", c.Reconcile.QtyTolerancePct)
	}
	if c.Reconcile.FillRatioTolerance <= 0 || c.Reconcile.FillRatioTolerance > c.Reconcile.QtyTolerancePct {
		return fmt.Errorf("fill_ratio_tolerance %.3f must be positive and tighter than qty tolerance %.3f",
			c.Reconcile.FillRatioTolerance, c.Reconcile.QtyTolerancePct)
	}
	if c.Broker.MaxAttempts < 1 {
		return fmt.Errorf("broker max_attempts must be >= 1, got %d", c.Broker.MaxAttempts)
	}
	if len(c.Broker.Delays) == 0 {
		return fmt.Errorf("broker delay table must not be empty")
	}
	if c.Mode == ModeLive && c.Postgres.DSN == "" {
		return fmt.Errorf("live mode requires a postgres audit sink")
	}
	return nil
}
