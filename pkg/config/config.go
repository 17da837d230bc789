// Package config holds the environment-driven runtime configuration for the
// engine: safety toggles, thresholds and store locations.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is constructed once at process start and passed by reference into
// the guard, dispatcher and store constructors. There is no package-level
// mutable state.
type Config struct {
	// DryRun keeps high-risk actions from executing for real. On by default;
	// real destructive actions require explicit opt-out.
	DryRun bool `env:"KYRAX_DRY_RUN" envDefault:"true"`

	// ForceDryRun is a test-only override that pins dry-run on regardless of
	// DryRun.
	ForceDryRun bool `env:"KYRAX_FORCE_DRY_RUN" envDefault:"false"`

	// MinConfidence is the dispatcher's confidence gate threshold.
	MinConfidence float64 `env:"KYRAX_MIN_CONFIDENCE" envDefault:"0.7"`

	RateLimitWindow time.Duration `env:"KYRAX_RATE_WINDOW" envDefault:"60s"`
	RateLimitMax    int           `env:"KYRAX_RATE_MAX" envDefault:"20"`

	// RedisURL selects the shared rate-limiter backend when set and
	// reachable; otherwise the in-process window is used.
	RedisURL string `env:"KYRAX_REDIS_URL" envDefault:""`

	PolicyPath     string `env:"KYRAX_POLICY_PATH" envDefault:"config/policy.yaml"`
	AuditLogPath   string `env:"KYRAX_AUDIT_LOG" envDefault:"kyrax_audit.log"`
	WorkflowDBPath string `env:"KYRAX_WORKFLOW_DB" envDefault:"kyrax_workflows.db"`

	// SafePathPrefixes lists file-path prefixes that never need
	// confirmation; anything outside them does.
	SafePathPrefixes []string `env:"KYRAX_SAFE_PATH_PREFIXES" envSeparator:"," envDefault:"/home/,/mnt/storage/"`

	LogLevel string `env:"KYRAX_LOG_LEVEL" envDefault:"INFO"`
}

// Load parses configuration from environment variables, applying safe
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("config: KYRAX_MIN_CONFIDENCE %v outside [0,1]", cfg.MinConfidence)
	}
	return cfg, nil
}

// DryRunEnabled reports whether the system must not perform destructive or
// real system actions. ForceDryRun wins over everything.
func (c *Config) DryRunEnabled() bool {
	if c.ForceDryRun {
		return true
	}
	return c.DryRun
}
