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

	assert.True(t, cfg.DryRun)
	assert.True(t, cfg.DryRunEnabled())
	assert.Equal(t, 0.7, cfg.MinConfidence)
	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 20, cfg.RateLimitMax)
	assert.Equal(t, []string{"/home/", "/mnt/storage/"}, cfg.SafePathPrefixes)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KYRAX_DRY_RUN", "false")
	t.Setenv("KYRAX_RATE_MAX", "5")
	t.Setenv("KYRAX_RATE_WINDOW", "10s")
	t.Setenv("KYRAX_SAFE_PATH_PREFIXES", "/tmp/,/data/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.DryRun)
	assert.False(t, cfg.DryRunEnabled())
	assert.Equal(t, 5, cfg.RateLimitMax)
	assert.Equal(t, 10*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, []string{"/tmp/", "/data/"}, cfg.SafePathPrefixes)
}

func TestForceDryRunWins(t *testing.T) {
	t.Setenv("KYRAX_DRY_RUN", "false")
	t.Setenv("KYRAX_FORCE_DRY_RUN", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DryRunEnabled())
}

func TestRejectsBadConfidence(t *testing.T) {
	t.Setenv("KYRAX_MIN_CONFIDENCE", "1.5")
	_, err := Load()
	assert.Error(t, err)
}
