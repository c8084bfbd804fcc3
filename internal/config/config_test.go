package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rust4c/c2rust-agent-sub001/internal/retry"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 1, cfg.ConcurrentLimit)
	assert.Equal(t, time.Second, cfg.RetryBackoff.Duration)
	assert.Equal(t, retry.BackoffConstant, cfg.BackoffStrategy)
	assert.Zero(t, cfg.AttemptTimeout.Duration)
	assert.Equal(t, []string{".c", ".h"}, cfg.Discovery.Extensions)
	assert.Equal(t, "rust-project", cfg.Pipeline.OutputDir)
	assert.Equal(t, DefaultTransform, cfg.Pipeline.Transform)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestParse_TopLevelKeys(t *testing.T) {
	cfg, err := Parse("config.toml", []byte(`
max_retry_attempts = 5
concurrent_limit = 4
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, 4, cfg.ConcurrentLimit)
	assert.Equal(t, time.Second, cfg.RetryBackoff.Duration)
}

func TestParse_FullFile(t *testing.T) {
	cfg, err := Parse("config.toml", []byte(`
max_retry_attempts = 2
concurrent_limit = 0
retry_backoff = "250ms"
backoff_strategy = "exponential"
max_backoff = "5s"
attempt_timeout = "10m"

[discovery]
extensions = [".c"]
categories = []

[pipeline]
transform = ["sh", "transform.sh", "{unit}"]
verify = ["make", "-C", "{output}"]
repair = ["sh", "repair.sh", "{log}"]
repair_rounds = 2
output_dir = "out"

[log]
level = "DEBUG"
format = "json"

[history]
disabled = true

[metrics]
addr = " :9101 "
`))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.ConcurrentLimit, "0 normalizes to 1")
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff.Duration)
	assert.Equal(t, retry.BackoffExponential, cfg.BackoffStrategy)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff.Duration)
	assert.Equal(t, 10*time.Minute, cfg.AttemptTimeout.Duration)
	assert.Equal(t, []string{".c"}, cfg.Discovery.Extensions)
	assert.Empty(t, cfg.Discovery.Categories)
	assert.Equal(t, 2, cfg.Pipeline.RepairRounds)
	assert.Equal(t, "out", cfg.Pipeline.OutputDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.History.Disabled)
	assert.Equal(t, ":9101", cfg.Metrics.Addr)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 2, policy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, policy.Delay(1))
}

func TestParse_ZeroBackoffIsKept(t *testing.T) {
	cfg, err := Parse("config.toml", []byte(`retry_backoff = "0s"`))
	require.NoError(t, err)
	assert.Zero(t, cfg.RetryBackoff.Duration)
}

func TestParse_RepairRoundsNeedRepairCommand(t *testing.T) {
	cfg, err := Parse("config.toml", []byte("[pipeline]\nrepair_rounds = 3\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Pipeline.RepairRounds)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse("config.toml", []byte(`concurrency = 3`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")
}

func TestParse_RejectsBadDuration(t *testing.T) {
	_, err := Parse("config.toml", []byte(`retry_backoff = "soon"`))
	require.Error(t, err)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_SearchPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.toml"), []byte("concurrent_limit = 7\n"), 0o644))
	chdir(t, dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ConcurrentLimit)
	assert.Equal(t, filepath.Join("config", "config.toml"), cfg.Source)
}

func TestLoad_NoFileFallsBackToDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFirstHelpers(t *testing.T) {
	assert.Equal(t, 4, FirstPositive(0, -1, 4, 9))
	assert.Equal(t, 0, FirstPositive(0, -2))
	assert.Equal(t, "b", FirstNonEmpty("", "  ", " b ", "c"))
}

func TestLoad_ShippedConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ConcurrentLimit)
	assert.Equal(t, 0, cfg.Pipeline.RepairRounds)
	assert.Equal(t, DefaultVerify, cfg.Pipeline.Verify)
}

func TestParse_NonPositiveAttemptsMeansOneAttempt(t *testing.T) {
	for _, raw := range []string{"max_retry_attempts = 0\n", "max_retry_attempts = -4\n"} {
		cfg, err := Parse("inline.toml", []byte(raw))
		require.NoError(t, err)
		assert.Equal(t, 1, cfg.MaxRetryAttempts, raw)
		assert.Equal(t, 1, cfg.RetryPolicy().Attempts(), raw)
	}

	cfg, err := Parse("inline.toml", []byte("concurrent_limit = 2\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxRetryAttempts)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
