package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicy_MissingFileUsesDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	policy, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, policy.Locking.MaxRetries)
	assert.Equal(t, 2*time.Minute, policy.Locking.LockTTL)
	assert.Equal(t, 5*time.Minute, policy.Locking.ProcessingTimeout)
	assert.Equal(t, 3, policy.Retry.MaxRetries)
	assert.Equal(t, time.Second, policy.Retry.Backoff.InitialDelay)
	assert.Equal(t, 5*time.Minute, policy.Retry.Backoff.MaxDelay)
	assert.True(t, policy.Retry.Backoff.Jitter)
	assert.Equal(t, time.Minute, policy.Sweep.Interval)
	assert.Equal(t, 90, policy.Sweep.DLQRetentionDays)
}

func TestLoadPolicy_YAMLOverlay(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")

	content := `
locking:
  max_retries: 7
  lock_ttl: 10m
retry:
  max_retries: 5
  backoff:
    initial_delay: 2s
    multiplier: 3
sweep:
  interval: 30s
  dlq_retention_days: 14
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 7, policy.Locking.MaxRetries)
	assert.Equal(t, 10*time.Minute, policy.Locking.LockTTL)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 5*time.Minute, policy.Locking.ProcessingTimeout)

	assert.Equal(t, 5, policy.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, policy.Retry.Backoff.InitialDelay)
	assert.Equal(t, 3.0, policy.Retry.Backoff.Multiplier)

	assert.Equal(t, 30*time.Second, policy.Sweep.Interval)
	assert.Equal(t, 14, policy.Sweep.DLQRetentionDays)
	assert.Equal(t, 2.0, policy.Sweep.OpsPerSecond)
}

func TestLoadPolicy_MalformedFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("locking: [not a map"), 0o600))

	_, err := LoadPolicy(path)
	assert.Error(t, err)
}

func TestDefaultSweepConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := DefaultSweepConfig()

	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, 2.0, cfg.OpsPerSecond)
	assert.Equal(t, 90, cfg.DLQRetentionDays)
}

func TestSweepConfig_WithDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	filled := SweepConfig{Interval: 5 * time.Second}.withDefaults()

	assert.Equal(t, 5*time.Second, filled.Interval)
	assert.Equal(t, 2.0, filled.OpsPerSecond)
	assert.Equal(t, 90, filled.DLQRetentionDays)
}
