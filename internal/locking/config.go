package locking

import (
	"time"

	"github.com/factline-io/factline/internal/config"
)

const (
	defaultMaxRetries        = 3
	defaultRetryDelay        = 100 * time.Millisecond
	defaultBackoffMultiplier = 2.0
	defaultLockTTL           = 2 * time.Minute
	defaultProcessingTimeout = 5 * time.Minute
)

// Config holds locking-service policy with documented defaults. Explicit
// configuration passed to constructors, never a process-wide singleton.
type Config struct {
	// MaxRetries bounds the number of version-conflict retries per update.
	// Default 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base delay before the first conflict retry.
	// Default 100ms.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// BackoffMultiplier grows the conflict-retry delay per attempt
	// (delay = RetryDelay * BackoffMultiplier^attempt). Default 2.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// LockTTL is the default lifetime of a pessimistic lock. Default 2m.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// ProcessingTimeout is the age past which a processing session is
	// considered stale. Default 5m.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
}

// DefaultConfig returns the documented locking defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        defaultMaxRetries,
		RetryDelay:        defaultRetryDelay,
		BackoffMultiplier: defaultBackoffMultiplier,
		LockTTL:           defaultLockTTL,
		ProcessingTimeout: defaultProcessingTimeout,
	}
}

// LoadConfig loads locking configuration from environment variables with
// fallback to defaults.
func LoadConfig() Config {
	return Config{
		MaxRetries:        config.GetEnvInt("ETL_LOCK_MAX_RETRIES", defaultMaxRetries),
		RetryDelay:        config.GetEnvDuration("ETL_LOCK_RETRY_DELAY", defaultRetryDelay),
		BackoffMultiplier: config.GetEnvFloat("ETL_LOCK_BACKOFF_MULTIPLIER", defaultBackoffMultiplier),
		LockTTL:           config.GetEnvDuration("ETL_LOCK_TTL", defaultLockTTL),
		ProcessingTimeout: config.GetEnvDuration("ETL_PROCESSING_TIMEOUT", defaultProcessingTimeout),
	}
}

// withDefaults fills zero values with the documented defaults so a partially
// populated Config behaves predictably.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}

	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}

	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}

	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}

	return c
}
