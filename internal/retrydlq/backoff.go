// Package retrydlq provides backoff computation, failure classification, and
// the dead-letter queue for processing runs that exhausted their retry budget
// or failed non-transiently.
package retrydlq

import (
	"math"
	"time"

	"github.com/factline-io/factline/internal/config"
)

const (
	defaultInitialDelay = 1000 * time.Millisecond
	defaultMultiplier   = 2.0
	defaultMaxDelay     = 300000 * time.Millisecond
	defaultJitterPct    = 0.25
	defaultMaxRetries   = 3
)

// BackoffConfig controls the retry delay schedule. Defaults: 1s initial
// delay doubling per attempt, capped at 5m, with ±25% jitter.
type BackoffConfig struct {
	// InitialDelay is the delay for attempt 0. Default 1s.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// Multiplier grows the delay per attempt. Default 2.
	Multiplier float64 `yaml:"multiplier"`

	// MaxDelay caps the delay. Default 5m.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Jitter spreads delays by ±JitterPct to avoid thundering herds.
	// Default on.
	Jitter bool `yaml:"jitter"`

	// JitterPct is the jitter spread as a fraction of the delay. Default 0.25.
	JitterPct float64 `yaml:"jitter_pct"`
}

// DefaultBackoffConfig returns the documented backoff defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: defaultInitialDelay,
		Multiplier:   defaultMultiplier,
		MaxDelay:     defaultMaxDelay,
		Jitter:       true,
		JitterPct:    defaultJitterPct,
	}
}

// LoadBackoffConfig loads backoff configuration from environment variables
// with fallback to defaults.
func LoadBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: config.GetEnvDuration("ETL_BACKOFF_INITIAL_DELAY", defaultInitialDelay),
		Multiplier:   config.GetEnvFloat("ETL_BACKOFF_MULTIPLIER", defaultMultiplier),
		MaxDelay:     config.GetEnvDuration("ETL_BACKOFF_MAX_DELAY", defaultMaxDelay),
		Jitter:       config.GetEnvBool("ETL_BACKOFF_JITTER", true),
		JitterPct:    config.GetEnvFloat("ETL_BACKOFF_JITTER_PCT", defaultJitterPct),
	}
}

// withDefaults fills zero values with the documented defaults. Jitter is left
// as-is: a false value is a deliberate choice, not a zero value to repair.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()

	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}

	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}

	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}

	if c.Jitter && c.JitterPct <= 0 {
		c.JitterPct = d.JitterPct
	}

	return c
}

// Delay computes the backoff delay for a 0-based attempt number:
//
//	delay = min(InitialDelay * Multiplier^attempt, MaxDelay)
//
// With jitter enabled the delay is spread by ±JitterPct using rnd (a uniform
// sample in [0,1)), floored at 0 and re-clamped to [0, MaxDelay]. With jitter
// disabled rnd is ignored and the function is deterministic.
func (c BackoffConfig) Delay(attempt int, rnd float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.Jitter {
		delay += delay * c.JitterPct * (rnd - 0.5) * 2
	}

	if delay < 0 {
		delay = 0
	}

	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	return time.Duration(delay)
}
