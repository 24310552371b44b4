// Package engine orchestrates the pipeline: state transitions with milestone
// tracking, failure handling, duplicate gating, and background maintenance.
package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/locking"
	"github.com/factline-io/factline/internal/retrydlq"
)

// DefaultPolicyFile is the policy overlay looked up in the working directory.
const DefaultPolicyFile = ".factline.yaml"

type (
	// SweepConfig controls the background maintenance sweep.
	SweepConfig struct {
		// Interval between sweep passes.
		Interval time.Duration `yaml:"interval"`

		// OpsPerSecond paces the individual maintenance operations within a
		// pass so sweeps stay off the critical path.
		OpsPerSecond float64 `yaml:"ops_per_second"`

		// DLQRetentionDays bounds how long unmarked dead-letter entries are
		// kept before cleanup.
		DLQRetentionDays int `yaml:"dlq_retention_days"`
	}

	// Policy is the combined runtime policy: environment defaults overlaid
	// with an optional YAML file.
	Policy struct {
		Locking locking.Config  `yaml:"locking"`
		Retry   retrydlq.Config `yaml:"retry"`
		Sweep   SweepConfig     `yaml:"sweep"`
	}
)

// DefaultSweepConfig returns the documented sweep defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:         time.Minute,
		OpsPerSecond:     2,
		DLQRetentionDays: 90,
	}
}

// LoadSweepConfig loads sweep configuration from environment variables with
// fallback to defaults.
func LoadSweepConfig() SweepConfig {
	defaults := DefaultSweepConfig()

	return SweepConfig{
		Interval:         config.GetEnvDuration("ETL_SWEEP_INTERVAL", defaults.Interval),
		OpsPerSecond:     config.GetEnvFloat("ETL_SWEEP_OPS_PER_SECOND", defaults.OpsPerSecond),
		DLQRetentionDays: config.GetEnvInt("ETL_DLQ_RETENTION_DAYS", defaults.DLQRetentionDays),
	}
}

func (c SweepConfig) withDefaults() SweepConfig {
	defaults := DefaultSweepConfig()

	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}

	if c.OpsPerSecond <= 0 {
		c.OpsPerSecond = defaults.OpsPerSecond
	}

	if c.DLQRetentionDays <= 0 {
		c.DLQRetentionDays = defaults.DLQRetentionDays
	}

	return c
}

// LoadPolicy builds the runtime policy: environment variables over defaults,
// then the YAML file at path over both. A missing file is not an error; a
// malformed file is.
func LoadPolicy(path string) (Policy, error) {
	policy := Policy{
		Locking: locking.LoadConfig(),
		Retry:   retrydlq.LoadConfig(),
		Sweep:   LoadSweepConfig(),
	}

	if path == "" {
		path = DefaultPolicyFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return policy, nil
		}

		return Policy{}, fmt.Errorf("read policy file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	policy.Sweep = policy.Sweep.withDefaults()

	return policy, nil
}
