package main

import (
	"errors"
	"net/url"

	"github.com/factline-io/factline/internal/config"
)

// defaultMigrationTable keeps factline's migration bookkeeping under its own
// name so the migrator can share a database with other tooling.
const defaultMigrationTable = "factline_schema_migrations"

var errDatabaseURLRequired = errors.New("DATABASE_URL is required")

// Config carries the migrator settings, read from the environment.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig reads DATABASE_URL (required) and MIGRATION_TABLE (optional)
// from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errDatabaseURLRequired
	}

	return cfg, nil
}

// Redacted returns the database URL with any password masked, safe for logs.
func (c Config) Redacted() string {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "(unparseable database url)"
	}

	return u.Redacted()
}
