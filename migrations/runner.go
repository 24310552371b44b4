package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // postgres driver
)

const connectTimeout = 10 * time.Second

var errSchemaDirty = errors.New("schema is dirty, resolve the failed migration before proceeding")

// Runner drives golang-migrate over the validated embedded schema set.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	schema  *SchemaSet
	logger  *slog.Logger
}

// NewRunner validates the embedded schema, connects to the database, and
// wires the migration engine against the configured bookkeeping table.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	schema, err := LoadSchemaSet(nil)
	if err != nil {
		return nil, fmt.Errorf("embedded schema rejected: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("postgres migration driver: %w", err)
	}

	source, err := iofs.New(schema.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migration engine: %w", err)
	}

	m.Log = &migrateLog{logger: logger}

	return &Runner{migrate: m, db: db, schema: schema, logger: logger}, nil
}

// Up applies every pending migration. A database already at the target
// version is not an error.
func (r *Runner) Up() error {
	if err := r.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, _, err := r.Version()
	if err != nil {
		return err
	}

	r.logger.Info("schema up to date",
		slog.Uint64("version", uint64(version)),
		slog.Uint64("target", uint64(r.schema.MaxVersion())))

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	if err := r.migrate.Steps(-1); err != nil {
		return fmt.Errorf("roll back one migration: %w", err)
	}

	return nil
}

// Version reports the current schema version and the dirty flag. A database
// with no migrations applied reports version 0, clean.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}

	return version, dirty, nil
}

// Status logs the current version against the embedded target and names the
// pending migrations. A dirty schema is reported as an error.
func (r *Runner) Status() error {
	version, dirty, err := r.Version()
	if err != nil {
		return err
	}

	pending := r.schema.PendingAfter(version)

	r.logger.Info("schema status",
		slog.Uint64("current", uint64(version)),
		slog.Uint64("target", uint64(r.schema.MaxVersion())),
		slog.Bool("dirty", dirty),
		slog.Int("pending", len(pending)))

	for _, name := range pending {
		r.logger.Info("pending migration", slog.String("name", name))
	}

	if dirty {
		return errSchemaDirty
	}

	return nil
}

// Drop deletes everything in the database, including the bookkeeping table.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop database objects: %w", err)
	}

	return nil
}

// Close releases the migration source and the database connection.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.migrate.Close()

	return errors.Join(sourceErr, dbErr, r.db.Close())
}

// migrateLog adapts slog to the migrate.Logger interface.
type migrateLog struct {
	logger *slog.Logger
}

func (l *migrateLog) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLog) Verbose() bool {
	return false
}
