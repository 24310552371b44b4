package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/factline-io/factline/internal/config"
)

// Set at build time via -ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "none"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin))
}

func run(args []string, stdin io.Reader) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	if len(args) < 1 {
		printUsage()

		return 2
	}

	command := args[0]
	if command == "help" || command == "-h" || command == "--help" {
		printUsage()

		return 0
	}

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("configuration invalid", slog.String("error", err.Error()))

		return 1
	}

	logger.Info("factline migrator",
		slog.String("version", buildVersion),
		slog.String("commit", buildCommit),
		slog.String("database", cfg.Redacted()),
		slog.String("table", cfg.MigrationTable))

	runner, err := NewRunner(cfg, logger)
	if err != nil {
		logger.Error("migrator startup failed", slog.String("error", err.Error()))

		return 1
	}

	defer func() {
		if err := runner.Close(); err != nil {
			logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}()

	if err := dispatch(runner, command, stdin, logger); err != nil {
		logger.Error("command failed",
			slog.String("command", command),
			slog.String("error", err.Error()))

		return 1
	}

	return 0
}

func dispatch(runner *Runner, command string, stdin io.Reader, logger *slog.Logger) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		version, dirty, err := runner.Version()
		if err != nil {
			return err
		}

		logger.Info("schema version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty))

		return nil
	case "drop":
		if !confirmDrop(stdin) {
			logger.Info("drop cancelled")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command %q, see 'help'", command)
	}
}

// confirmDrop requires the operator to type the command back before the
// database is wiped.
func confirmDrop(stdin io.Reader) bool {
	fmt.Fprint(os.Stderr, "This deletes every object in the database. Type 'drop' to continue: ")

	var answer string

	_, _ = fmt.Fscanln(stdin, &answer)

	return strings.EqualFold(answer, "drop")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `factline-migrate manages the factline PostgreSQL schema.

Usage:
  factline-migrate <command>

Commands:
  up       apply all pending migrations
  down     roll back the most recent migration
  status   show current and target schema versions and pending migrations
  version  print the current schema version
  drop     delete every database object (asks for confirmation)
  help     print this message

Environment:
  DATABASE_URL     postgres connection string (required)
  MIGRATION_TABLE  bookkeeping table name (default %s)
  LOG_LEVEL        debug, info, warn, or error (default info)
`, defaultMigrationTable)
}
