// Package main provides the Factline ETL engine service.
//
// The service wires the Postgres-backed stores to the locking, retry and
// duplicate-detection services, then runs the maintenance sweeper until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/factline-io/factline/internal/audit"
	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/dedup"
	"github.com/factline-io/factline/internal/engine"
	"github.com/factline-io/factline/internal/locking"
	"github.com/factline-io/factline/internal/retrydlq"
	"github.com/factline-io/factline/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "factline"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	policyPath := flag.String("policy", engine.DefaultPolicyFile, "path to the YAML policy file")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Factline engine",
		slog.String("service", name),
		slog.String("version", version),
	)

	policy, err := engine.LoadPolicy(*policyPath)
	if err != nil {
		logger.Error("Failed to load policy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loaded engine policy",
		slog.Int("max_retries", policy.Retry.MaxRetries),
		slog.Duration("lock_ttl", policy.Locking.LockTTL),
		slog.Duration("processing_timeout", policy.Locking.ProcessingTimeout),
		slog.Duration("sweep_interval", policy.Sweep.Interval),
		slog.Int("dlq_retention_days", policy.Sweep.DLQRetentionDays),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database",
			slog.String("error", err.Error()),
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	recordStore, err := storage.NewRecordStore(dbConn)
	if err != nil {
		logger.Error("Failed to create record store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fileStore, err := storage.NewFileStore(dbConn)
	if err != nil {
		logger.Error("Failed to create file store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runStore, err := storage.NewRunStore(dbConn)
	if err != nil {
		logger.Error("Failed to create run store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dlqStore, err := storage.NewDeadLetterStore(dbConn)
	if err != nil {
		logger.Error("Failed to create dead letter store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	auditStore, err := storage.NewAuditStore(dbConn)
	if err != nil {
		logger.Error("Failed to create audit store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Storage initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	auditOpts := []audit.LoggerOption{audit.WithLogger(logger)}

	if config.GetEnvBool("ETL_AUDIT_KAFKA_ENABLED", false) {
		emitterConfig := audit.LoadEmitterConfig()
		emitter := audit.NewKafkaEmitter(emitterConfig, audit.WithEmitterLogger(logger))

		defer func() {
			_ = emitter.Close()
		}()

		auditOpts = append(auditOpts, audit.WithEmitter(emitter))

		logger.Info("Kafka audit emitter enabled",
			slog.Any("brokers", emitterConfig.Brokers),
			slog.String("topic", emitterConfig.Topic),
		)
	}

	auditor := audit.NewLogger(auditStore, auditOpts...)

	locks := locking.NewService(recordStore, policy.Locking, locking.WithLogger(logger))
	retries := retrydlq.NewService(runStore, dlqStore, policy.Retry, retrydlq.WithLogger(logger))
	dupes := dedup.NewService(fileStore, auditStore, dedup.WithLogger(logger))

	machine := engine.NewStateMachine(locks, retries, dupes, auditor, engine.WithLogger(logger))
	sweeper := engine.NewSweeper(locks, retries, policy.Sweep, engine.WithSweeperLogger(logger))

	go promoteRetries(ctx, machine, policy.Sweep.Interval, logger)

	if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Sweeper stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Factline engine stopped")
}

// promoteRetries polls for retry-ready runs on the sweep interval and
// re-enters them into parsing.
func promoteRetries(ctx context.Context, machine *engine.StateMachine, interval time.Duration, logger *slog.Logger) {
	actor := "scheduler:" + uuid.NewString()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			promoted, err := machine.PromoteRetryReadyRuns(ctx, actor)
			if err != nil {
				logger.Error("Retry promotion failed", slog.String("error", err.Error()))

				continue
			}

			if promoted > 0 {
				logger.Info("Promoted retry-ready runs", slog.Int("promoted", promoted))
			}
		}
	}
}
