package engine

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/locking"
	"github.com/factline-io/factline/internal/retrydlq"
)

type (
	// SweepReport aggregates one maintenance pass.
	SweepReport struct {
		ExpiredLocksReleased int64
		StaleSessionsCleared int64
		DeadLettersPromoted  int
		DeadLettersDeleted   int64
	}

	// Sweeper runs the background maintenance pass: expired lock release,
	// stale session cleanup, dead-letter promotion, and dead-letter
	// retention. Operations within a pass are paced by a rate limiter so a
	// sweep never competes with foreground traffic for the database.
	Sweeper struct {
		locks   *locking.Service
		retries *retrydlq.Service
		cfg     SweepConfig
		limiter *rate.Limiter
		logger  *slog.Logger
	}

	// SweeperOption configures optional Sweeper behavior.
	SweeperOption func(*Sweeper)
)

// WithSweeperLogger sets the structured logger used by the sweeper.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// NewSweeper creates a maintenance sweeper with the given policy.
func NewSweeper(locks *locking.Service, retries *retrydlq.Service, cfg SweepConfig, opts ...SweeperOption) *Sweeper {
	cfg = cfg.withDefaults()

	s := &Sweeper{
		locks:   locks,
		retries: retries,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), 1),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sweep runs one maintenance pass. Individual operations log and continue on
// failure; only a cancelled context aborts the pass.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	for _, kind := range []locking.RecordKind{locking.KindFile, locking.KindRun} {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}

		released, err := s.locks.ReleaseExpiredLocks(ctx, kind)
		if err != nil {
			s.logger.Error("expired lock sweep failed",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
		}

		report.ExpiredLocksReleased += released

		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}

		cleared, err := s.locks.ClearStaleProcessingSessions(ctx, kind)
		if err != nil {
			s.logger.Error("stale session sweep failed",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
		}

		report.StaleSessionsCleared += cleared
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return report, err
	}

	promoted, err := s.retries.ProcessMarkedEntries(ctx)
	if err != nil {
		s.logger.Error("dead-letter promotion sweep failed",
			slog.String("error", err.Error()))
	}

	report.DeadLettersPromoted = promoted

	if err := s.limiter.Wait(ctx); err != nil {
		return report, err
	}

	deleted, err := s.retries.CleanupOldEntries(ctx, s.cfg.DLQRetentionDays)
	if err != nil {
		s.logger.Error("dead-letter retention sweep failed",
			slog.String("error", err.Error()))
	}

	report.DeadLettersDeleted = deleted

	return report, nil
}

// Run executes sweep passes on the configured interval until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("maintenance sweeper started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Float64("ops_per_second", s.cfg.OpsPerSecond))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance sweeper stopped")

			return ctx.Err()
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				return err
			}

			s.logger.Debug("maintenance sweep completed",
				slog.Int64("expired_locks_released", report.ExpiredLocksReleased),
				slog.Int64("stale_sessions_cleared", report.StaleSessionsCleared),
				slog.Int("dead_letters_promoted", report.DeadLettersPromoted),
				slog.Int64("dead_letters_deleted", report.DeadLettersDeleted))
		}
	}
}
