package retrydlq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/etl"
)

const hoursPerDay = 24

type (
	// Config holds retry-service policy. MaxRetries bounds retry_count
	// before a run is routed to the dead-letter queue.
	Config struct {
		MaxRetries int           `yaml:"max_retries"`
		Backoff    BackoffConfig `yaml:"backoff"`
	}

	// FailureResult tells the caller what to do with a failed run.
	// Callers must not infer success from the absence of an error alone:
	// ShouldRetry false with a DeadLetterID means the run is terminal.
	FailureResult struct {
		// ShouldRetry is true when the run was re-armed for a retry.
		ShouldRetry bool

		// NextRetryAt is set when ShouldRetry is true.
		NextRetryAt *time.Time

		// DeadLetterID is set when the run was quarantined.
		DeadLetterID string

		// MaxRetriesExceeded mirrors the dead-letter entry flag.
		MaxRetriesExceeded bool
	}

	// Service implements the failure-handling ladder and dead-letter queue
	// operations over the run and DLQ stores.
	Service struct {
		runs   etl.RunStore
		dlq    etl.DeadLetterStore
		cfg    Config
		logger *slog.Logger
		now    func() time.Time
		rnd    func() float64
		newID  func() string
	}

	// ServiceOption configures optional Service behavior.
	ServiceOption func(*Service)
)

// DefaultConfig returns the documented retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: defaultMaxRetries,
		Backoff:    DefaultBackoffConfig(),
	}
}

// LoadConfig loads retry configuration from environment variables with
// fallback to defaults.
func LoadConfig() Config {
	return Config{
		MaxRetries: config.GetEnvInt("ETL_MAX_RETRIES", defaultMaxRetries),
		Backoff:    LoadBackoffConfig(),
	}
}

// WithLogger sets the structured logger used by the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock sets the time source, used by tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithRand sets the jitter sample source, used by tests.
func WithRand(rnd func() float64) ServiceOption {
	return func(s *Service) {
		s.rnd = rnd
	}
}

// NewService creates a retry/DLQ service over the given stores.
func NewService(runs etl.RunStore, dlq etl.DeadLetterStore, cfg Config, opts ...ServiceOption) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	cfg.Backoff = cfg.Backoff.withDefaults()

	s := &Service{
		runs: runs,
		dlq:  dlq,
		cfg:  cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now:   time.Now,
		rnd:   rand.Float64,
		newID: func() string { return uuid.NewString() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// HandleFailure runs the failure ladder for a run:
//
//  1. retry_count at or above MaxRetries → dead-letter with
//     maxRetriesExceeded=true, do not retry.
//  2. non-transient failure → dead-letter with maxRetriesExceeded=false,
//     do not retry (non-transient errors skip the retry ladder entirely).
//  3. otherwise → compute the backoff delay from the current retry_count,
//     re-arm next_retry_at, increment retry_count, persist the error.
func (s *Service) HandleFailure(ctx context.Context, runID, message string, details map[string]any, transient bool) (*FailureResult, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", runID, err)
	}

	if run.RetryCount >= s.cfg.MaxRetries {
		return s.deadLetter(ctx, run, message, details, true)
	}

	if !transient {
		return s.deadLetter(ctx, run, message, details, false)
	}

	delay := s.cfg.Backoff.Delay(run.RetryCount, s.rnd())
	nextRetryAt := s.now().UTC().Add(delay)

	if err := s.runs.ScheduleRetry(ctx, runID, nextRetryAt, message, details); err != nil {
		return nil, fmt.Errorf("schedule retry for run %s: %w", runID, err)
	}

	s.logger.Info("run scheduled for retry",
		slog.String("run_id", runID),
		slog.Int("retry_count", run.RetryCount+1),
		slog.Duration("delay", delay),
		slog.Time("next_retry_at", nextRetryAt))

	return &FailureResult{
		ShouldRetry: true,
		NextRetryAt: &nextRetryAt,
	}, nil
}

// deadLetter quarantines the run in the dead-letter queue.
func (s *Service) deadLetter(ctx context.Context, run *etl.Run, message string, details map[string]any, maxRetriesExceeded bool) (*FailureResult, error) {
	entry := &etl.DeadLetterEntry{
		ID:                 s.newID(),
		RunID:              run.ID,
		FileID:             run.FileID,
		OrganizationID:     run.OrganizationID,
		ErrorMessage:       message,
		ErrorDetails:       details,
		MaxRetriesExceeded: maxRetriesExceeded,
	}

	if err := s.dlq.Add(ctx, entry); err != nil {
		return nil, fmt.Errorf("dead-letter run %s: %w", run.ID, err)
	}

	s.logger.Warn("run routed to dead-letter queue",
		slog.String("run_id", run.ID),
		slog.String("file_id", run.FileID),
		slog.String("dead_letter_id", entry.ID),
		slog.Bool("max_retries_exceeded", maxRetriesExceeded),
		slog.Int("retry_count", run.RetryCount))

	return &FailureResult{
		ShouldRetry:        false,
		DeadLetterID:       entry.ID,
		MaxRetriesExceeded: maxRetriesExceeded,
	}, nil
}

// RetryReadyRuns returns all runs in state failed whose next_retry_at has
// passed, ordered by next_retry_at ascending. This is the poll contract a
// scheduler uses to pick up retries.
func (s *Service) RetryReadyRuns(ctx context.Context) ([]*etl.Run, error) {
	runs, err := s.runs.RetryReady(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("query retry-ready runs: %w", err)
	}

	return runs, nil
}

// DeadLetterEntries returns dead-letter entries for the organization,
// newest first, paginated.
func (s *Service) DeadLetterEntries(ctx context.Context, organizationID string, limit, offset int) ([]*etl.DeadLetterEntry, error) {
	entries, err := s.dlq.List(ctx, organizationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead-letter entries: %w", err)
	}

	return entries, nil
}

// MarkForRetry flags a dead-letter entry for manual promotion back to the
// retry schedule, without touching the referenced run.
func (s *Service) MarkForRetry(ctx context.Context, deadLetterID string, retryAfter time.Time) error {
	if err := s.dlq.MarkForRetry(ctx, deadLetterID, retryAfter); err != nil {
		return fmt.Errorf("mark dead-letter entry %s for retry: %w", deadLetterID, err)
	}

	return nil
}

// ProcessMarkedEntries promotes every marked entry whose retry_after has
// passed: the run's retry_count is reset to 0, next_retry_at is re-armed to
// now, and the dead-letter entry is deleted. Returns the number of entries
// promoted.
func (s *Service) ProcessMarkedEntries(ctx context.Context) (int, error) {
	now := s.now().UTC()

	entries, err := s.dlq.ListMarked(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list marked dead-letter entries: %w", err)
	}

	promoted := 0

	for _, entry := range entries {
		if err := s.runs.ResetRetryState(ctx, entry.RunID, now); err != nil {
			s.logger.Error("failed to reset run retry state",
				slog.String("dead_letter_id", entry.ID),
				slog.String("run_id", entry.RunID),
				slog.String("error", err.Error()))

			continue
		}

		if err := s.dlq.Delete(ctx, entry.ID); err != nil {
			s.logger.Error("failed to delete promoted dead-letter entry",
				slog.String("dead_letter_id", entry.ID),
				slog.String("error", err.Error()))

			continue
		}

		promoted++

		s.logger.Info("dead-letter entry promoted to retry schedule",
			slog.String("dead_letter_id", entry.ID),
			slog.String("run_id", entry.RunID))
	}

	return promoted, nil
}

// CleanupOldEntries deletes dead-letter entries older than olderThanDays
// that are not marked for retry. Returns the number of entries deleted.
func (s *Service) CleanupOldEntries(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := s.now().UTC().Add(-time.Duration(olderThanDays) * hoursPerDay * time.Hour)

	deleted, err := s.dlq.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup dead-letter entries: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("cleaned up old dead-letter entries",
			slog.Int64("deleted", deleted),
			slog.Int("older_than_days", olderThanDays))
	}

	return deleted, nil
}
