package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/etl"
)

// Sentinel errors for locking operations.
var (
	// ErrVersionConflict indicates a conditional write matched zero rows:
	// another writer won the version increment. Retriable, bounded by the
	// local retry policy.
	ErrVersionConflict = errors.New("version conflict")

	// ErrMaxRetriesExceeded indicates the conflict-retry budget was exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrAlreadyLocked indicates another owner holds the pessimistic lock.
	// Fatal for the call; the caller may retry later.
	ErrAlreadyLocked = errors.New("record already locked")

	// ErrLockNotHeld indicates a release was attempted by a caller that does
	// not own the lock.
	ErrLockNotHeld = errors.New("lock not held by caller")

	// ErrStaleProcessingSession indicates a different session holds an
	// active (not yet stale) processing claim on the record. Fatal for the
	// call; the caller may retry once the holder goes stale or finishes.
	ErrStaleProcessingSession = errors.New("record held by an active processing session")

	// ErrNilMutation indicates UpdateWithLock was called without a mutation.
	ErrNilMutation = errors.New("mutation cannot be nil")

	// ErrLockOwnerEmpty indicates a lock operation without an owner identity.
	ErrLockOwnerEmpty = errors.New("lock owner cannot be empty")
)

// Patch field keys understood by VersionedStore implementations. Storage
// backends whitelist these per kind and reject unknown keys.
const (
	FieldProcessingBy        = "processing_by"
	FieldProcessingStartedAt = "processing_started_at"
	FieldErrorMessage        = "error_message"
	FieldParsedAt            = "parsed_at"
	FieldValidatedAt         = "validated_at"
	FieldApprovedAt          = "approved_at"
	FieldLoadedAt            = "loaded_at"
	FieldFailedAt            = "failed_at"
	FieldStartedAt           = "started_at"
	FieldFinishedAt          = "finished_at"
	FieldRecordsTotal        = "records_total"
	FieldRecordsProcessed    = "records_processed"
	FieldRecordsFailed       = "records_failed"
)

type (
	// Mutation inspects the freshly fetched record and returns the patch to
	// apply. It is re-invoked on every conflict retry against the re-fetched
	// record, so it must be side-effect free.
	Mutation func(rec *VersionedRecord) (Patch, error)

	// UpdateOptions overrides the service retry policy for a single call.
	// Zero fields fall back to the service configuration.
	UpdateOptions struct {
		MaxRetries        int
		RetryDelay        time.Duration
		BackoffMultiplier float64
	}

	// TransitionRequest describes a safe state transition.
	TransitionRequest struct {
		Kind RecordKind
		ID   string

		// FromState must equal the record's current state at write time.
		FromState etl.FileState
		ToState   etl.FileState

		// SessionID identifies the processing session attempting the
		// transition. When set, the transition claims the processing session
		// and the staleness check guards against concurrent holders.
		SessionID string

		// Actor and Message are recorded in the state history entry.
		Actor   string
		Message string

		// Metadata is attached to the state history entry (optional).
		Metadata map[string]any

		// Patch carries additional column changes applied atomically with
		// the transition (milestone timestamps, record counts).
		Patch Patch

		// Options overrides the conflict-retry policy for this call.
		Options *UpdateOptions
	}

	// TransitionOutcome reports a successful safe transition.
	TransitionOutcome struct {
		PreviousState etl.FileState
		CurrentState  etl.FileState

		// StaleSessionTakeover is true when the transition proceeded over a
		// stale processing session held by a different session id.
		StaleSessionTakeover bool
	}

	// Service implements version-checked updates, pessimistic locking, and
	// stale-session handling over a VersionedStore.
	Service struct {
		store  VersionedStore
		cfg    Config
		logger *slog.Logger
		now    func() time.Time
	}

	// ServiceOption configures optional Service behavior.
	ServiceOption func(*Service)
)

// WithLogger sets the structured logger used by the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock sets the time source, used by tests to control staleness and
// expiry decisions.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a locking service over the given store. Zero config
// fields fall back to the documented defaults.
func NewService(store VersionedStore, cfg Config, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		cfg:   cfg.withDefaults(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// UpdateWithLock fetches the record, applies mutate plus a version increment,
// and writes conditioned on the observed version. A conditional write that
// affects zero rows is a version conflict: the call re-fetches and reapplies
// up to MaxRetries times with delay RetryDelay * BackoffMultiplier^attempt.
// Exhausting retries surfaces ErrMaxRetriesExceeded wrapping the last
// conflict. Any other store error is fatal immediately (no retry).
func (s *Service) UpdateWithLock(ctx context.Context, kind RecordKind, id string, mutate Mutation, opts *UpdateOptions) error {
	if mutate == nil {
		return ErrNilMutation
	}

	o := s.resolveOptions(opts)

	for attempt := 0; ; attempt++ {
		rec, err := s.store.Get(ctx, kind, id)
		if err != nil {
			return fmt.Errorf("fetch %s %s: %w", kind, id, err)
		}

		patch, err := mutate(rec)
		if err != nil {
			return fmt.Errorf("mutation failed for %s %s: %w", kind, id, err)
		}

		if patch == nil {
			patch = Patch{}
		}

		ok, err := s.store.ConditionalUpdate(ctx, kind, id, rec.Version, patch)
		if err != nil {
			return fmt.Errorf("conditional update of %s %s: %w", kind, id, err)
		}

		if ok {
			return nil
		}

		if attempt >= o.MaxRetries {
			return fmt.Errorf("%w: %s %s still at conflict after %d attempts: %w",
				ErrMaxRetriesExceeded, kind, id, attempt+1, ErrVersionConflict)
		}

		s.logger.Debug("version conflict, retrying",
			slog.String("kind", string(kind)),
			slog.String("id", id),
			slog.Int64("observed_version", rec.Version),
			slog.Int("attempt", attempt))

		if err := s.sleep(ctx, conflictDelay(o, attempt)); err != nil {
			return err
		}
	}
}

// SafeStateTransition combines the staleness check, transition-table
// validation (the record's current state must equal FromState), a
// version-conditioned update, and the state-history append, retried under
// the same backoff policy as UpdateWithLock.
func (s *Service) SafeStateTransition(ctx context.Context, req TransitionRequest) (*TransitionOutcome, error) {
	if err := etl.ValidateTransition(req.FromState, req.ToState); err != nil {
		return nil, err
	}

	o := s.resolveOptions(req.Options)
	outcome := &TransitionOutcome{}

	for attempt := 0; ; attempt++ {
		rec, err := s.store.Get(ctx, req.Kind, req.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch %s %s: %w", req.Kind, req.ID, err)
		}

		staleSession, err := s.checkProcessingSession(rec, req.SessionID)
		if err != nil {
			return nil, err
		}

		if staleSession != "" {
			outcome.StaleSessionTakeover = true
		}

		if rec.State != req.FromState {
			return nil, fmt.Errorf("%w: %s %s is in state %s, expected %s",
				etl.ErrInvalidTransition, req.Kind, req.ID, rec.State, req.FromState)
		}

		now := s.now().UTC()
		entry := etl.StateHistoryEntry{
			State:     req.ToState,
			Timestamp: now,
			Actor:     req.Actor,
			Message:   req.Message,
			Metadata:  req.Metadata,
		}

		// A takeover over a stale session is recorded on the history entry so
		// the audit trail shows which session was displaced.
		if staleSession != "" {
			md := make(map[string]any, len(req.Metadata)+2)
			for k, v := range req.Metadata {
				md[k] = v
			}

			md["stale_session_takeover"] = true
			md["stale_session"] = staleSession
			entry.Metadata = md
		}

		patch := make(Patch, len(req.Patch)+2)
		for k, v := range req.Patch {
			patch[k] = v
		}

		if req.SessionID != "" {
			patch[FieldProcessingBy] = req.SessionID
			patch[FieldProcessingStartedAt] = now
		}

		ok, err := s.store.ConditionalTransition(ctx, req.Kind, req.ID, rec.Version, req.ToState, patch, entry)
		if err != nil {
			return nil, fmt.Errorf("transition %s %s to %s: %w", req.Kind, req.ID, req.ToState, err)
		}

		if ok {
			outcome.PreviousState = rec.State
			outcome.CurrentState = req.ToState

			return outcome, nil
		}

		if attempt >= o.MaxRetries {
			return nil, fmt.Errorf("%w: transition of %s %s after %d attempts: %w",
				ErrMaxRetriesExceeded, req.Kind, req.ID, attempt+1, ErrVersionConflict)
		}

		if err := s.sleep(ctx, conflictDelay(o, attempt)); err != nil {
			return nil, err
		}
	}
}

// checkProcessingSession refuses the transition when a different session id
// still holds an active processing claim. Once the holder's session is older
// than ProcessingTimeout it permits proceeding (with a warning) and returns
// the displaced session id.
func (s *Service) checkProcessingSession(rec *VersionedRecord, sessionID string) (string, error) {
	if sessionID == "" || rec.ProcessingBy == "" || rec.ProcessingBy == sessionID {
		return "", nil
	}

	if rec.ProcessingStartedAt == nil || s.now().Sub(*rec.ProcessingStartedAt) <= s.cfg.ProcessingTimeout {
		return "", fmt.Errorf("%w: %s %s held by session %s",
			ErrStaleProcessingSession, rec.Kind, rec.ID, rec.ProcessingBy)
	}

	s.logger.Warn("proceeding over stale processing session",
		slog.String("kind", string(rec.Kind)),
		slog.String("id", rec.ID),
		slog.String("stale_session", rec.ProcessingBy),
		slog.Time("started_at", *rec.ProcessingStartedAt),
		slog.String("new_session", sessionID))

	return rec.ProcessingBy, nil
}

// LockRecord acquires the pessimistic lock for owner with the given TTL
// (ttl <= 0 uses the configured LockTTL). Returns ErrAlreadyLocked when a
// different owner holds the lock.
func (s *Service) LockRecord(ctx context.Context, kind RecordKind, id, owner string, ttl time.Duration) error {
	if owner == "" {
		return ErrLockOwnerEmpty
	}

	if ttl <= 0 {
		ttl = s.cfg.LockTTL
	}

	now := s.now().UTC()

	ok, err := s.store.AcquireLock(ctx, kind, id, owner, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("acquire lock on %s %s: %w", kind, id, err)
	}

	if !ok {
		return fmt.Errorf("%w: %s %s", ErrAlreadyLocked, kind, id)
	}

	return nil
}

// ReleaseLock clears the lock conditioned on owning it. Returns
// ErrLockNotHeld when the caller does not own the lock (already released,
// expired and swept, or taken by someone else).
func (s *Service) ReleaseLock(ctx context.Context, kind RecordKind, id, owner string) error {
	if owner == "" {
		return ErrLockOwnerEmpty
	}

	ok, err := s.store.ReleaseLock(ctx, kind, id, owner)
	if err != nil {
		return fmt.Errorf("release lock on %s %s: %w", kind, id, err)
	}

	if !ok {
		return fmt.Errorf("%w: %s %s", ErrLockNotHeld, kind, id)
	}

	return nil
}

// WithLock acquires the lock, runs operation, and releases the lock in a
// guaranteed-cleanup block regardless of the operation outcome. A release
// failure is logged, never returned over the operation's own result.
func (s *Service) WithLock(ctx context.Context, kind RecordKind, id, owner string, ttl time.Duration, operation func(ctx context.Context) error) error {
	if err := s.LockRecord(ctx, kind, id, owner, ttl); err != nil {
		return err
	}

	defer func() {
		if err := s.ReleaseLock(ctx, kind, id, owner); err != nil {
			s.logger.Warn("failed to release lock",
				slog.String("kind", string(kind)),
				slog.String("id", id),
				slog.String("owner", owner),
				slog.String("error", err.Error()))
		}
	}()

	return operation(ctx)
}

// ReleaseExpiredLocks sweeps all records of the kind whose lock has expired
// and clears the lock fields. Returns the number of locks released.
func (s *Service) ReleaseExpiredLocks(ctx context.Context, kind RecordKind) (int64, error) {
	released, err := s.store.ReleaseExpiredLocks(ctx, kind, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("release expired %s locks: %w", kind, err)
	}

	if released > 0 {
		s.logger.Info("released expired locks",
			slog.String("kind", string(kind)),
			slog.Int64("count", released))
	}

	return released, nil
}

// ClearStaleProcessingSessions bulk-clears processing sessions older than
// ProcessingTimeout, independent of pessimistic locks. Returns the number of
// sessions cleared.
func (s *Service) ClearStaleProcessingSessions(ctx context.Context, kind RecordKind) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.ProcessingTimeout)

	cleared, err := s.store.ClearStaleSessions(ctx, kind, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear stale %s sessions: %w", kind, err)
	}

	if cleared > 0 {
		s.logger.Info("cleared stale processing sessions",
			slog.String("kind", string(kind)),
			slog.Int64("count", cleared))
	}

	return cleared, nil
}

// resolveOptions merges per-call options over the service configuration.
func (s *Service) resolveOptions(opts *UpdateOptions) UpdateOptions {
	o := UpdateOptions{
		MaxRetries:        s.cfg.MaxRetries,
		RetryDelay:        s.cfg.RetryDelay,
		BackoffMultiplier: s.cfg.BackoffMultiplier,
	}

	if opts == nil {
		return o
	}

	if opts.MaxRetries > 0 {
		o.MaxRetries = opts.MaxRetries
	}

	if opts.RetryDelay > 0 {
		o.RetryDelay = opts.RetryDelay
	}

	if opts.BackoffMultiplier > 0 {
		o.BackoffMultiplier = opts.BackoffMultiplier
	}

	return o
}

// conflictDelay computes the delay before conflict retry number attempt
// (0-based): RetryDelay * BackoffMultiplier^attempt.
func conflictDelay(o UpdateOptions, attempt int) time.Duration {
	return time.Duration(float64(o.RetryDelay) * math.Pow(o.BackoffMultiplier, float64(attempt)))
}

// sleep waits for d or until the context is done, whichever comes first.
func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
