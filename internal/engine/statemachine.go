package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/factline-io/factline/internal/audit"
	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/dedup"
	"github.com/factline-io/factline/internal/etl"
	"github.com/factline-io/factline/internal/locking"
	"github.com/factline-io/factline/internal/retrydlq"
)

// ErrDuplicateFile indicates an upload was blocked by the duplicate gate.
var ErrDuplicateFile = errors.New("duplicate file content")

type (
	// TransitionRequest describes one state transition through the machine.
	TransitionRequest struct {
		Kind locking.RecordKind
		ID   string

		From etl.FileState
		To   etl.FileState

		// SessionID identifies the processing session, enabling the
		// stale-session guard on contended records.
		SessionID string

		Actor   string
		Message string

		// Metadata is attached to the state history entry (optional).
		Metadata map[string]any

		// Patch carries extra column changes (record counts, error details)
		// applied atomically with the transition. The milestone timestamp for
		// the target state is added automatically.
		Patch locking.Patch
	}

	// TransitionResult reports a completed transition.
	TransitionResult struct {
		PreviousState        etl.FileState
		CurrentState         etl.FileState
		StaleSessionTakeover bool
	}

	// StateMachine composes optimistic transitions, the failure ladder, the
	// duplicate gate, and audit recording into the pipeline's control plane.
	StateMachine struct {
		locks   *locking.Service
		retries *retrydlq.Service
		dupes   *dedup.Service
		auditor *audit.Logger
		logger  *slog.Logger
		now     func() time.Time
	}

	// Option configures optional StateMachine behavior.
	Option func(*StateMachine)
)

// WithLogger sets the structured logger used by the state machine.
func WithLogger(logger *slog.Logger) Option {
	return func(m *StateMachine) {
		m.logger = logger
	}
}

// WithClock sets the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) {
		m.now = now
	}
}

// NewStateMachine wires the pipeline control plane. The audit logger may be
// nil, which disables audit recording.
func NewStateMachine(locks *locking.Service, retries *retrydlq.Service, dupes *dedup.Service, auditor *audit.Logger, opts ...Option) *StateMachine {
	m := &StateMachine{
		locks:   locks,
		retries: retries,
		dupes:   dupes,
		auditor: auditor,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// TransitionState performs a validated, version-checked state transition and
// stamps the milestone timestamp for the target state (parsed_at on parsed,
// loaded_at on loaded, and so on) in the same write.
func (m *StateMachine) TransitionState(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	patch := make(locking.Patch, len(req.Patch)+1)
	for k, v := range req.Patch {
		patch[k] = v
	}

	if field, ok := milestoneField(req.To); ok {
		patch[field] = m.now().UTC()
	}

	outcome, err := m.locks.SafeStateTransition(ctx, locking.TransitionRequest{
		Kind:      req.Kind,
		ID:        req.ID,
		FromState: req.From,
		ToState:   req.To,
		SessionID: req.SessionID,
		Actor:     req.Actor,
		Message:   req.Message,
		Metadata:  req.Metadata,
		Patch:     patch,
	})
	if err != nil {
		return nil, err
	}

	result := &TransitionResult{
		PreviousState:        outcome.PreviousState,
		CurrentState:         outcome.CurrentState,
		StaleSessionTakeover: outcome.StaleSessionTakeover,
	}

	m.recordAudit(ctx, req, result)

	return result, nil
}

// HandleRunFailure moves the run to failed and applies the failure ladder:
// retry budget check, transience classification, then either a re-armed
// retry or a dead-letter entry. The cause is classified with ClassifyError
// unless details carry an explicit wrap.
func (m *StateMachine) HandleRunFailure(ctx context.Context, runID string, from etl.FileState, sessionID string, cause error, details map[string]any) (*retrydlq.FailureResult, error) {
	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}

	_, err := m.TransitionState(ctx, TransitionRequest{
		Kind:      locking.KindRun,
		ID:        runID,
		From:      from,
		To:        etl.StateFailed,
		SessionID: sessionID,
		Actor:     sessionID,
		Message:   message,
		Patch:     locking.Patch{locking.FieldErrorMessage: message},
	})
	if err != nil {
		return nil, fmt.Errorf("transition run %s to failed: %w", runID, err)
	}

	result, err := m.retries.HandleFailure(ctx, runID, message, details, retrydlq.ClassifyError(cause))
	if err != nil {
		return nil, err
	}

	return result, nil
}

// PromoteRetryReadyRuns re-enters every retry-ready failed run into parsing.
// Runs that lose the transition race (another worker picked them up first)
// are skipped. Returns the number of runs promoted.
func (m *StateMachine) PromoteRetryReadyRuns(ctx context.Context, actor string) (int, error) {
	runs, err := m.retries.RetryReadyRuns(ctx)
	if err != nil {
		return 0, err
	}

	promoted := 0

	for _, run := range runs {
		_, err := m.TransitionState(ctx, TransitionRequest{
			Kind:      locking.KindRun,
			ID:        run.ID,
			From:      etl.StateFailed,
			To:        etl.StateParsing,
			SessionID: actor,
			Actor:     actor,
			Message:   fmt.Sprintf("retry attempt %d", run.RetryCount),
		})
		if err != nil {
			m.logger.Warn("retry promotion skipped",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()))

			continue
		}

		promoted++
	}

	return promoted, nil
}

// GateUpload checks a new upload's checksum against prior files and blocks
// when a recent successfully processed duplicate exists. A blocked upload
// surfaces ErrDuplicateFile with the policy reason.
func (m *StateMachine) GateUpload(ctx context.Context, organizationID, checksum, excludeFileID string) (*dedup.DuplicateCheck, error) {
	check, err := m.dupes.CheckForDuplicate(ctx, checksum, organizationID, excludeFileID)
	if err != nil {
		return nil, err
	}

	if check.IsDuplicate && !check.AllowReprocessing {
		return check, fmt.Errorf("%w: %s", ErrDuplicateFile, check.Reason)
	}

	return check, nil
}

// ForceReprocessing overrides the duplicate gate for a checksum, recording
// who forced it and why.
func (m *StateMachine) ForceReprocessing(ctx context.Context, organizationID, checksum string, opts dedup.ReprocessingOptions) (*dedup.DuplicateCheck, error) {
	return m.dupes.ForceReprocessing(ctx, checksum, organizationID, opts)
}

// WithFileLock runs operation while holding the pessimistic lock on the file.
func (m *StateMachine) WithFileLock(ctx context.Context, fileID, owner string, ttl time.Duration, operation func(ctx context.Context) error) error {
	return m.locks.WithLock(ctx, locking.KindFile, fileID, owner, ttl, operation)
}

// recordAudit writes the transition to the audit trail. Best-effort.
func (m *StateMachine) recordAudit(ctx context.Context, req TransitionRequest, result *TransitionResult) {
	if m.auditor == nil {
		return
	}

	entry := &etl.AuditEntry{
		Level:   "info",
		Action:  "state_transition",
		Message: fmt.Sprintf("%s %s: %s to %s", req.Kind, req.ID, result.PreviousState, result.CurrentState),
		Details: map[string]any{
			"kind":       string(req.Kind),
			"from_state": string(result.PreviousState),
			"to_state":   string(result.CurrentState),
		},
	}

	if result.StaleSessionTakeover {
		entry.Level = "warn"
		entry.Details["stale_session_takeover"] = true
	}

	switch req.Kind {
	case locking.KindFile:
		entry.FileID = req.ID
	case locking.KindRun:
		entry.RunID = req.ID
	}

	m.auditor.Record(ctx, entry)
}

// milestoneField maps a target state to the timestamp column stamped on
// arrival. States without a milestone return false.
func milestoneField(to etl.FileState) (string, bool) {
	switch to {
	case etl.StateParsed:
		return locking.FieldParsedAt, true
	case etl.StateValidated:
		return locking.FieldValidatedAt, true
	case etl.StateApproved:
		return locking.FieldApprovedAt, true
	case etl.StateLoaded:
		return locking.FieldLoadedAt, true
	case etl.StateFailed:
		return locking.FieldFailedAt, true
	default:
		return "", false
	}
}
