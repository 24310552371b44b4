package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/etl"
)

// reprocessWindow is the age past which a prior upload no longer blocks
// reprocessing, regardless of its state.
const reprocessWindow = 30 * 24 * time.Hour

// Sentinel errors for duplicate-detection operations.
var (
	// ErrActorRequired indicates forced reprocessing without an actor id.
	ErrActorRequired = errors.New("forced reprocessing requires an actor id")

	// ErrChecksumRequired indicates a duplicate check without a checksum.
	ErrChecksumRequired = errors.New("checksum cannot be empty")
)

type (
	// DuplicateCheck reports the outcome of a duplicate lookup and the
	// reprocessing-authorization decision evaluated against the most recent
	// match.
	DuplicateCheck struct {
		// IsDuplicate is true when at least one prior file in the
		// organization shares the checksum.
		IsDuplicate bool

		// AllowReprocessing is the policy decision: true when the prior
		// upload does not block a new processing attempt.
		AllowReprocessing bool

		// Reason explains the decision for caller messaging.
		Reason string

		// Match is the most recent prior file sharing the checksum, nil when
		// not a duplicate.
		Match *etl.File

		// MatchAge is the age of the most recent match at check time.
		MatchAge time.Duration
	}

	// ReprocessingOptions parameterizes a forced-reprocessing override.
	ReprocessingOptions struct {
		// ActorID identifies who authorized the override. Required.
		ActorID string

		// Reason is recorded in the audit trail (optional).
		Reason string
	}

	// Service implements duplicate detection and the reprocessing policy
	// over the file store, recording forced overrides in the audit sink.
	Service struct {
		files  etl.FileStore
		audit  etl.AuditSink
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

// WithClock sets the time source, used by tests to control match ages.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a duplicate-detection service. The audit sink may be
// nil; forced-reprocessing overrides are then only logged.
func NewService(files etl.FileStore, audit etl.AuditSink, opts ...ServiceOption) *Service {
	s := &Service{
		files: files,
		audit: audit,
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

// CheckForDuplicate finds prior files sharing the checksum within the
// organization (most recent first) and evaluates the reprocessing policy
// against the most recent match:
//
//   - allowed if the prior state is failed or cancelled;
//   - allowed if the prior upload is older than 30 days;
//   - blocked if the prior state is loaded or approved and neither of the
//     above holds;
//   - allowed (treated as possibly stuck) for any other in-progress state.
//
// excludeID, when non-empty, omits that file from the lookup.
func (s *Service) CheckForDuplicate(ctx context.Context, checksum, organizationID, excludeID string) (*DuplicateCheck, error) {
	if checksum == "" {
		return nil, ErrChecksumRequired
	}

	matches, err := s.files.FindByChecksum(ctx, organizationID, checksum, excludeID)
	if err != nil {
		return nil, fmt.Errorf("duplicate lookup for checksum %s: %w", checksum, err)
	}

	if len(matches) == 0 {
		return &DuplicateCheck{
			IsDuplicate:       false,
			AllowReprocessing: true,
			Reason:            "no prior upload with this checksum",
		}, nil
	}

	latest := matches[0]
	age := s.now().Sub(latest.UploadedAt)

	check := &DuplicateCheck{
		IsDuplicate: true,
		Match:       latest,
		MatchAge:    age,
	}

	switch {
	case latest.State == etl.StateFailed || latest.State == etl.StateCancelled:
		check.AllowReprocessing = true
		check.Reason = fmt.Sprintf("prior upload ended in state %s", latest.State)
	case age > reprocessWindow:
		check.AllowReprocessing = true
		check.Reason = fmt.Sprintf("prior upload is %d days old", int(age.Hours()/24))
	case latest.State == etl.StateLoaded || latest.State == etl.StateApproved:
		check.AllowReprocessing = false
		check.Reason = fmt.Sprintf("prior upload already %s", latest.State)
	default:
		// In-progress state that is neither loaded nor approved: the prior
		// run may be stuck, so a new attempt is allowed.
		check.AllowReprocessing = true
		check.Reason = fmt.Sprintf("prior upload still in state %s, possibly stuck", latest.State)
	}

	return check, nil
}

// ForceReprocessing overrides a blocked duplicate decision, recording an
// explicit reprocessing audit entry. It never bypasses the duplicate lookup
// itself, only the block decision, and requires an actor id.
func (s *Service) ForceReprocessing(ctx context.Context, checksum, organizationID string, opts ReprocessingOptions) (*DuplicateCheck, error) {
	if opts.ActorID == "" {
		return nil, ErrActorRequired
	}

	check, err := s.CheckForDuplicate(ctx, checksum, organizationID, "")
	if err != nil {
		return nil, err
	}

	overridden := check.IsDuplicate && !check.AllowReprocessing

	entry := &etl.AuditEntry{
		Timestamp:      s.now().UTC(),
		Level:          "warn",
		Action:         "forced_reprocessing",
		Message:        fmt.Sprintf("reprocessing forced by %s", opts.ActorID),
		OrganizationID: organizationID,
		Details: map[string]any{
			"checksum":   checksum,
			"actor_id":   opts.ActorID,
			"reason":     opts.Reason,
			"overridden": overridden,
		},
	}

	if check.Match != nil {
		entry.FileID = check.Match.ID
	}

	if s.audit != nil {
		// Audit failures are reported to the side channel, never propagated
		// into the override decision.
		if err := s.audit.Write(ctx, entry); err != nil {
			s.logger.Error("failed to write forced-reprocessing audit entry",
				slog.String("organization_id", organizationID),
				slog.String("checksum", checksum),
				slog.String("error", err.Error()))
		}
	}

	s.logger.Warn("forced reprocessing authorized",
		slog.String("organization_id", organizationID),
		slog.String("checksum", checksum),
		slog.String("actor_id", opts.ActorID),
		slog.Bool("overrode_block", overridden))

	check.AllowReprocessing = true
	if overridden {
		check.Reason = fmt.Sprintf("block overridden by %s", opts.ActorID)
	}

	return check, nil
}
