package etl

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for domain records (static errors for errors.Is() checks).
var (
	// ErrNotFound is returned when a record does not exist in the store.
	ErrNotFound = errors.New("record not found")

	// ErrOrganizationIDEmpty indicates organization_id is required.
	ErrOrganizationIDEmpty = errors.New("organization_id cannot be empty")

	// ErrFileIDEmpty indicates file_id is required.
	ErrFileIDEmpty = errors.New("file_id cannot be empty")

	// ErrFilenameEmpty indicates filename is required.
	ErrFilenameEmpty = errors.New("filename cannot be empty")

	// ErrChecksumEmpty indicates checksum is required.
	ErrChecksumEmpty = errors.New("checksum cannot be empty")

	// ErrRunIDEmpty indicates run_id is required.
	ErrRunIDEmpty = errors.New("run_id cannot be empty")

	// ErrStateInvalid indicates the state is not a known lifecycle state.
	ErrStateInvalid = errors.New("unknown lifecycle state")
)

type (
	// StateHistoryEntry is one append-only record of a state change.
	// Entries are never mutated after being appended; per-record ordering
	// follows write order.
	StateHistoryEntry struct {
		// State is the state the record entered.
		State FileState `json:"state"`

		// Timestamp is when the transition was applied (UTC).
		Timestamp time.Time `json:"timestamp"`

		// Actor identifies who or what drove the transition (optional).
		Actor string `json:"actor,omitempty"`

		// Message carries human-readable context for the transition (optional).
		Message string `json:"message,omitempty"`

		// Metadata carries arbitrary structured context (optional).
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// File is one uploaded artifact tracked through the lifecycle.
	//
	// Version is a monotonic counter for optimistic locking: it increments by
	// exactly 1 on every successful mutation. State must always be reachable
	// from the prior state per the transition table.
	File struct {
		ID             string
		OrganizationID string
		Filename       string
		Path           string
		Size           int64

		// Checksum is the content digest used for duplicate detection,
		// computed by the dedup package (SHA-256 by default).
		Checksum string

		State        FileState
		StateHistory []StateHistoryEntry
		Version      int64

		// Milestone timestamps, set when the corresponding state is reached.
		UploadedAt  time.Time
		ParsedAt    *time.Time
		ValidatedAt *time.Time
		ApprovedAt  *time.Time
		LoadedAt    *time.Time
		FailedAt    *time.Time

		ErrorMessage string
		Metadata     map[string]any

		// Pessimistic lock fields. Advisory: respected cooperatively by all
		// callers, orthogonal to Version.
		LockedBy      string
		LockedAt      *time.Time
		LockExpiresAt *time.Time

		// Processing session markers for staleness detection.
		ProcessingBy        string
		ProcessingStartedAt *time.Time

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Run is one processing attempt against a File. A file may accumulate
	// multiple runs, e.g. after retries; RunNumber is monotonic per file.
	Run struct {
		ID             string
		FileID         string
		OrganizationID string
		RunNumber      int

		State        FileState
		StateHistory []StateHistoryEntry
		Version      int64

		// Processing session markers for staleness detection.
		ProcessingBy        string
		ProcessingStartedAt *time.Time

		// Pessimistic lock fields, advisory like on File.
		LockedBy      string
		LockedAt      *time.Time
		LockExpiresAt *time.Time

		// RetryCount must stay at or below the configured maximum before the
		// run is routed to the dead-letter queue.
		RetryCount  int
		NextRetryAt *time.Time

		RecordsTotal     int
		RecordsProcessed int
		RecordsFailed    int

		ErrorMessage string
		ErrorDetails map[string]any

		StartedAt  *time.Time
		FinishedAt *time.Time
		CreatedAt  time.Time
		UpdatedAt  time.Time
	}

	// DeadLetterEntry is a terminal failure record. Created only by the retry
	// service; it references a run but does not own it (lookup-only).
	DeadLetterEntry struct {
		ID             string
		RunID          string
		FileID         string
		OrganizationID string

		ErrorMessage string
		ErrorDetails map[string]any

		// MaxRetriesExceeded is true when the run burned its whole retry
		// budget, false when it was routed here for a non-transient failure.
		MaxRetriesExceeded bool

		// MarkedForRetry flags an entry manually promoted back to a retry
		// schedule. RetryAfter gates when the promotion takes effect.
		MarkedForRetry bool
		RetryAfter     *time.Time

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// FactRecord is one loaded business row, keyed by a deterministic natural
	// key unique per organization. Created on first successful load of a
	// natural key; later loads with the same key update in place only when
	// tracked fields differ, otherwise they are skipped.
	FactRecord struct {
		ID             string
		OrganizationID string

		// NaturalKey is the pipe-joined composite of business dimensions
		// (date|equipment|location|shift). Never rewritten once set.
		NaturalKey string

		// Date is the production date, formatted YYYY-MM-DD.
		Date string

		// Resolved (or pending placeholder) dimension identifiers.
		EquipmentID string
		LocationID  string
		ShiftID     string

		// Shift is the business shift code, or the literal "NULL" token when
		// the source row had none.
		Shift string

		PlannedKg    float64
		ActualKg     float64
		DeviationKg  float64
		DeviationPct float64

		SourceFileID string

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// AuditEntry is one append-only audit record written to the run log.
	AuditEntry struct {
		Timestamp      time.Time
		Level          string
		Action         string
		Message        string
		Details        map[string]any
		OrganizationID string
		FileID         string
		RunID          string
		Success        *bool
		Duration       time.Duration
	}
)

// Validate performs domain validation on the File before insertion.
// Storage-level constraints (uniqueness, FKs) are handled by the store.
func (f *File) Validate() error {
	if strings.TrimSpace(f.OrganizationID) == "" {
		return ErrOrganizationIDEmpty
	}

	if strings.TrimSpace(f.Filename) == "" {
		return ErrFilenameEmpty
	}

	if strings.TrimSpace(f.Checksum) == "" {
		return ErrChecksumEmpty
	}

	if !f.State.IsValid() {
		return fmt.Errorf("%w: %q", ErrStateInvalid, f.State)
	}

	return nil
}

// Validate performs domain validation on the Run before insertion.
func (r *Run) Validate() error {
	if strings.TrimSpace(r.FileID) == "" {
		return ErrFileIDEmpty
	}

	if strings.TrimSpace(r.OrganizationID) == "" {
		return ErrOrganizationIDEmpty
	}

	if !r.State.IsValid() {
		return fmt.Errorf("%w: %q", ErrStateInvalid, r.State)
	}

	return nil
}

// LockExpired reports whether the pessimistic lock on the file has expired
// at the given instant. A file without a lock is not expired.
func (f *File) LockExpired(now time.Time) bool {
	return f.LockedBy != "" && f.LockExpiresAt != nil && f.LockExpiresAt.Before(now)
}

// ProcessingStale reports whether the run's processing session is stale: a
// session marker older than timeout while processing_by is still set.
func (r *Run) ProcessingStale(now time.Time, timeout time.Duration) bool {
	return r.ProcessingBy != "" &&
		r.ProcessingStartedAt != nil &&
		now.Sub(*r.ProcessingStartedAt) > timeout
}
