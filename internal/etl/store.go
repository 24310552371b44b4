package etl

import (
	"context"
	"time"
)

// FileStore defines persistence for File records.
//
// The domain package defines this interface to specify what it needs for file
// persistence, without depending on concrete implementations. This follows
// the same pattern across all stores in this package: the domain defines the
// contract, internal/storage provides PostgreSQL and in-memory backends.
type FileStore interface {
	// Insert stores a new file record. The store assigns CreatedAt/UpdatedAt
	// and initializes Version to 1 with a single uploaded history entry.
	Insert(ctx context.Context, file *File) error

	// Get retrieves a file by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*File, error)

	// FindByChecksum returns files in the organization sharing the checksum,
	// most recently uploaded first. excludeID, when non-empty, omits that
	// file from the result (used when re-checking an already-inserted file).
	FindByChecksum(ctx context.Context, organizationID, checksum, excludeID string) ([]*File, error)
}

// RunStore defines persistence for Run records.
//
// Mutating methods bump Version by exactly 1 as part of the same statement,
// preserving the optimistic-locking invariant even for single-writer updates.
type RunStore interface {
	// Insert stores a new run. The store assigns RunNumber monotonically per
	// file and initializes Version to 1.
	Insert(ctx context.Context, run *Run) error

	// Get retrieves a run by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Run, error)

	// RetryReady returns all runs in state failed with next_retry_at <= now,
	// ordered by next_retry_at ascending. This is the poll contract a
	// scheduler uses to pick up retries.
	RetryReady(ctx context.Context, now time.Time) ([]*Run, error)

	// ScheduleRetry persists the failure message/details, sets next_retry_at
	// and increments retry_count atomically. Returns ErrNotFound if absent.
	ScheduleRetry(ctx context.Context, runID string, nextRetryAt time.Time, message string, details map[string]any) error

	// ResetRetryState zeroes retry_count and re-arms next_retry_at, used when
	// a dead-letter entry is promoted back to the retry schedule.
	ResetRetryState(ctx context.Context, runID string, nextRetryAt time.Time) error
}

// DeadLetterStore defines persistence for dead-letter queue entries.
type DeadLetterStore interface {
	// Add enqueues a terminal failure record.
	Add(ctx context.Context, entry *DeadLetterEntry) error

	// Get retrieves an entry by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*DeadLetterEntry, error)

	// List returns entries for the organization, newest first, paginated.
	List(ctx context.Context, organizationID string, limit, offset int) ([]*DeadLetterEntry, error)

	// MarkForRetry flags an entry for manual promotion without touching the
	// referenced run. Returns ErrNotFound if absent.
	MarkForRetry(ctx context.Context, id string, retryAfter time.Time) error

	// ListMarked returns entries marked for retry whose retry_after has
	// passed at the given instant.
	ListMarked(ctx context.Context, now time.Time) ([]*DeadLetterEntry, error)

	// Delete removes an entry, typically after promotion back to the retry
	// schedule. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes entries created before cutoff that are NOT
	// marked for retry. Returns the number of rows removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// FactStore defines persistence for loaded fact records.
type FactStore interface {
	// FindByNaturalKey retrieves the fact row for (organization, natural key).
	// Returns ErrNotFound if absent.
	FindByNaturalKey(ctx context.Context, organizationID, naturalKey string) (*FactRecord, error)

	// Insert stores a new fact record.
	Insert(ctx context.Context, record *FactRecord) error

	// Update rewrites the tracked fields of an existing fact record in place.
	// The natural key itself is never rewritten. Returns ErrNotFound if absent.
	Update(ctx context.Context, record *FactRecord) error

	// DeleteBySourceFile removes all fact rows loaded from the given file,
	// used by explicit reprocessing cleanup. Returns the rows removed.
	DeleteBySourceFile(ctx context.Context, organizationID, fileID string) (int64, error)
}

// AuditSink defines the append-only run-log audit trail the engine writes to.
// Sink failures must be reported to a side channel by the caller, never
// propagated into the primary operation.
type AuditSink interface {
	Write(ctx context.Context, entry *AuditEntry) error
}
