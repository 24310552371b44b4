// Package locking provides version-checked updates, pessimistic record locks
// with TTL, and stale-processing detection for ETL files and runs.
//
// All mutation is mediated by the persistent store's conditional-write
// primitive: concurrent callers race on the version counter, exactly one
// writer wins per increment, and losers observe a conflict and retry. The
// engine never holds an in-memory lock across an I/O suspension boundary.
package locking

import (
	"context"
	"time"

	"github.com/factline-io/factline/internal/etl"
)

// RecordKind selects which versioned table an operation targets.
type RecordKind string

const (
	// KindFile targets etl_files.
	KindFile RecordKind = "etl_file"

	// KindRun targets etl_runs.
	KindRun RecordKind = "etl_run"
)

// IsValid checks if the RecordKind is a known versioned record kind.
func (k RecordKind) IsValid() bool {
	return k == KindFile || k == KindRun
}

// Patch is a set of column-level changes applied by a conditional update.
// Keys are store column names; implementations whitelist the permitted
// columns per kind and reject anything else.
type Patch map[string]any

// VersionedRecord is the projection of a file or run that the locking
// service operates on: identity, version counter, current state, and the
// advisory lock/session fields. The lock fields are orthogonal to Version.
type VersionedRecord struct {
	Kind    RecordKind
	ID      string
	Version int64
	State   etl.FileState

	LockedBy      string
	LockedAt      *time.Time
	LockExpiresAt *time.Time

	ProcessingBy        string
	ProcessingStartedAt *time.Time
}

// VersionedStore is the conditional-write contract the locking service
// requires from the persistent store. Implementations live in
// internal/storage (PostgreSQL and in-memory).
type VersionedStore interface {
	// Get fetches the versioned projection of a record.
	// Returns etl.ErrNotFound if the record does not exist.
	Get(ctx context.Context, kind RecordKind, id string) (*VersionedRecord, error)

	// ConditionalUpdate applies patch and increments version by exactly 1,
	// conditioned on version == expectedVersion. Returns (false, nil) when
	// the condition matched zero rows (a version conflict); any store error
	// is returned as-is and is fatal to the caller.
	ConditionalUpdate(ctx context.Context, kind RecordKind, id string, expectedVersion int64, patch Patch) (bool, error)

	// ConditionalTransition atomically sets the record state, appends entry
	// to the state history, applies patch and increments version, all
	// conditioned on version == expectedVersion. Returns (false, nil) on a
	// version conflict.
	ConditionalTransition(ctx context.Context, kind RecordKind, id string, expectedVersion int64, to etl.FileState, patch Patch, entry etl.StateHistoryEntry) (bool, error)

	// AcquireLock sets locked_by/locked_at/lock_expires_at conditioned on
	// locked_by IS NULL. Returns (false, nil) when another owner holds the
	// lock.
	AcquireLock(ctx context.Context, kind RecordKind, id, owner string, now, expiresAt time.Time) (bool, error)

	// ReleaseLock clears the lock fields conditioned on locked_by == owner.
	// Returns (false, nil) when the caller does not own the lock.
	ReleaseLock(ctx context.Context, kind RecordKind, id, owner string) (bool, error)

	// ReleaseExpiredLocks clears the lock fields of every record whose
	// lock_expires_at < now. Returns the number of locks released. Used by
	// periodic maintenance, not by request-path code.
	ReleaseExpiredLocks(ctx context.Context, kind RecordKind, now time.Time) (int64, error)

	// ClearStaleSessions clears processing_by/processing_started_at of every
	// record whose session started before cutoff. Returns the number of
	// sessions cleared. Session markers are advisory, so this does not touch
	// the version counter.
	ClearStaleSessions(ctx context.Context, kind RecordKind, cutoff time.Time) (int64, error)
}
