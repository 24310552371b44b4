package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/etl"
	"github.com/factline-io/factline/internal/locking"
)

// Sentinel errors for versioned record operations.
var (
	// ErrUnknownRecordKind is returned for a kind with no table mapping.
	ErrUnknownRecordKind = errors.New("unknown record kind")

	// ErrUnknownPatchField is returned when a patch carries a field that is
	// not whitelisted for the target table. Patches reach SQL as column
	// names, so only known fields are ever interpolated.
	ErrUnknownPatchField = errors.New("unknown patch field")

	// Compile-time interface assertion.
	_ locking.VersionedStore = (*RecordStore)(nil)
)

// kindSchema maps a record kind to its table and the patch fields the table
// accepts. Patch keys become column names, hence the whitelist.
type kindSchema struct {
	table       string
	patchFields map[string]bool
}

var kindSchemas = map[locking.RecordKind]kindSchema{
	locking.KindFile: {
		table: "etl_files",
		patchFields: map[string]bool{
			locking.FieldProcessingBy:        true,
			locking.FieldProcessingStartedAt: true,
			locking.FieldErrorMessage:        true,
			locking.FieldParsedAt:            true,
			locking.FieldValidatedAt:         true,
			locking.FieldApprovedAt:          true,
			locking.FieldLoadedAt:            true,
			locking.FieldFailedAt:            true,
		},
	},
	locking.KindRun: {
		table: "etl_runs",
		patchFields: map[string]bool{
			locking.FieldProcessingBy:        true,
			locking.FieldProcessingStartedAt: true,
			locking.FieldErrorMessage:        true,
			locking.FieldParsedAt:            true,
			locking.FieldValidatedAt:         true,
			locking.FieldApprovedAt:          true,
			locking.FieldLoadedAt:            true,
			locking.FieldFailedAt:            true,
			locking.FieldStartedAt:           true,
			locking.FieldFinishedAt:          true,
			locking.FieldRecordsTotal:        true,
			locking.FieldRecordsProcessed:    true,
			locking.FieldRecordsFailed:       true,
		},
	},
}

// RecordStore implements locking.VersionedStore with a PostgreSQL backend.
//
// Version-checked writes are single UPDATE statements conditioned on the
// expected version and bumping version in the same statement, so the
// compare-and-swap is atomic without explicit row locks. Lock and session
// maintenance never touches the version column: only domain mutations
// advance it.
type RecordStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRecordStore creates a PostgreSQL-backed versioned record store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewRecordStore(conn *Connection) (*RecordStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RecordStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Get fetches the concurrency-relevant projection of a record.
func (s *RecordStore) Get(ctx context.Context, kind locking.RecordKind, id string) (*locking.VersionedRecord, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, version, state, locked_by, locked_at, lock_expires_at, processing_by, processing_started_at
		FROM %s
		WHERE id = $1
	`, schema.table)

	var (
		rec                 locking.VersionedRecord
		state               string
		lockedBy            sql.NullString
		lockedAt            sql.NullTime
		lockExpiresAt       sql.NullTime
		processingBy        sql.NullString
		processingStartedAt sql.NullTime
	)

	err = s.conn.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Version,
		&state,
		&lockedBy,
		&lockedAt,
		&lockExpiresAt,
		&processingBy,
		&processingStartedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", etl.ErrNotFound, kind, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query %s %s: %w", kind, id, err)
	}

	rec.Kind = kind
	rec.State = etl.FileState(state)
	rec.LockedBy = lockedBy.String
	rec.ProcessingBy = processingBy.String

	if lockedAt.Valid {
		t := lockedAt.Time
		rec.LockedAt = &t
	}

	if lockExpiresAt.Valid {
		t := lockExpiresAt.Time
		rec.LockExpiresAt = &t
	}

	if processingStartedAt.Valid {
		t := processingStartedAt.Time
		rec.ProcessingStartedAt = &t
	}

	return &rec, nil
}

// ConditionalUpdate applies the patch and bumps version in one statement
// conditioned on the expected version. Returns (false, nil) when the write
// matched zero rows (version conflict or row gone).
func (s *RecordStore) ConditionalUpdate(ctx context.Context, kind locking.RecordKind, id string, expectedVersion int64, patch locking.Patch) (bool, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return false, err
	}

	setClauses, args, err := buildPatchClauses(schema, patch, 3)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET version = version + 1, updated_at = NOW()%s
		WHERE id = $1 AND version = $2
	`, schema.table, setClauses)

	args = append([]any{id, expectedVersion}, args...)

	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update %s %s: %w", kind, id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ConditionalTransition changes state, appends the history entry to the
// state_history JSONB array, applies the patch, and bumps version, all in
// one statement conditioned on the expected version.
func (s *RecordStore) ConditionalTransition(ctx context.Context, kind locking.RecordKind, id string, expectedVersion int64, to etl.FileState, patch locking.Patch, entry etl.StateHistoryEntry) (bool, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return false, err
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal state history entry: %w", err)
	}

	setClauses, args, err := buildPatchClauses(schema, patch, 5)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET version = version + 1,
		    state = $3,
		    state_history = state_history || $4::jsonb,
		    updated_at = NOW()%s
		WHERE id = $1 AND version = $2
	`, schema.table, setClauses)

	args = append([]any{id, expectedVersion, string(to), entryJSON}, args...)

	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition %s %s: %w", kind, id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// AcquireLock claims the pessimistic lock when it is free, already held by
// the same owner, or expired. Lock fields are coordination metadata and do
// not bump the version.
func (s *RecordStore) AcquireLock(ctx context.Context, kind locking.RecordKind, id, owner string, now, expiresAt time.Time) (bool, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET locked_by = $2, locked_at = $3, lock_expires_at = $4
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_by = $2 OR lock_expires_at <= $3)
	`, schema.table)

	result, err := s.conn.ExecContext(ctx, query, id, owner, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock on %s %s: %w", kind, id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ReleaseLock clears the lock fields conditioned on ownership.
func (s *RecordStore) ReleaseLock(ctx context.Context, kind locking.RecordKind, id, owner string) (bool, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
		WHERE id = $1 AND locked_by = $2
	`, schema.table)

	result, err := s.conn.ExecContext(ctx, query, id, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release lock on %s %s: %w", kind, id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ReleaseExpiredLocks clears every expired lock of the kind.
func (s *RecordStore) ReleaseExpiredLocks(ctx context.Context, kind locking.RecordKind, now time.Time) (int64, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
		WHERE locked_by IS NOT NULL AND lock_expires_at <= $1
	`, schema.table)

	result, err := s.conn.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired %s locks: %w", kind, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// ClearStaleSessions clears processing sessions started before the cutoff.
func (s *RecordStore) ClearStaleSessions(ctx context.Context, kind locking.RecordKind, cutoff time.Time) (int64, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET processing_by = NULL, processing_started_at = NULL
		WHERE processing_by IS NOT NULL AND processing_started_at < $1
	`, schema.table)

	result, err := s.conn.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clear stale %s sessions: %w", kind, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

func schemaFor(kind locking.RecordKind) (kindSchema, error) {
	schema, ok := kindSchemas[kind]
	if !ok {
		return kindSchema{}, fmt.Errorf("%w: %s", ErrUnknownRecordKind, kind)
	}

	return schema, nil
}

// buildPatchClauses renders ", col = $n" clauses for the whitelisted patch
// fields, with placeholders starting at startIndex. Keys are sorted so the
// generated SQL is deterministic.
func buildPatchClauses(schema kindSchema, patch locking.Patch, startIndex int) (string, []any, error) {
	if len(patch) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(patch))
	for key := range patch {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	var (
		builder strings.Builder
		args    = make([]any, 0, len(keys))
	)

	for i, key := range keys {
		if !schema.patchFields[key] {
			return "", nil, fmt.Errorf("%w: %s for table %s", ErrUnknownPatchField, key, schema.table)
		}

		fmt.Fprintf(&builder, ", %s = $%d", key, startIndex+i)
		args = append(args, patch[key])
	}

	return builder.String(), args, nil
}
