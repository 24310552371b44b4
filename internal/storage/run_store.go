package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/etl"
)

// Compile-time interface assertion.
var _ etl.RunStore = (*RunStore)(nil)

const runColumns = `
	id, file_id, organization_id, run_number,
	state, state_history, version,
	processing_by, processing_started_at,
	locked_by, locked_at, lock_expires_at,
	retry_count, next_retry_at,
	records_total, records_processed, records_failed,
	error_message, error_details,
	started_at, finished_at, created_at, updated_at
`

// RunStore implements etl.RunStore with a PostgreSQL backend.
//
// Mutating statements bump version in the same UPDATE that changes the row,
// keeping single-writer updates consistent with the optimistic-locking
// discipline used by the record store.
type RunStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRunStore creates a PostgreSQL-backed run store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewRunStore(conn *Connection) (*RunStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RunStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Insert stores a new run with version 1, assigning run_number as the next
// number for the file in the same statement to keep it monotonic under
// concurrent inserts.
func (s *RunStore) Insert(ctx context.Context, run *etl.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	history := run.StateHistory
	if len(history) == 0 {
		history = []etl.StateHistoryEntry{{
			State:     run.State,
			Timestamp: time.Now().UTC(),
		}}
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal state history: %w", err)
	}

	detailsJSON, err := marshalDetails(run.ErrorDetails)
	if err != nil {
		return fmt.Errorf("failed to marshal error details: %w", err)
	}

	query := `
		INSERT INTO etl_runs (
			id, file_id, organization_id, run_number,
			state, state_history, version,
			retry_count, records_total, records_processed, records_failed,
			error_message, error_details, started_at, created_at, updated_at
		)
		VALUES (
			$1, $2, $3,
			(SELECT COALESCE(MAX(run_number), 0) + 1 FROM etl_runs WHERE file_id = $2),
			$4, $5, 1, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW()
		)
		RETURNING run_number
	`

	err = s.conn.QueryRowContext(
		ctx,
		query,
		run.ID,
		run.FileID,
		run.OrganizationID,
		string(run.State),
		historyJSON,
		run.RetryCount,
		run.RecordsTotal,
		run.RecordsProcessed,
		run.RecordsFailed,
		nullString(run.ErrorMessage),
		detailsJSON,
		run.StartedAt,
	).Scan(&run.RunNumber)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	run.Version = 1
	run.StateHistory = history

	return nil
}

// Get retrieves a run by id.
func (s *RunStore) Get(ctx context.Context, id string) (*etl.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM etl_runs WHERE id = $1`, runColumns)

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", etl.ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}

	return run, nil
}

// RetryReady returns all runs in state failed with next_retry_at at or
// before now, ordered by next_retry_at ascending.
func (s *RunStore) RetryReady(ctx context.Context, now time.Time) ([]*etl.Run, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM etl_runs
		WHERE state = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
	`, runColumns)

	rows, err := s.conn.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry-ready runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	runs := []*etl.Run{}

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return runs, nil
}

// ScheduleRetry persists the failure, increments retry_count and bumps
// version in a single statement.
func (s *RunStore) ScheduleRetry(ctx context.Context, runID string, nextRetryAt time.Time, message string, details map[string]any) error {
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return fmt.Errorf("failed to marshal error details: %w", err)
	}

	query := `
		UPDATE etl_runs
		SET retry_count = retry_count + 1,
		    next_retry_at = $2,
		    error_message = $3,
		    error_details = $4,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, runID, nextRetryAt, message, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for run %s: %w", runID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: run %s", etl.ErrNotFound, runID)
	}

	return nil
}

// ResetRetryState zeroes retry_count and re-arms next_retry_at, used when a
// dead-letter entry is promoted back to the retry schedule.
func (s *RunStore) ResetRetryState(ctx context.Context, runID string, nextRetryAt time.Time) error {
	query := `
		UPDATE etl_runs
		SET retry_count = 0,
		    next_retry_at = $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, runID, nextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to reset retry state for run %s: %w", runID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: run %s", etl.ErrNotFound, runID)
	}

	return nil
}

func scanRun(row rowScanner) (*etl.Run, error) {
	var (
		run         etl.Run
		state       string
		historyJSON []byte
		detailsJSON []byte

		processingBy        sql.NullString
		processingStartedAt sql.NullTime
		lockedBy            sql.NullString
		lockedAt            sql.NullTime
		lockExpiresAt       sql.NullTime
		nextRetryAt         sql.NullTime
		errorMessage        sql.NullString
		startedAt           sql.NullTime
		finishedAt          sql.NullTime
	)

	err := row.Scan(
		&run.ID,
		&run.FileID,
		&run.OrganizationID,
		&run.RunNumber,
		&state,
		&historyJSON,
		&run.Version,
		&processingBy,
		&processingStartedAt,
		&lockedBy,
		&lockedAt,
		&lockExpiresAt,
		&run.RetryCount,
		&nextRetryAt,
		&run.RecordsTotal,
		&run.RecordsProcessed,
		&run.RecordsFailed,
		&errorMessage,
		&detailsJSON,
		&startedAt,
		&finishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.State = etl.FileState(state)
	run.ProcessingBy = processingBy.String
	run.LockedBy = lockedBy.String
	run.ErrorMessage = errorMessage.String
	run.ProcessingStartedAt = timePtr(processingStartedAt)
	run.LockedAt = timePtr(lockedAt)
	run.LockExpiresAt = timePtr(lockExpiresAt)
	run.NextRetryAt = timePtr(nextRetryAt)
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)

	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &run.StateHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state history: %w", err)
		}
	}

	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &run.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error details: %w", err)
		}
	}

	return &run, nil
}
