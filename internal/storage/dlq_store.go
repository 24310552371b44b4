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
var _ etl.DeadLetterStore = (*DeadLetterStore)(nil)

const defaultDeadLetterListLimit = 50

const deadLetterColumns = `
	id, run_id, file_id, organization_id,
	error_message, error_details,
	max_retries_exceeded, marked_for_retry, retry_after,
	created_at, updated_at
`

// DeadLetterStore implements etl.DeadLetterStore with a PostgreSQL backend.
type DeadLetterStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewDeadLetterStore creates a PostgreSQL-backed dead-letter store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewDeadLetterStore(conn *Connection) (*DeadLetterStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &DeadLetterStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Add enqueues a terminal failure record.
func (s *DeadLetterStore) Add(ctx context.Context, entry *etl.DeadLetterEntry) error {
	if entry.RunID == "" {
		return etl.ErrRunIDEmpty
	}

	detailsJSON, err := marshalDetails(entry.ErrorDetails)
	if err != nil {
		return fmt.Errorf("failed to marshal error details: %w", err)
	}

	query := `
		INSERT INTO etl_dead_letter_queue (
			id, run_id, file_id, organization_id,
			error_message, error_details, max_retries_exceeded,
			marked_for_retry, retry_after, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NULL, NOW(), NOW())
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		entry.ID,
		entry.RunID,
		entry.FileID,
		entry.OrganizationID,
		entry.ErrorMessage,
		detailsJSON,
		entry.MaxRetriesExceeded,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter entry %s: %w", entry.ID, err)
	}

	return nil
}

// Get retrieves an entry by id.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (*etl.DeadLetterEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM etl_dead_letter_queue WHERE id = $1`, deadLetterColumns)

	entry, err := scanDeadLetter(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dead-letter entry %s", etl.ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter entry %s: %w", id, err)
	}

	return entry, nil
}

// List returns entries for the organization, newest first, paginated.
func (s *DeadLetterStore) List(ctx context.Context, organizationID string, limit, offset int) ([]*etl.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = defaultDeadLetterListLimit
	}

	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM etl_dead_letter_queue
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, deadLetterColumns)

	return s.queryEntries(ctx, query, organizationID, limit, offset)
}

// MarkForRetry flags an entry for manual promotion.
func (s *DeadLetterStore) MarkForRetry(ctx context.Context, id string, retryAfter time.Time) error {
	query := `
		UPDATE etl_dead_letter_queue
		SET marked_for_retry = TRUE, retry_after = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, id, retryAfter)
	if err != nil {
		return fmt.Errorf("failed to mark dead-letter entry %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: dead-letter entry %s", etl.ErrNotFound, id)
	}

	return nil
}

// ListMarked returns entries marked for retry whose retry_after has passed.
func (s *DeadLetterStore) ListMarked(ctx context.Context, now time.Time) ([]*etl.DeadLetterEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM etl_dead_letter_queue
		WHERE marked_for_retry = TRUE AND retry_after <= $1
		ORDER BY retry_after ASC
	`, deadLetterColumns)

	return s.queryEntries(ctx, query, now)
}

// Delete removes an entry.
func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM etl_dead_letter_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead-letter entry %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: dead-letter entry %s", etl.ErrNotFound, id)
	}

	return nil
}

// DeleteOlderThan removes unmarked entries created before cutoff.
func (s *DeadLetterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM etl_dead_letter_queue
		WHERE marked_for_retry = FALSE AND created_at < $1
	`

	result, err := s.conn.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old dead-letter entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

func (s *DeadLetterStore) queryEntries(ctx context.Context, query string, args ...any) ([]*etl.DeadLetterEntry, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter entries: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	entries := []*etl.DeadLetterEntry{}

	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead-letter row: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}

func scanDeadLetter(row rowScanner) (*etl.DeadLetterEntry, error) {
	var (
		entry       etl.DeadLetterEntry
		detailsJSON []byte
		fileID      sql.NullString
		retryAfter  sql.NullTime
	)

	err := row.Scan(
		&entry.ID,
		&entry.RunID,
		&fileID,
		&entry.OrganizationID,
		&entry.ErrorMessage,
		&detailsJSON,
		&entry.MaxRetriesExceeded,
		&entry.MarkedForRetry,
		&retryAfter,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.FileID = fileID.String
	entry.RetryAfter = timePtr(retryAfter)

	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &entry.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error details: %w", err)
		}
	}

	return &entry, nil
}
