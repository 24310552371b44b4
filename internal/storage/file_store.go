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
var _ etl.FileStore = (*FileStore)(nil)

const fileColumns = `
	id, organization_id, filename, path, size, checksum,
	state, state_history, version,
	uploaded_at, parsed_at, validated_at, approved_at, loaded_at, failed_at,
	error_message, metadata,
	locked_by, locked_at, lock_expires_at,
	processing_by, processing_started_at,
	created_at, updated_at
`

// FileStore implements etl.FileStore with a PostgreSQL backend.
type FileStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewFileStore creates a PostgreSQL-backed file store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewFileStore(conn *Connection) (*FileStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &FileStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Insert stores a new file record with version 1 and a single uploaded
// history entry.
func (s *FileStore) Insert(ctx context.Context, file *etl.File) error {
	if err := file.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()

	if file.UploadedAt.IsZero() {
		file.UploadedAt = now
	}

	history := file.StateHistory
	if len(history) == 0 {
		history = []etl.StateHistoryEntry{{
			State:     file.State,
			Timestamp: file.UploadedAt,
		}}
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal state history: %w", err)
	}

	metadataJSON, err := marshalDetails(file.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO etl_files (
			id, organization_id, filename, path, size, checksum,
			state, state_history, version,
			uploaded_at, error_message, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10, $11, NOW(), NOW())
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		file.ID,
		file.OrganizationID,
		file.Filename,
		file.Path,
		file.Size,
		file.Checksum,
		string(file.State),
		historyJSON,
		file.UploadedAt,
		nullString(file.ErrorMessage),
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert file %s: %w", file.ID, err)
	}

	file.Version = 1
	file.StateHistory = history

	return nil
}

// Get retrieves a file by id.
func (s *FileStore) Get(ctx context.Context, id string) (*etl.File, error) {
	query := fmt.Sprintf(`SELECT %s FROM etl_files WHERE id = $1`, fileColumns)

	file, err := scanFile(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %s", etl.ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query file %s: %w", id, err)
	}

	return file, nil
}

// FindByChecksum returns files in the organization sharing the checksum,
// most recently uploaded first.
func (s *FileStore) FindByChecksum(ctx context.Context, organizationID, checksum, excludeID string) ([]*etl.File, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM etl_files
		WHERE organization_id = $1 AND checksum = $2 AND ($3 = '' OR id <> $3)
		ORDER BY uploaded_at DESC
	`, fileColumns)

	rows, err := s.conn.QueryContext(ctx, query, organizationID, checksum, excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files by checksum: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	files := []*etl.File{}

	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}

		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return files, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*etl.File, error) {
	var (
		file         etl.File
		state        string
		historyJSON  []byte
		metadataJSON []byte

		path                sql.NullString
		parsedAt            sql.NullTime
		validatedAt         sql.NullTime
		approvedAt          sql.NullTime
		loadedAt            sql.NullTime
		failedAt            sql.NullTime
		errorMessage        sql.NullString
		lockedBy            sql.NullString
		lockedAt            sql.NullTime
		lockExpiresAt       sql.NullTime
		processingBy        sql.NullString
		processingStartedAt sql.NullTime
	)

	err := row.Scan(
		&file.ID,
		&file.OrganizationID,
		&file.Filename,
		&path,
		&file.Size,
		&file.Checksum,
		&state,
		&historyJSON,
		&file.Version,
		&file.UploadedAt,
		&parsedAt,
		&validatedAt,
		&approvedAt,
		&loadedAt,
		&failedAt,
		&errorMessage,
		&metadataJSON,
		&lockedBy,
		&lockedAt,
		&lockExpiresAt,
		&processingBy,
		&processingStartedAt,
		&file.CreatedAt,
		&file.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	file.State = etl.FileState(state)
	file.Path = path.String
	file.ErrorMessage = errorMessage.String
	file.LockedBy = lockedBy.String
	file.ProcessingBy = processingBy.String
	file.ParsedAt = timePtr(parsedAt)
	file.ValidatedAt = timePtr(validatedAt)
	file.ApprovedAt = timePtr(approvedAt)
	file.LoadedAt = timePtr(loadedAt)
	file.FailedAt = timePtr(failedAt)
	file.LockedAt = timePtr(lockedAt)
	file.LockExpiresAt = timePtr(lockExpiresAt)
	file.ProcessingStartedAt = timePtr(processingStartedAt)

	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &file.StateHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state history: %w", err)
		}
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &file.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &file, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	value := t.Time

	return &value
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// marshalDetails renders a details map as JSONB, defaulting to an empty
// object rather than SQL NULL.
func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(details)
}
