package storage

import (
	"context"
	"fmt"

	"github.com/factline-io/factline/internal/etl"
)

// Compile-time interface assertion.
var _ etl.AuditSink = (*AuditStore)(nil)

// AuditStore implements etl.AuditSink against the append-only etl_run_log
// table. Rows are insert-only; there is no update or delete path.
type AuditStore struct {
	conn *Connection
}

// NewAuditStore creates a PostgreSQL-backed audit sink.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewAuditStore(conn *Connection) (*AuditStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &AuditStore{conn: conn}, nil
}

// Write appends one audit entry to the run log.
func (s *AuditStore) Write(ctx context.Context, entry *etl.AuditEntry) error {
	detailsJSON, err := marshalDetails(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := `
		INSERT INTO etl_run_log (
			log_time, level, action, message, details,
			organization_id, file_id, run_id, success, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		entry.Timestamp,
		entry.Level,
		entry.Action,
		entry.Message,
		detailsJSON,
		nullString(entry.OrganizationID),
		nullString(entry.FileID),
		nullString(entry.RunID),
		entry.Success,
		entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run log entry: %w", err)
	}

	return nil
}
