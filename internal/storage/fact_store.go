package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/etl"
)

// Compile-time interface assertion.
var _ etl.FactStore = (*FactStore)(nil)

const factColumns = `
	id, organization_id, natural_key, production_date,
	equipment_id, location_id, shift_id, shift,
	planned_kg, actual_kg, deviation_kg, deviation_pct,
	source_file_id, created_at, updated_at
`

// FactStore implements etl.FactStore with a PostgreSQL backend.
//
// Rows are unique on (organization_id, natural_key); the upsert engine
// decides between insert, update, and skip before calling in.
type FactStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewFactStore creates a PostgreSQL-backed fact store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewFactStore(conn *Connection) (*FactStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &FactStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// FindByNaturalKey retrieves the fact row for (organization, natural key).
func (s *FactStore) FindByNaturalKey(ctx context.Context, organizationID, naturalKey string) (*etl.FactRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM fact_production_records
		WHERE organization_id = $1 AND natural_key = $2
	`, factColumns)

	record, err := scanFact(s.conn.QueryRowContext(ctx, query, organizationID, naturalKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: fact %s", etl.ErrNotFound, naturalKey)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query fact %s: %w", naturalKey, err)
	}

	return record, nil
}

// Insert stores a new fact record.
func (s *FactStore) Insert(ctx context.Context, record *etl.FactRecord) error {
	query := `
		INSERT INTO fact_production_records (
			id, organization_id, natural_key, production_date,
			equipment_id, location_id, shift_id, shift,
			planned_kg, actual_kg, deviation_kg, deviation_pct,
			source_file_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`

	_, err := s.conn.ExecContext(
		ctx,
		query,
		record.ID,
		record.OrganizationID,
		record.NaturalKey,
		record.Date,
		record.EquipmentID,
		record.LocationID,
		record.ShiftID,
		record.Shift,
		record.PlannedKg,
		record.ActualKg,
		record.DeviationKg,
		record.DeviationPct,
		record.SourceFileID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fact %s: %w", record.NaturalKey, err)
	}

	return nil
}

// Update rewrites the tracked fields of an existing fact record in place.
// The natural key and production date define row identity and are not
// touched.
func (s *FactStore) Update(ctx context.Context, record *etl.FactRecord) error {
	query := `
		UPDATE fact_production_records
		SET equipment_id = $3, location_id = $4, shift_id = $5, shift = $6,
		    planned_kg = $7, actual_kg = $8, deviation_kg = $9, deviation_pct = $10,
		    source_file_id = $11, updated_at = NOW()
		WHERE organization_id = $1 AND natural_key = $2
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		record.OrganizationID,
		record.NaturalKey,
		record.EquipmentID,
		record.LocationID,
		record.ShiftID,
		record.Shift,
		record.PlannedKg,
		record.ActualKg,
		record.DeviationKg,
		record.DeviationPct,
		record.SourceFileID,
	)
	if err != nil {
		return fmt.Errorf("failed to update fact %s: %w", record.NaturalKey, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: fact %s", etl.ErrNotFound, record.NaturalKey)
	}

	return nil
}

// DeleteBySourceFile removes all fact rows loaded from the given file.
func (s *FactStore) DeleteBySourceFile(ctx context.Context, organizationID, fileID string) (int64, error) {
	query := `
		DELETE FROM fact_production_records
		WHERE organization_id = $1 AND source_file_id = $2
	`

	result, err := s.conn.ExecContext(ctx, query, organizationID, fileID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete facts for file %s: %w", fileID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

func scanFact(row rowScanner) (*etl.FactRecord, error) {
	var (
		record         etl.FactRecord
		productionDate time.Time
	)

	err := row.Scan(
		&record.ID,
		&record.OrganizationID,
		&record.NaturalKey,
		&productionDate,
		&record.EquipmentID,
		&record.LocationID,
		&record.ShiftID,
		&record.Shift,
		&record.PlannedKg,
		&record.ActualKg,
		&record.DeviationKg,
		&record.DeviationPct,
		&record.SourceFileID,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// production_date is a DATE column; the domain carries it as YYYY-MM-DD.
	record.Date = productionDate.Format("2006-01-02")

	return &record, nil
}
