package upsert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/etl"
)

// Sentinel errors for upsert operations.
var (
	// ErrDateEmpty indicates a record without a production date.
	ErrDateEmpty = errors.New("record date cannot be empty")

	// ErrEquipmentEmpty indicates a record without an equipment name.
	ErrEquipmentEmpty = errors.New("record equipment cannot be empty")

	// ErrLocationEmpty indicates a record without a location name.
	ErrLocationEmpty = errors.New("record location cannot be empty")
)

// Operation is the outcome of an upsert decision.
type Operation string

const (
	// OpInsert means no row existed for the natural key and one was created.
	OpInsert Operation = "insert"

	// OpUpdate means a row existed and at least one tracked field differed.
	OpUpdate Operation = "update"

	// OpSkip means a row existed with identical tracked fields: a replay of
	// unchanged data is a no-op.
	OpSkip Operation = "skip"
)

type (
	// Record is a validated, cleaned input row for the fact load.
	Record struct {
		// Date is the production date, formatted YYYY-MM-DD.
		Date string

		// Equipment, Location and Shift are the business names the natural
		// key is derived from. Shift may be empty.
		Equipment string
		Location  string
		Shift     string

		PlannedKg float64
		ActualKg  float64
	}

	// Dimensions carries the resolved (or pending) identifiers for the three
	// business dimensions of a record.
	Dimensions struct {
		Equipment DimensionRef
		Location  DimensionRef
		Shift     DimensionRef
	}

	// Result reports a single upsert decision.
	Result struct {
		Operation Operation
		RecordID  string
		Warnings  []string
	}

	// BatchItem is one record in a batch load.
	BatchItem struct {
		Record       Record
		Dimensions   Dimensions
		SourceFileID string
	}

	// BatchResult aggregates a batch load. PendingDimensions counts records
	// that still reference unresolved placeholder dimensions after the load.
	BatchResult struct {
		Inserted          int
		Updated           int
		Skipped           int
		Failed            int
		PendingDimensions int
	}

	// Engine implements the natural-key based insert/update/skip decision
	// over the fact store.
	Engine struct {
		facts  etl.FactStore
		logger *slog.Logger
		newID  func() string
		now    func() time.Time
	}

	// EngineOption configures optional Engine behavior.
	EngineOption func(*Engine)
)

// WithLogger sets the structured logger used by the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithIDGenerator sets the record-id source, used by tests.
func WithIDGenerator(newID func() string) EngineOption {
	return func(e *Engine) {
		e.newID = newID
	}
}

// WithClock sets the time source, used by tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an upsert engine over the given fact store.
func NewEngine(facts etl.FactStore, opts ...EngineOption) *Engine {
	e := &Engine{
		facts: facts,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Upsert applies the idempotent load decision for one record, keyed by
// (natural_key, organization_id):
//
//   - no existing row → insert a new row with a generated id;
//   - existing row with any tracked field differing → update in place (the
//     natural key itself is never rewritten);
//   - existing row with identical tracked fields → skip.
//
// Tracked fields: quantities, computed deviation, shift, the three dimension
// ids, and the source file id.
func (e *Engine) Upsert(ctx context.Context, organizationID string, rec Record, dims Dimensions, sourceFileID string) (*Result, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	key := NaturalKey(rec.Date, rec.Equipment, rec.Location, rec.Shift)
	candidate := e.buildFactRecord(organizationID, key, rec, dims, sourceFileID)

	result := &Result{}
	result.Warnings = appendPendingWarnings(nil, dims)

	existing, err := e.facts.FindByNaturalKey(ctx, organizationID, key)

	switch {
	case errors.Is(err, etl.ErrNotFound):
		candidate.ID = e.newID()
		if err := e.facts.Insert(ctx, candidate); err != nil {
			return nil, fmt.Errorf("insert fact %s: %w", key, err)
		}

		result.Operation = OpInsert
		result.RecordID = candidate.ID
	case err != nil:
		return nil, fmt.Errorf("lookup fact %s: %w", key, err)
	case trackedFieldsEqual(existing, candidate):
		result.Operation = OpSkip
		result.RecordID = existing.ID
	default:
		candidate.ID = existing.ID
		candidate.CreatedAt = existing.CreatedAt

		if err := e.facts.Update(ctx, candidate); err != nil {
			return nil, fmt.Errorf("update fact %s: %w", key, err)
		}

		result.Operation = OpUpdate
		result.RecordID = existing.ID
	}

	e.logger.Debug("fact upsert decided",
		slog.String("organization_id", organizationID),
		slog.String("natural_key", key),
		slog.String("operation", string(result.Operation)),
		slog.String("record_id", result.RecordID))

	return result, nil
}

// UpsertBatch runs the upsert decision per record and aggregates counts.
// A failing record is counted and logged; it does not abort the batch.
func (e *Engine) UpsertBatch(ctx context.Context, organizationID string, items []BatchItem) (*BatchResult, error) {
	batch := &BatchResult{}

	for i := range items {
		item := &items[i]

		if ctx.Err() != nil {
			return batch, fmt.Errorf("batch aborted: %w", ctx.Err())
		}

		result, err := e.Upsert(ctx, organizationID, item.Record, item.Dimensions, item.SourceFileID)
		if err != nil {
			batch.Failed++

			e.logger.Error("fact upsert failed",
				slog.String("organization_id", organizationID),
				slog.Int("index", i),
				slog.String("error", err.Error()))

			continue
		}

		switch result.Operation {
		case OpInsert:
			batch.Inserted++
		case OpUpdate:
			batch.Updated++
		case OpSkip:
			batch.Skipped++
		}

		if hasPendingDimension(item.Dimensions) {
			batch.PendingDimensions++
		}
	}

	return batch, nil
}

// buildFactRecord assembles the candidate row, computing the deviation
// fields and normalizing the shift token.
func (e *Engine) buildFactRecord(organizationID, naturalKey string, rec Record, dims Dimensions, sourceFileID string) *etl.FactRecord {
	amount, pct := Deviation(rec.PlannedKg, rec.ActualKg)

	shift := rec.Shift
	if strings.TrimSpace(shift) == "" {
		shift = NullShiftToken
	}

	now := e.now().UTC()

	return &etl.FactRecord{
		OrganizationID: organizationID,
		NaturalKey:     naturalKey,
		Date:           rec.Date,
		EquipmentID:    dims.Equipment.StoredValue(),
		LocationID:     dims.Location.StoredValue(),
		ShiftID:        dims.Shift.StoredValue(),
		Shift:          shift,
		PlannedKg:      rec.PlannedKg,
		ActualKg:       rec.ActualKg,
		DeviationKg:    amount,
		DeviationPct:   pct,
		SourceFileID:   sourceFileID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// trackedFieldsEqual compares the fields that drive the update/skip decision.
// The natural key and date are excluded: they define row identity.
func trackedFieldsEqual(existing, candidate *etl.FactRecord) bool {
	return existing.PlannedKg == candidate.PlannedKg &&
		existing.ActualKg == candidate.ActualKg &&
		existing.DeviationKg == candidate.DeviationKg &&
		existing.DeviationPct == candidate.DeviationPct &&
		existing.Shift == candidate.Shift &&
		existing.EquipmentID == candidate.EquipmentID &&
		existing.LocationID == candidate.LocationID &&
		existing.ShiftID == candidate.ShiftID &&
		existing.SourceFileID == candidate.SourceFileID
}

func validateRecord(rec Record) error {
	if rec.Date == "" {
		return ErrDateEmpty
	}

	if rec.Equipment == "" {
		return ErrEquipmentEmpty
	}

	if rec.Location == "" {
		return ErrLocationEmpty
	}

	return nil
}

func hasPendingDimension(dims Dimensions) bool {
	return dims.Equipment.IsPending() || dims.Location.IsPending() || dims.Shift.IsPending()
}

func appendPendingWarnings(warnings []string, dims Dimensions) []string {
	if dims.Equipment.IsPending() {
		warnings = append(warnings, "equipment dimension unresolved, pending placeholder stored")
	}

	if dims.Location.IsPending() {
		warnings = append(warnings, "location dimension unresolved, pending placeholder stored")
	}

	if dims.Shift.IsPending() {
		warnings = append(warnings, "shift dimension unresolved, pending placeholder stored")
	}

	return warnings
}
