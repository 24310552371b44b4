package upsert

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factline-io/factline/internal/storage"
)

func newTestEngine(store *storage.InMemoryStore) *Engine {
	seq := 0

	return NewEngine(store.Facts,
		WithIDGenerator(func() string {
			seq++

			return fmt.Sprintf("fact-%d", seq)
		}),
		WithClock(func() time.Time {
			return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		}))
}

func resolvedDims() Dimensions {
	return Dimensions{
		Equipment: Resolved("equip-1"),
		Location:  Resolved("loc-1"),
		Shift:     Resolved("shift-1"),
	}
}

func sampleRecord() Record {
	return Record{
		Date:      "2024-01-15",
		Equipment: "BAHMAN",
		Location:  "C001",
		Shift:     "MANHA",
		PlannedKg: 900,
		ActualKg:  850,
	}
}

func TestUpsert_InsertNewRecord(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewInMemoryStore()
	engine := newTestEngine(store)

	result, err := engine.Upsert(ctx, "org-1", sampleRecord(), resolvedDims(), "file-1")
	require.NoError(t, err)

	assert.Equal(t, OpInsert, result.Operation)
	assert.Equal(t, "fact-1", result.RecordID)
	assert.Empty(t, result.Warnings)

	fact, err := store.Facts.FindByNaturalKey(ctx, "org-1", "2024-01-15|BAHMAN|C001|MANHA")
	require.NoError(t, err)
	assert.Equal(t, 900.0, fact.PlannedKg)
	assert.Equal(t, 850.0, fact.ActualKg)
	assert.Equal(t, -50.0, fact.DeviationKg)
	assert.Equal(t, -5.56, fact.DeviationPct)
	assert.Equal(t, "equip-1", fact.EquipmentID)
	assert.Equal(t, "file-1", fact.SourceFileID)
}

func TestUpsert_IdenticalReplayIsSkipped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewInMemoryStore()
	engine := newTestEngine(store)

	first, err := engine.Upsert(ctx, "org-1", sampleRecord(), resolvedDims(), "file-1")
	require.NoError(t, err)
	require.Equal(t, OpInsert, first.Operation)

	second, err := engine.Upsert(ctx, "org-1", sampleRecord(), resolvedDims(), "file-1")
	require.NoError(t, err)

	assert.Equal(t, OpSkip, second.Operation)
	assert.Equal(t, first.RecordID, second.RecordID)
}

func TestUpsert_ChangedQuantitiesUpdateInPlace(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewInMemoryStore()
	engine := newTestEngine(store)

	first, err := engine.Upsert(ctx, "org-1", sampleRecord(), resolvedDims(), "file-1")
	require.NoError(t, err)

	changed := sampleRecord()
	changed.ActualKg = 910

	second, err := engine.Upsert(ctx, "org-1", changed, resolvedDims(), "file-1")
	require.NoError(t, err)

	assert.Equal(t, OpUpdate, second.Operation)
	assert.Equal(t, first.RecordID, second.RecordID)

	fact, err := store.Facts.FindByNaturalKey(ctx, "org-1", "2024-01-15|BAHMAN|C001|MANHA")
	require.NoError(t, err)
	assert.Equal(t, 910.0, fact.ActualKg)
	assert.Equal(t, 10.0, fact.DeviationKg)
	assert.Equal(t, 1.11, fact.DeviationPct)
	// Row identity survives the update.
	assert.Equal(t, first.RecordID, fact.ID)
	assert.Equal(t, "2024-01-15|BAHMAN|C001|MANHA", fact.NaturalKey)
}

func TestUpsert_NewSourceFileCountsAsChange(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewInMemoryStore()
	engine := newTestEngine(store)

	_, err := engine.Upsert(ctx, "org-1", sampleRecord(), resolvedDims(), "file-1")
	require.NoError(t, err)

	second, err := engine.Upsert(ctx, "org-1", sampleRecord(), resolvedDims(), "file-2")
	require.NoError(t, err)

	assert.Equal(t, OpUpdate, second.Operation)
}

func TestUpsert_MissingShiftNormalizedToNullToken(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewInMemoryStore()
	engine := newTestEngine(store)

	rec := sampleRecord()
	rec.Shift = ""

	_, err := engine.Upsert(ctx, "org-1", rec, resolvedDims(), "file-1")
	require.NoError(t, err)

	fact, err := store.Facts.FindByNaturalKey(ctx, "org-1", "2024-01-15|BAHMAN|C001|NULL")
	require.NoError(t, err)
	assert.Equal(t, "NULL", fact.Shift)
}

func TestUpsert_ValidatesRecord(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	engine := newTestEngine(storage.NewInMemoryStore())

	tests := []struct {
		name    string
		mutate  func(r *Record)
		wantErr error
	}{
		{name: "missing date", mutate: func(r *Record) { r.Date = "" }, wantErr: ErrDateEmpty},
		{name: "missing equipment", mutate: func(r *Record) { r.Equipment = "" }, wantErr: ErrEquipmentEmpty},
		{name: "missing location", mutate: func(r *Record) { r.Location = "" }, wantErr: ErrLocationEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := sampleRecord()
			tt.mutate(&rec)

			_, err := engine.Upsert(ctx, "org-1", rec, resolvedDims(), "file-1")
			assert.True(t, errors.Is(err, tt.wantErr))
		})
	}
}

func TestUpsert_PendingDimensionsWarnAndPersistPlaceholder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewInMemoryStore()
	engine := newTestEngine(store)

	dims := resolvedDims()
	dims.Equipment = Pending("BAHMAN")

	result, err := engine.Upsert(ctx, "org-1", sampleRecord(), dims, "file-1")
	require.NoError(t, err)

	assert.Equal(t, OpInsert, result.Operation)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "equipment")

	fact, err := store.Facts.FindByNaturalKey(ctx, "org-1", "2024-01-15|BAHMAN|C001|MANHA")
	require.NoError(t, err)
	assert.Equal(t, "pending:BAHMAN", fact.EquipmentID)
}

func TestUpsertBatch_AggregatesOutcomes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewInMemoryStore()
	engine := newTestEngine(store)

	// Seed a row so the batch sees one update and one skip.
	seeded := sampleRecord()
	_, err := engine.Upsert(ctx, "org-1", seeded, resolvedDims(), "file-1")
	require.NoError(t, err)

	changed := seeded
	changed.ActualKg = 1000

	fresh := seeded
	fresh.Date = "2024-01-16"

	invalid := seeded
	invalid.Equipment = ""

	pendingDims := resolvedDims()
	pendingDims.Shift = Pending("MANHA")

	another := seeded
	another.Date = "2024-01-17"

	items := []BatchItem{
		{Record: seeded, Dimensions: resolvedDims(), SourceFileID: "file-1"},
		{Record: changed, Dimensions: resolvedDims(), SourceFileID: "file-1"},
		{Record: fresh, Dimensions: resolvedDims(), SourceFileID: "file-1"},
		{Record: invalid, Dimensions: resolvedDims(), SourceFileID: "file-1"},
		{Record: another, Dimensions: pendingDims, SourceFileID: "file-1"},
	}

	batch, err := engine.UpsertBatch(ctx, "org-1", items)
	require.NoError(t, err)

	assert.Equal(t, 2, batch.Inserted)
	assert.Equal(t, 1, batch.Updated)
	assert.Equal(t, 1, batch.Skipped)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 1, batch.PendingDimensions)
}

func TestUpsertBatch_AbortsOnCancelledContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := newTestEngine(storage.NewInMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := []BatchItem{{Record: sampleRecord(), Dimensions: resolvedDims(), SourceFileID: "file-1"}}

	_, err := engine.UpsertBatch(ctx, "org-1", items)
	assert.True(t, errors.Is(err, context.Canceled))
}
