package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/factline-io/factline/internal/etl"
	"github.com/factline-io/factline/internal/locking"
)

func TestInMemoryRunStore_RunNumbersAreMonotonicPerFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := &etl.Run{ID: id, FileID: "file-1", OrganizationID: "org-1", State: etl.StateParsing}
		if err := store.Runs.Insert(ctx, run); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}

		if run.RunNumber != i+1 {
			t.Errorf("run %s number = %d, want %d", id, run.RunNumber, i+1)
		}
	}

	// A different file starts its own sequence.
	other := &etl.Run{ID: "run-x", FileID: "file-2", OrganizationID: "org-1", State: etl.StateParsing}
	if err := store.Runs.Insert(ctx, other); err != nil {
		t.Fatal(err)
	}

	if other.RunNumber != 1 {
		t.Errorf("run number for new file = %d, want 1", other.RunNumber)
	}
}

func TestInMemoryFileStore_FindByChecksumOrdering(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"file-old", "file-mid", "file-new"} {
		err := store.Files.Insert(ctx, &etl.File{
			ID:             id,
			OrganizationID: "org-1",
			Filename:       id + ".xlsx",
			Checksum:       "shared",
			State:          etl.StateUploaded,
			UploadedAt:     base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	matches, err := store.Files.FindByChecksum(ctx, "org-1", "shared", "")
	if err != nil {
		t.Fatal(err)
	}

	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}

	if matches[0].ID != "file-new" {
		t.Errorf("most recent first, got %s", matches[0].ID)
	}

	excluded, err := store.Files.FindByChecksum(ctx, "org-1", "shared", "file-new")
	if err != nil {
		t.Fatal(err)
	}

	if len(excluded) != 2 || excluded[0].ID == "file-new" {
		t.Errorf("exclusion failed: %v", excluded)
	}
}

func TestInMemoryRecordStore_ConditionalUpdateVersionGate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	file := &etl.File{ID: "file-1", OrganizationID: "org-1", Filename: "a.xlsx", Checksum: "sum", State: etl.StateUploaded}
	if err := store.Files.Insert(ctx, file); err != nil {
		t.Fatal(err)
	}

	ok, err := store.Records.ConditionalUpdate(ctx, locking.KindFile, "file-1", 1, locking.Patch{
		locking.FieldErrorMessage: "note",
	})
	if err != nil || !ok {
		t.Fatalf("expected success at version 1, got ok=%v err=%v", ok, err)
	}

	// The stale version now loses.
	ok, err = store.Records.ConditionalUpdate(ctx, locking.KindFile, "file-1", 1, locking.Patch{})
	if err != nil {
		t.Fatal(err)
	}

	if ok {
		t.Error("stale version must observe a conflict")
	}

	rec, err := store.Records.Get(ctx, locking.KindFile, "file-1")
	if err != nil {
		t.Fatal(err)
	}

	if rec.Version != 2 {
		t.Errorf("version = %d, want 2", rec.Version)
	}
}

func TestInMemoryRecordStore_RejectsUnknownPatchField(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	file := &etl.File{ID: "file-1", OrganizationID: "org-1", Filename: "a.xlsx", Checksum: "sum", State: etl.StateUploaded}
	if err := store.Files.Insert(ctx, file); err != nil {
		t.Fatal(err)
	}

	_, err := store.Records.ConditionalUpdate(ctx, locking.KindFile, "file-1", 1, locking.Patch{
		"organization_id": "org-evil",
	})

	if !errors.Is(err, ErrUnknownPatchField) {
		t.Errorf("expected ErrUnknownPatchField, got %v", err)
	}
}

func TestInMemoryRecordStore_RejectedPatchLeavesRecordUntouched(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	file := &etl.File{ID: "file-1", OrganizationID: "org-1", Filename: "a.xlsx", Checksum: "sum", State: etl.StateUploaded}
	if err := store.Files.Insert(ctx, file); err != nil {
		t.Fatal(err)
	}

	// One valid key alongside an unknown one: the whole patch must be
	// rejected atomically, not applied up to the bad key.
	_, err := store.Records.ConditionalUpdate(ctx, locking.KindFile, "file-1", 1, locking.Patch{
		locking.FieldErrorMessage: "partial write",
		"organization_id":         "org-evil",
	})
	if !errors.Is(err, ErrUnknownPatchField) {
		t.Fatalf("expected ErrUnknownPatchField, got %v", err)
	}

	got, err := store.Files.Get(ctx, "file-1")
	if err != nil {
		t.Fatal(err)
	}

	if got.ErrorMessage != "" {
		t.Errorf("error message = %q, rejected patch must not apply any field", got.ErrorMessage)
	}

	if got.Version != 1 {
		t.Errorf("version = %d, rejected patch must not bump it", got.Version)
	}
}

func TestInMemoryRecordStore_ConditionalTransitionAppendsHistory(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	file := &etl.File{ID: "file-1", OrganizationID: "org-1", Filename: "a.xlsx", Checksum: "sum", State: etl.StateUploaded}
	if err := store.Files.Insert(ctx, file); err != nil {
		t.Fatal(err)
	}

	entry := etl.StateHistoryEntry{State: etl.StateParsing, Timestamp: time.Now().UTC(), Actor: "worker-1"}

	ok, err := store.Records.ConditionalTransition(ctx, locking.KindFile, "file-1", 1, etl.StateParsing, nil, entry)
	if err != nil || !ok {
		t.Fatalf("transition failed: ok=%v err=%v", ok, err)
	}

	updated, err := store.Files.Get(ctx, "file-1")
	if err != nil {
		t.Fatal(err)
	}

	if updated.State != etl.StateParsing {
		t.Errorf("state = %s, want parsing", updated.State)
	}

	if len(updated.StateHistory) != 2 || updated.StateHistory[1].Actor != "worker-1" {
		t.Errorf("history = %+v", updated.StateHistory)
	}

	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
}

func TestInMemoryRecordStore_LockLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()
	now := time.Now().UTC()

	file := &etl.File{ID: "file-1", OrganizationID: "org-1", Filename: "a.xlsx", Checksum: "sum", State: etl.StateUploaded}
	if err := store.Files.Insert(ctx, file); err != nil {
		t.Fatal(err)
	}

	ok, err := store.Records.AcquireLock(ctx, locking.KindFile, "file-1", "worker-1", now, now.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// Re-entrant for the same owner.
	ok, err = store.Records.AcquireLock(ctx, locking.KindFile, "file-1", "worker-1", now, now.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("re-entrant acquire failed: ok=%v err=%v", ok, err)
	}

	// Contended for another owner.
	ok, err = store.Records.AcquireLock(ctx, locking.KindFile, "file-1", "worker-2", now, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if ok {
		t.Error("contended acquire must fail while the lock is live")
	}

	// Expired locks are up for grabs.
	later := now.Add(2 * time.Minute)

	ok, err = store.Records.AcquireLock(ctx, locking.KindFile, "file-1", "worker-2", later, later.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("takeover of expired lock failed: ok=%v err=%v", ok, err)
	}

	// Release honors ownership.
	ok, err = store.Records.ReleaseLock(ctx, locking.KindFile, "file-1", "worker-1")
	if err != nil {
		t.Fatal(err)
	}

	if ok {
		t.Error("release by a non-owner must fail")
	}

	ok, err = store.Records.ReleaseLock(ctx, locking.KindFile, "file-1", "worker-2")
	if err != nil || !ok {
		t.Fatalf("owner release failed: ok=%v err=%v", ok, err)
	}

	// Lock traffic never bumps the version.
	rec, err := store.Records.Get(ctx, locking.KindFile, "file-1")
	if err != nil {
		t.Fatal(err)
	}

	if rec.Version != 1 {
		t.Errorf("version = %d, lock operations must not change it", rec.Version)
	}
}

func TestInMemoryFactStore_UpdatePreservesIdentity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	fact := &etl.FactRecord{
		ID:             "fact-1",
		OrganizationID: "org-1",
		NaturalKey:     "2024-01-15|BAHMAN|C001|MANHA",
		Date:           "2024-01-15",
		PlannedKg:      900,
		ActualKg:       850,
		SourceFileID:   "file-1",
	}
	if err := store.Facts.Insert(ctx, fact); err != nil {
		t.Fatal(err)
	}

	changed := *fact
	changed.ID = "fact-ignored"
	changed.ActualKg = 910

	if err := store.Facts.Update(ctx, &changed); err != nil {
		t.Fatal(err)
	}

	got, err := store.Facts.FindByNaturalKey(ctx, "org-1", fact.NaturalKey)
	if err != nil {
		t.Fatal(err)
	}

	if got.ID != "fact-1" {
		t.Errorf("id rewritten to %s", got.ID)
	}

	if got.ActualKg != 910 {
		t.Errorf("actual = %v, want 910", got.ActualKg)
	}
}

func TestInMemoryFactStore_DeleteBySourceFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryStore()

	for i, key := range []string{"k1", "k2", "k3"} {
		source := "file-1"
		if i == 2 {
			source = "file-2"
		}

		err := store.Facts.Insert(ctx, &etl.FactRecord{
			ID:             key,
			OrganizationID: "org-1",
			NaturalKey:     key,
			Date:           "2024-01-15",
			SourceFileID:   source,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := store.Facts.DeleteBySourceFile(ctx, "org-1", "file-1")
	if err != nil {
		t.Fatal(err)
	}

	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	if _, err := store.Facts.FindByNaturalKey(ctx, "org-1", "k3"); err != nil {
		t.Errorf("k3 should survive: %v", err)
	}
}
