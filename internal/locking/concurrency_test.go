package locking_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/factline-io/factline/internal/etl"
	"github.com/factline-io/factline/internal/locking"
	"github.com/factline-io/factline/internal/storage"
)

// contendedConfig gives every writer enough retry budget to outlast the
// worst-case pile-up of the other writers.
func contendedConfig(writers int) locking.Config {
	return locking.Config{
		MaxRetries:        writers * 5,
		RetryDelay:        time.Microsecond,
		BackoffMultiplier: 1.5,
		LockTTL:           2 * time.Minute,
		ProcessingTimeout: 5 * time.Minute,
	}
}

func TestUpdateWithLock_ConcurrentWritersEachWinOnce(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	const writers = 10

	ctx := context.Background()
	store := storage.NewInMemoryStore()

	file := &etl.File{ID: "file-1", OrganizationID: "org-1", Filename: "a.xlsx", Checksum: "sum", State: etl.StateUploaded}
	if err := store.Files.Insert(ctx, file); err != nil {
		t.Fatal(err)
	}

	svc := locking.NewService(store.Records, contendedConfig(writers))

	var wg sync.WaitGroup

	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = svc.UpdateWithLock(ctx, locking.KindFile, "file-1", func(rec *locking.VersionedRecord) (locking.Patch, error) {
				return locking.Patch{locking.FieldErrorMessage: fmt.Sprintf("writer-%d", i)}, nil
			}, nil)
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("writer %d failed: %v", i, err)
		}
	}

	rec, err := store.Records.Get(ctx, locking.KindFile, "file-1")
	if err != nil {
		t.Fatal(err)
	}

	// Each writer wins exactly one version increment: insert leaves the
	// record at version 1, so ten writers end at 11.
	if rec.Version != 1+writers {
		t.Errorf("version = %d, want %d", rec.Version, 1+writers)
	}
}

func TestSafeStateTransition_ConcurrentClaimersExactlyOneWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	const claimers = 8

	ctx := context.Background()
	store := storage.NewInMemoryStore()

	file := &etl.File{ID: "file-1", OrganizationID: "org-1", Filename: "a.xlsx", Checksum: "sum", State: etl.StateUploaded}
	if err := store.Files.Insert(ctx, file); err != nil {
		t.Fatal(err)
	}

	svc := locking.NewService(store.Records, contendedConfig(claimers))

	var wg sync.WaitGroup

	errs := make([]error, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, errs[i] = svc.SafeStateTransition(ctx, locking.TransitionRequest{
				Kind:      locking.KindFile,
				ID:        "file-1",
				FromState: etl.StateUploaded,
				ToState:   etl.StateParsing,
				Actor:     fmt.Sprintf("worker-%d", i),
			})
		}(i)
	}

	wg.Wait()

	winners := 0

	for _, err := range errs {
		if err == nil {
			winners++
		}
	}

	// The from-state guard lets only the first claimer through: everyone
	// else observes the record already in parsing.
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}

	got, err := store.Files.Get(ctx, "file-1")
	if err != nil {
		t.Fatal(err)
	}

	if got.State != etl.StateParsing {
		t.Errorf("state = %s, want parsing", got.State)
	}

	// Insert seeds the uploaded entry, the winner appends parsing.
	if len(got.StateHistory) != 2 {
		t.Errorf("history entries = %d, want 2", len(got.StateHistory))
	}
}
