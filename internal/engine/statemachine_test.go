package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factline-io/factline/internal/audit"
	"github.com/factline-io/factline/internal/dedup"
	"github.com/factline-io/factline/internal/etl"
	"github.com/factline-io/factline/internal/locking"
	"github.com/factline-io/factline/internal/retrydlq"
	"github.com/factline-io/factline/internal/storage"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T) (*StateMachine, *storage.InMemoryStore) {
	t.Helper()

	store := storage.NewInMemoryStore()
	clock := func() time.Time { return testNow }

	locks := locking.NewService(store.Records, locking.Config{
		MaxRetries:        3,
		RetryDelay:        time.Microsecond,
		BackoffMultiplier: 2,
		LockTTL:           2 * time.Minute,
		ProcessingTimeout: 5 * time.Minute,
	}, locking.WithClock(clock))

	retries := retrydlq.NewService(store.Runs, store.DeadLetters, retrydlq.Config{
		MaxRetries: 3,
		Backoff: retrydlq.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxDelay:     5 * time.Minute,
			Jitter:       false,
		},
	}, retrydlq.WithClock(clock))

	dupes := dedup.NewService(store.Files, store.Audit, dedup.WithClock(clock))
	auditor := audit.NewLogger(store.Audit, audit.WithClock(clock))

	machine := NewStateMachine(locks, retries, dupes, auditor, WithClock(clock))

	return machine, store
}

func seedFile(t *testing.T, store *storage.InMemoryStore, id string, state etl.FileState) {
	t.Helper()

	require.NoError(t, store.Files.Insert(context.Background(), &etl.File{
		ID:             id,
		OrganizationID: "org-1",
		Filename:       id + ".xlsx",
		Checksum:       "sum-" + id,
		State:          state,
		UploadedAt:     testNow.Add(-time.Hour),
	}))
}

func seedRun(t *testing.T, store *storage.InMemoryStore, id string, state etl.FileState) {
	t.Helper()

	require.NoError(t, store.Runs.Insert(context.Background(), &etl.Run{
		ID:             id,
		FileID:         "file-1",
		OrganizationID: "org-1",
		State:          state,
	}))
}

func TestTransitionState_MovesFileAndRecordsAudit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)
	seedFile(t, store, "file-1", etl.StateUploaded)

	result, err := machine.TransitionState(ctx, TransitionRequest{
		Kind:      locking.KindFile,
		ID:        "file-1",
		From:      etl.StateUploaded,
		To:        etl.StateParsing,
		SessionID: "session-1",
		Actor:     "worker-1",
		Message:   "parse started",
	})
	require.NoError(t, err)

	assert.Equal(t, etl.StateUploaded, result.PreviousState)
	assert.Equal(t, etl.StateParsing, result.CurrentState)
	assert.False(t, result.StaleSessionTakeover)

	file, err := store.Files.Get(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, etl.StateParsing, file.State)
	assert.Equal(t, int64(2), file.Version)
	assert.Equal(t, "session-1", file.ProcessingBy)
	require.Len(t, file.StateHistory, 2)
	assert.Equal(t, etl.StateParsing, file.StateHistory[1].State)
	assert.Equal(t, "worker-1", file.StateHistory[1].Actor)

	entries := store.Audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "state_transition", entries[0].Action)
	assert.Equal(t, "file-1", entries[0].FileID)
	assert.Equal(t, "info", entries[0].Level)
}

func TestTransitionState_StampsMilestoneTimestamp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)
	seedFile(t, store, "file-1", etl.StateParsing)

	_, err := machine.TransitionState(ctx, TransitionRequest{
		Kind: locking.KindFile,
		ID:   "file-1",
		From: etl.StateParsing,
		To:   etl.StateParsed,
	})
	require.NoError(t, err)

	file, err := store.Files.Get(ctx, "file-1")
	require.NoError(t, err)
	require.NotNil(t, file.ParsedAt)
	assert.Equal(t, testNow, *file.ParsedAt)
}

func TestTransitionState_RejectsInvalidTransition(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)
	seedFile(t, store, "file-1", etl.StateLoaded)

	_, err := machine.TransitionState(ctx, TransitionRequest{
		Kind: locking.KindFile,
		ID:   "file-1",
		From: etl.StateLoaded,
		To:   etl.StateParsing,
	})

	assert.True(t, errors.Is(err, etl.ErrInvalidTransition))
	assert.Empty(t, store.Audit.Entries())
}

func TestHandleRunFailure_TransientSchedulesRetry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)
	seedRun(t, store, "run-1", etl.StateParsing)

	cause := retrydlq.Transient(errors.New("connection reset"))

	result, err := machine.HandleRunFailure(ctx, "run-1", etl.StateParsing, "session-1", cause, nil)
	require.NoError(t, err)

	assert.True(t, result.ShouldRetry)
	require.NotNil(t, result.NextRetryAt)
	assert.Equal(t, testNow.Add(time.Second), *result.NextRetryAt)

	run, err := store.Runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, etl.StateFailed, run.State)
	assert.Equal(t, 1, run.RetryCount)
	assert.Contains(t, run.ErrorMessage, "connection reset")
}

func TestHandleRunFailure_NonTransientDeadLetters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)
	seedRun(t, store, "run-1", etl.StateValidating)

	cause := retrydlq.NonTransient(errors.New("row 7: malformed date"))

	result, err := machine.HandleRunFailure(ctx, "run-1", etl.StateValidating, "session-1", cause, map[string]any{"row": 7})
	require.NoError(t, err)

	assert.False(t, result.ShouldRetry)
	assert.False(t, result.MaxRetriesExceeded)
	require.NotEmpty(t, result.DeadLetterID)

	entry, err := store.DeadLetters.Get(ctx, result.DeadLetterID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", entry.RunID)
	assert.False(t, entry.MaxRetriesExceeded)
}

func TestHandleRunFailure_InvalidFromState(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)
	seedRun(t, store, "run-1", etl.StateUploaded)

	// uploaded → failed is not in the lifecycle table.
	_, err := machine.HandleRunFailure(ctx, "run-1", etl.StateUploaded, "session-1", errors.New("x"), nil)
	assert.True(t, errors.Is(err, etl.ErrInvalidTransition))
}

func TestGateUpload_BlocksRecentLoadedDuplicate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)

	require.NoError(t, store.Files.Insert(ctx, &etl.File{
		ID:             "file-prior",
		OrganizationID: "org-1",
		Filename:       "prior.xlsx",
		Checksum:       "dupe-sum",
		State:          etl.StateLoaded,
		UploadedAt:     testNow.Add(-time.Hour),
	}))

	check, err := machine.GateUpload(ctx, "org-1", "dupe-sum", "")
	assert.True(t, errors.Is(err, ErrDuplicateFile))
	require.NotNil(t, check)
	assert.True(t, check.IsDuplicate)
	assert.False(t, check.AllowReprocessing)
}

func TestGateUpload_AllowsFreshChecksum(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, _ := newTestMachine(t)

	check, err := machine.GateUpload(ctx, "org-1", "fresh-sum", "")
	require.NoError(t, err)
	assert.False(t, check.IsDuplicate)
}

func TestForceReprocessing_UnblocksGate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)

	require.NoError(t, store.Files.Insert(ctx, &etl.File{
		ID:             "file-prior",
		OrganizationID: "org-1",
		Filename:       "prior.xlsx",
		Checksum:       "dupe-sum",
		State:          etl.StateLoaded,
		UploadedAt:     testNow.Add(-time.Hour),
	}))

	check, err := machine.ForceReprocessing(ctx, "org-1", "dupe-sum", dedup.ReprocessingOptions{
		ActorID: "admin@example.com",
	})
	require.NoError(t, err)
	assert.True(t, check.AllowReprocessing)
}

func TestPromoteRetryReadyRuns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)

	seedRun(t, store, "run-due", etl.StateFailed)
	require.NoError(t, store.Runs.ScheduleRetry(ctx, "run-due", testNow.Add(-time.Minute), "flaky", nil))

	seedRun(t, store, "run-later", etl.StateFailed)
	require.NoError(t, store.Runs.ScheduleRetry(ctx, "run-later", testNow.Add(time.Hour), "flaky", nil))

	promoted, err := machine.PromoteRetryReadyRuns(ctx, "scheduler-1")
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	due, err := store.Runs.Get(ctx, "run-due")
	require.NoError(t, err)
	assert.Equal(t, etl.StateParsing, due.State)

	later, err := store.Runs.Get(ctx, "run-later")
	require.NoError(t, err)
	assert.Equal(t, etl.StateFailed, later.State)
}

func TestWithFileLock_RunsOperationUnderLock(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	machine, store := newTestMachine(t)
	seedFile(t, store, "file-1", etl.StateUploaded)

	ran := false

	err := machine.WithFileLock(ctx, "file-1", "worker-1", time.Minute, func(ctx context.Context) error {
		ran = true

		file, err := store.Files.Get(ctx, "file-1")
		require.NoError(t, err)
		assert.Equal(t, "worker-1", file.LockedBy)

		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	file, err := store.Files.Get(ctx, "file-1")
	require.NoError(t, err)
	assert.Empty(t, file.LockedBy)
}
