package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/factline-io/factline/internal/etl"
	"github.com/factline-io/factline/internal/locking"
)

// Get fetches the concurrency-relevant projection of a record.
func (s *InMemoryRecordStore) Get(ctx context.Context, kind locking.RecordKind, id string) (*locking.VersionedRecord, error) {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	switch kind {
	case locking.KindFile:
		file, exists := s.core.files[id]
		if !exists {
			return nil, fmt.Errorf("%w: file %s", etl.ErrNotFound, id)
		}

		return &locking.VersionedRecord{
			Kind:                kind,
			ID:                  file.ID,
			Version:             file.Version,
			State:               file.State,
			LockedBy:            file.LockedBy,
			LockedAt:            copyTimePtr(file.LockedAt),
			LockExpiresAt:       copyTimePtr(file.LockExpiresAt),
			ProcessingBy:        file.ProcessingBy,
			ProcessingStartedAt: copyTimePtr(file.ProcessingStartedAt),
		}, nil
	case locking.KindRun:
		run, exists := s.core.runs[id]
		if !exists {
			return nil, fmt.Errorf("%w: run %s", etl.ErrNotFound, id)
		}

		return &locking.VersionedRecord{
			Kind:                kind,
			ID:                  run.ID,
			Version:             run.Version,
			State:               run.State,
			LockedBy:            run.LockedBy,
			LockedAt:            copyTimePtr(run.LockedAt),
			LockExpiresAt:       copyTimePtr(run.LockExpiresAt),
			ProcessingBy:        run.ProcessingBy,
			ProcessingStartedAt: copyTimePtr(run.ProcessingStartedAt),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecordKind, kind)
	}
}

// ConditionalUpdate applies the patch and bumps version when the expected
// version still matches. Returns (false, nil) on conflict.
func (s *InMemoryRecordStore) ConditionalUpdate(ctx context.Context, kind locking.RecordKind, id string, expectedVersion int64, patch locking.Patch) (bool, error) {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	return s.applyConditional(kind, id, expectedVersion, "", patch, nil)
}

// ConditionalTransition changes state, appends the history entry, applies
// the patch and bumps version when the expected version still matches.
func (s *InMemoryRecordStore) ConditionalTransition(ctx context.Context, kind locking.RecordKind, id string, expectedVersion int64, to etl.FileState, patch locking.Patch, entry etl.StateHistoryEntry) (bool, error) {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	return s.applyConditional(kind, id, expectedVersion, to, patch, &entry)
}

// applyConditional is the shared CAS path. Caller must hold the write lock.
// An empty target state means no state change. The patch is applied to a
// copy and swapped in on success, so a rejected patch key leaves the stored
// record untouched.
func (s *InMemoryRecordStore) applyConditional(kind locking.RecordKind, id string, expectedVersion int64, to etl.FileState, patch locking.Patch, entry *etl.StateHistoryEntry) (bool, error) {
	switch kind {
	case locking.KindFile:
		file, exists := s.core.files[id]
		if !exists || file.Version != expectedVersion {
			return false, nil
		}

		updated := *file
		if err := applyFilePatch(&updated, patch); err != nil {
			return false, err
		}

		if to != "" {
			updated.State = to
		}

		if entry != nil {
			updated.StateHistory = append(append([]etl.StateHistoryEntry{}, file.StateHistory...), *entry)
		}

		updated.Version++
		updated.UpdatedAt = time.Now().UTC()
		s.core.files[id] = &updated

		return true, nil
	case locking.KindRun:
		run, exists := s.core.runs[id]
		if !exists || run.Version != expectedVersion {
			return false, nil
		}

		updated := *run
		if err := applyRunPatch(&updated, patch); err != nil {
			return false, err
		}

		if to != "" {
			updated.State = to
		}

		if entry != nil {
			updated.StateHistory = append(append([]etl.StateHistoryEntry{}, run.StateHistory...), *entry)
		}

		updated.Version++
		updated.UpdatedAt = time.Now().UTC()
		s.core.runs[id] = &updated

		return true, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownRecordKind, kind)
	}
}

// AcquireLock claims the pessimistic lock when it is free, already held by
// the same owner, or expired. Lock fields do not bump the version.
func (s *InMemoryRecordStore) AcquireLock(ctx context.Context, kind locking.RecordKind, id, owner string, now, expiresAt time.Time) (bool, error) {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	fields, err := s.lockFields(kind, id)
	if err != nil {
		return false, err
	}

	free := *fields.lockedBy == "" ||
		*fields.lockedBy == owner ||
		(*fields.lockExpiresAt != nil && !(*fields.lockExpiresAt).After(now))
	if !free {
		return false, nil
	}

	lockedAt := now
	expiry := expiresAt
	*fields.lockedBy = owner
	*fields.lockedAt = &lockedAt
	*fields.lockExpiresAt = &expiry

	return true, nil
}

// ReleaseLock clears the lock fields conditioned on ownership.
func (s *InMemoryRecordStore) ReleaseLock(ctx context.Context, kind locking.RecordKind, id, owner string) (bool, error) {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	fields, err := s.lockFields(kind, id)
	if err != nil {
		return false, err
	}

	if *fields.lockedBy != owner {
		return false, nil
	}

	*fields.lockedBy = ""
	*fields.lockedAt = nil
	*fields.lockExpiresAt = nil

	return true, nil
}

// ReleaseExpiredLocks clears every expired lock of the kind.
func (s *InMemoryRecordStore) ReleaseExpiredLocks(ctx context.Context, kind locking.RecordKind, now time.Time) (int64, error) {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	var released int64

	for _, id := range s.idsOfKind(kind) {
		fields, err := s.lockFields(kind, id)
		if err != nil {
			return released, err
		}

		if *fields.lockedBy == "" || *fields.lockExpiresAt == nil || (*fields.lockExpiresAt).After(now) {
			continue
		}

		*fields.lockedBy = ""
		*fields.lockedAt = nil
		*fields.lockExpiresAt = nil
		released++
	}

	return released, nil
}

// ClearStaleSessions clears processing sessions started before the cutoff.
func (s *InMemoryRecordStore) ClearStaleSessions(ctx context.Context, kind locking.RecordKind, cutoff time.Time) (int64, error) {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	var cleared int64

	switch kind {
	case locking.KindFile:
		for _, file := range s.core.files {
			if file.ProcessingBy == "" || file.ProcessingStartedAt == nil || !file.ProcessingStartedAt.Before(cutoff) {
				continue
			}

			file.ProcessingBy = ""
			file.ProcessingStartedAt = nil
			cleared++
		}
	case locking.KindRun:
		for _, run := range s.core.runs {
			if run.ProcessingBy == "" || run.ProcessingStartedAt == nil || !run.ProcessingStartedAt.Before(cutoff) {
				continue
			}

			run.ProcessingBy = ""
			run.ProcessingStartedAt = nil
			cleared++
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownRecordKind, kind)
	}

	return cleared, nil
}

// lockFieldRefs points at a record's lock columns so the lock operations can
// share one code path across kinds. Caller must hold the write lock.
type lockFieldRefs struct {
	lockedBy      *string
	lockedAt      **time.Time
	lockExpiresAt **time.Time
}

func (s *InMemoryRecordStore) lockFields(kind locking.RecordKind, id string) (*lockFieldRefs, error) {
	switch kind {
	case locking.KindFile:
		file, exists := s.core.files[id]
		if !exists {
			return nil, fmt.Errorf("%w: file %s", etl.ErrNotFound, id)
		}

		return &lockFieldRefs{&file.LockedBy, &file.LockedAt, &file.LockExpiresAt}, nil
	case locking.KindRun:
		run, exists := s.core.runs[id]
		if !exists {
			return nil, fmt.Errorf("%w: run %s", etl.ErrNotFound, id)
		}

		return &lockFieldRefs{&run.LockedBy, &run.LockedAt, &run.LockExpiresAt}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecordKind, kind)
	}
}

func (s *InMemoryRecordStore) idsOfKind(kind locking.RecordKind) []string {
	ids := []string{}

	switch kind {
	case locking.KindFile:
		for id := range s.core.files {
			ids = append(ids, id)
		}
	case locking.KindRun:
		for id := range s.core.runs {
			ids = append(ids, id)
		}
	}

	return ids
}

func applyFilePatch(file *etl.File, patch locking.Patch) error {
	for key, value := range patch {
		switch key {
		case locking.FieldProcessingBy:
			file.ProcessingBy = asString(value)
		case locking.FieldProcessingStartedAt:
			file.ProcessingStartedAt = asTimePtr(value)
		case locking.FieldErrorMessage:
			file.ErrorMessage = asString(value)
		case locking.FieldParsedAt:
			file.ParsedAt = asTimePtr(value)
		case locking.FieldValidatedAt:
			file.ValidatedAt = asTimePtr(value)
		case locking.FieldApprovedAt:
			file.ApprovedAt = asTimePtr(value)
		case locking.FieldLoadedAt:
			file.LoadedAt = asTimePtr(value)
		case locking.FieldFailedAt:
			file.FailedAt = asTimePtr(value)
		default:
			return fmt.Errorf("%w: %s for files", ErrUnknownPatchField, key)
		}
	}

	return nil
}

func applyRunPatch(run *etl.Run, patch locking.Patch) error {
	for key, value := range patch {
		switch key {
		case locking.FieldProcessingBy:
			run.ProcessingBy = asString(value)
		case locking.FieldProcessingStartedAt:
			run.ProcessingStartedAt = asTimePtr(value)
		case locking.FieldErrorMessage:
			run.ErrorMessage = asString(value)
		case locking.FieldStartedAt:
			run.StartedAt = asTimePtr(value)
		case locking.FieldFinishedAt:
			run.FinishedAt = asTimePtr(value)
		case locking.FieldRecordsTotal:
			run.RecordsTotal = asInt(value)
		case locking.FieldRecordsProcessed:
			run.RecordsProcessed = asInt(value)
		case locking.FieldRecordsFailed:
			run.RecordsFailed = asInt(value)
		case locking.FieldParsedAt, locking.FieldValidatedAt, locking.FieldApprovedAt,
			locking.FieldLoadedAt, locking.FieldFailedAt:
			// Milestone timestamps exist on runs for lifecycle symmetry with
			// files but the run struct only tracks started/finished.
		default:
			return fmt.Errorf("%w: %s for runs", ErrUnknownPatchField, key)
		}
	}

	return nil
}

func asString(value any) string {
	s, _ := value.(string)

	return s
}

func asInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func asTimePtr(value any) *time.Time {
	switch v := value.(type) {
	case time.Time:
		t := v
		return &t
	case *time.Time:
		return v
	default:
		return nil
	}
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	value := *t

	return &value
}
