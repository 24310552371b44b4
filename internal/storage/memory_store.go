package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/factline-io/factline/internal/etl"
	"github.com/factline-io/factline/internal/locking"
)

// Compile-time interface assertions.
var (
	_ etl.FileStore          = (*InMemoryFileStore)(nil)
	_ etl.RunStore           = (*InMemoryRunStore)(nil)
	_ etl.DeadLetterStore    = (*InMemoryDeadLetterStore)(nil)
	_ etl.FactStore          = (*InMemoryFactStore)(nil)
	_ etl.AuditSink          = (*InMemoryAuditSink)(nil)
	_ locking.VersionedStore = (*InMemoryRecordStore)(nil)
)

type (
	// memoryCore holds the shared in-memory data set. All views operate on
	// the same core, so the versioned-record view and the domain views
	// observe the same records, mirroring how the PostgreSQL stores share
	// one database.
	memoryCore struct {
		// files maps file IDs to File structs
		files map[string]*etl.File
		// runs maps run IDs to Run structs
		runs map[string]*etl.Run
		// deadLetters maps entry IDs to DeadLetterEntry structs
		deadLetters map[string]*etl.DeadLetterEntry
		// facts maps organizationID|naturalKey to FactRecord structs
		facts map[string]*etl.FactRecord
		// auditLog is the append-only run log
		auditLog []*etl.AuditEntry
		// mutex protects concurrent access to all maps
		mutex sync.RWMutex
	}

	// InMemoryStore bundles thread-safe in-memory implementations of every
	// store interface over one shared data set. Used by unit tests.
	InMemoryStore struct {
		Files       *InMemoryFileStore
		Runs        *InMemoryRunStore
		DeadLetters *InMemoryDeadLetterStore
		Facts       *InMemoryFactStore
		Audit       *InMemoryAuditSink
		Records     *InMemoryRecordStore
	}

	// InMemoryFileStore implements etl.FileStore over the shared core.
	InMemoryFileStore struct{ core *memoryCore }

	// InMemoryRunStore implements etl.RunStore over the shared core.
	InMemoryRunStore struct{ core *memoryCore }

	// InMemoryDeadLetterStore implements etl.DeadLetterStore over the shared core.
	InMemoryDeadLetterStore struct{ core *memoryCore }

	// InMemoryFactStore implements etl.FactStore over the shared core.
	InMemoryFactStore struct{ core *memoryCore }

	// InMemoryAuditSink implements etl.AuditSink over the shared core.
	InMemoryAuditSink struct{ core *memoryCore }

	// InMemoryRecordStore implements locking.VersionedStore over the shared core.
	InMemoryRecordStore struct{ core *memoryCore }
)

// NewInMemoryStore creates a new thread-safe in-memory store bundle.
func NewInMemoryStore() *InMemoryStore {
	core := &memoryCore{
		files:       make(map[string]*etl.File),
		runs:        make(map[string]*etl.Run),
		deadLetters: make(map[string]*etl.DeadLetterEntry),
		facts:       make(map[string]*etl.FactRecord),
	}

	return &InMemoryStore{
		Files:       &InMemoryFileStore{core: core},
		Runs:        &InMemoryRunStore{core: core},
		DeadLetters: &InMemoryDeadLetterStore{core: core},
		Facts:       &InMemoryFactStore{core: core},
		Audit:       &InMemoryAuditSink{core: core},
		Records:     &InMemoryRecordStore{core: core},
	}
}

// Insert stores a new file record with version 1 and a single uploaded
// history entry.
func (s *InMemoryFileStore) Insert(ctx context.Context, file *etl.File) error {
	if err := file.Validate(); err != nil {
		return err
	}

	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	now := time.Now().UTC()

	fileCopy := *file
	fileCopy.Version = 1
	fileCopy.CreatedAt = now
	fileCopy.UpdatedAt = now

	if fileCopy.UploadedAt.IsZero() {
		fileCopy.UploadedAt = now
	}

	if len(fileCopy.StateHistory) == 0 {
		fileCopy.StateHistory = []etl.StateHistoryEntry{{
			State:     fileCopy.State,
			Timestamp: fileCopy.UploadedAt,
		}}
	}

	s.core.files[fileCopy.ID] = &fileCopy
	file.Version = fileCopy.Version

	return nil
}

// Get retrieves a file by id.
func (s *InMemoryFileStore) Get(ctx context.Context, id string) (*etl.File, error) {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	file, exists := s.core.files[id]
	if !exists {
		return nil, fmt.Errorf("%w: file %s", etl.ErrNotFound, id)
	}

	fileCopy := *file

	return &fileCopy, nil
}

// FindByChecksum returns files in the organization sharing the checksum,
// most recently uploaded first.
func (s *InMemoryFileStore) FindByChecksum(ctx context.Context, organizationID, checksum, excludeID string) ([]*etl.File, error) {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	matches := []*etl.File{}

	for _, file := range s.core.files {
		if file.OrganizationID != organizationID || file.Checksum != checksum {
			continue
		}

		if excludeID != "" && file.ID == excludeID {
			continue
		}

		fileCopy := *file
		matches = append(matches, &fileCopy)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UploadedAt.After(matches[j].UploadedAt)
	})

	return matches, nil
}

// Insert stores a new run with version 1 and a monotonic run number.
func (s *InMemoryRunStore) Insert(ctx context.Context, run *etl.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	now := time.Now().UTC()
	maxRunNumber := 0

	for _, existing := range s.core.runs {
		if existing.FileID == run.FileID && existing.RunNumber > maxRunNumber {
			maxRunNumber = existing.RunNumber
		}
	}

	runCopy := *run
	runCopy.RunNumber = maxRunNumber + 1
	runCopy.Version = 1
	runCopy.CreatedAt = now
	runCopy.UpdatedAt = now

	if len(runCopy.StateHistory) == 0 {
		runCopy.StateHistory = []etl.StateHistoryEntry{{
			State:     runCopy.State,
			Timestamp: now,
		}}
	}

	s.core.runs[runCopy.ID] = &runCopy
	run.RunNumber = runCopy.RunNumber
	run.Version = runCopy.Version

	return nil
}

// Get retrieves a run by id.
func (s *InMemoryRunStore) Get(ctx context.Context, id string) (*etl.Run, error) {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	run, exists := s.core.runs[id]
	if !exists {
		return nil, fmt.Errorf("%w: run %s", etl.ErrNotFound, id)
	}

	runCopy := *run

	return &runCopy, nil
}

// RetryReady returns all runs in state failed with next_retry_at at or
// before now, ordered by next_retry_at ascending.
func (s *InMemoryRunStore) RetryReady(ctx context.Context, now time.Time) ([]*etl.Run, error) {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	ready := []*etl.Run{}

	for _, run := range s.core.runs {
		if run.State != etl.StateFailed || run.NextRetryAt == nil || run.NextRetryAt.After(now) {
			continue
		}

		runCopy := *run
		ready = append(ready, &runCopy)
	}

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextRetryAt.Before(*ready[j].NextRetryAt)
	})

	return ready, nil
}

// ScheduleRetry persists the failure, increments retry_count and bumps
// version atomically.
func (s *InMemoryRunStore) ScheduleRetry(ctx context.Context, runID string, nextRetryAt time.Time, message string, details map[string]any) error {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	run, exists := s.core.runs[runID]
	if !exists {
		return fmt.Errorf("%w: run %s", etl.ErrNotFound, runID)
	}

	retryAt := nextRetryAt
	run.RetryCount++
	run.NextRetryAt = &retryAt
	run.ErrorMessage = message
	run.ErrorDetails = details
	run.Version++
	run.UpdatedAt = time.Now().UTC()

	return nil
}

// ResetRetryState zeroes retry_count and re-arms next_retry_at.
func (s *InMemoryRunStore) ResetRetryState(ctx context.Context, runID string, nextRetryAt time.Time) error {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	run, exists := s.core.runs[runID]
	if !exists {
		return fmt.Errorf("%w: run %s", etl.ErrNotFound, runID)
	}

	retryAt := nextRetryAt
	run.RetryCount = 0
	run.NextRetryAt = &retryAt
	run.Version++
	run.UpdatedAt = time.Now().UTC()

	return nil
}

// Add enqueues a terminal failure record.
func (s *InMemoryDeadLetterStore) Add(ctx context.Context, entry *etl.DeadLetterEntry) error {
	if entry.RunID == "" {
		return etl.ErrRunIDEmpty
	}

	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	now := time.Now().UTC()

	entryCopy := *entry
	entryCopy.CreatedAt = now
	entryCopy.UpdatedAt = now

	s.core.deadLetters[entryCopy.ID] = &entryCopy

	return nil
}

// Get retrieves an entry by id.
func (s *InMemoryDeadLetterStore) Get(ctx context.Context, id string) (*etl.DeadLetterEntry, error) {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	entry, exists := s.core.deadLetters[id]
	if !exists {
		return nil, fmt.Errorf("%w: dead-letter entry %s", etl.ErrNotFound, id)
	}

	entryCopy := *entry

	return &entryCopy, nil
}

// List returns entries for the organization, newest first, paginated.
func (s *InMemoryDeadLetterStore) List(ctx context.Context, organizationID string, limit, offset int) ([]*etl.DeadLetterEntry, error) {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	if limit <= 0 {
		limit = defaultDeadLetterListLimit
	}

	if offset < 0 {
		offset = 0
	}

	all := []*etl.DeadLetterEntry{}

	for _, entry := range s.core.deadLetters {
		if entry.OrganizationID != organizationID {
			continue
		}

		entryCopy := *entry
		all = append(all, &entryCopy)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []*etl.DeadLetterEntry{}, nil
	}

	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	return all[offset:end], nil
}

// MarkForRetry flags an entry for manual promotion.
func (s *InMemoryDeadLetterStore) MarkForRetry(ctx context.Context, id string, retryAfter time.Time) error {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	entry, exists := s.core.deadLetters[id]
	if !exists {
		return fmt.Errorf("%w: dead-letter entry %s", etl.ErrNotFound, id)
	}

	after := retryAfter
	entry.MarkedForRetry = true
	entry.RetryAfter = &after
	entry.UpdatedAt = time.Now().UTC()

	return nil
}

// ListMarked returns entries marked for retry whose retry_after has passed.
func (s *InMemoryDeadLetterStore) ListMarked(ctx context.Context, now time.Time) ([]*etl.DeadLetterEntry, error) {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	marked := []*etl.DeadLetterEntry{}

	for _, entry := range s.core.deadLetters {
		if !entry.MarkedForRetry || entry.RetryAfter == nil || entry.RetryAfter.After(now) {
			continue
		}

		entryCopy := *entry
		marked = append(marked, &entryCopy)
	}

	sort.Slice(marked, func(i, j int) bool {
		return marked[i].RetryAfter.Before(*marked[j].RetryAfter)
	})

	return marked, nil
}

// Delete removes an entry.
func (s *InMemoryDeadLetterStore) Delete(ctx context.Context, id string) error {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	if _, exists := s.core.deadLetters[id]; !exists {
		return fmt.Errorf("%w: dead-letter entry %s", etl.ErrNotFound, id)
	}

	delete(s.core.deadLetters, id)

	return nil
}

// DeleteOlderThan removes unmarked entries created before cutoff.
func (s *InMemoryDeadLetterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	var deleted int64

	for id, entry := range s.core.deadLetters {
		if entry.MarkedForRetry || !entry.CreatedAt.Before(cutoff) {
			continue
		}

		delete(s.core.deadLetters, id)
		deleted++
	}

	return deleted, nil
}

// FindByNaturalKey retrieves the fact row for (organization, natural key).
func (s *InMemoryFactStore) FindByNaturalKey(ctx context.Context, organizationID, naturalKey string) (*etl.FactRecord, error) {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	record, exists := s.core.facts[factKey(organizationID, naturalKey)]
	if !exists {
		return nil, fmt.Errorf("%w: fact %s", etl.ErrNotFound, naturalKey)
	}

	recordCopy := *record

	return &recordCopy, nil
}

// Insert stores a new fact record.
func (s *InMemoryFactStore) Insert(ctx context.Context, record *etl.FactRecord) error {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	now := time.Now().UTC()

	recordCopy := *record

	if recordCopy.CreatedAt.IsZero() {
		recordCopy.CreatedAt = now
	}

	recordCopy.UpdatedAt = now

	s.core.facts[factKey(recordCopy.OrganizationID, recordCopy.NaturalKey)] = &recordCopy

	return nil
}

// Update rewrites the tracked fields of an existing fact record in place.
func (s *InMemoryFactStore) Update(ctx context.Context, record *etl.FactRecord) error {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	key := factKey(record.OrganizationID, record.NaturalKey)

	existing, exists := s.core.facts[key]
	if !exists {
		return fmt.Errorf("%w: fact %s", etl.ErrNotFound, record.NaturalKey)
	}

	recordCopy := *record
	recordCopy.ID = existing.ID
	recordCopy.CreatedAt = existing.CreatedAt
	recordCopy.UpdatedAt = time.Now().UTC()

	s.core.facts[key] = &recordCopy

	return nil
}

// DeleteBySourceFile removes all fact rows loaded from the given file.
func (s *InMemoryFactStore) DeleteBySourceFile(ctx context.Context, organizationID, fileID string) (int64, error) {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	var deleted int64

	for key, record := range s.core.facts {
		if record.OrganizationID != organizationID || record.SourceFileID != fileID {
			continue
		}

		delete(s.core.facts, key)
		deleted++
	}

	return deleted, nil
}

// Write appends one audit entry to the in-memory run log.
func (s *InMemoryAuditSink) Write(ctx context.Context, entry *etl.AuditEntry) error {
	s.core.mutex.Lock()
	defer s.core.mutex.Unlock()

	entryCopy := *entry
	s.core.auditLog = append(s.core.auditLog, &entryCopy)

	return nil
}

// Entries returns a snapshot of the run log, used by tests.
func (s *InMemoryAuditSink) Entries() []*etl.AuditEntry {
	s.core.mutex.RLock()
	defer s.core.mutex.RUnlock()

	entries := make([]*etl.AuditEntry, len(s.core.auditLog))
	for i, entry := range s.core.auditLog {
		entryCopy := *entry
		entries[i] = &entryCopy
	}

	return entries
}

func factKey(organizationID, naturalKey string) string {
	return organizationID + "|" + naturalKey
}
