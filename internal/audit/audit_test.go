package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factline-io/factline/internal/etl"
	"github.com/factline-io/factline/internal/storage"
)

// failingSink always rejects writes, exercising the best-effort contract.
type failingSink struct{ writes int }

func (s *failingSink) Write(ctx context.Context, entry *etl.AuditEntry) error {
	s.writes++

	return errors.New("sink unavailable")
}

func TestRecord_PersistsEntryWithDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewInMemoryStore()
	logger := NewLogger(store.Audit, WithClock(func() time.Time { return now }))

	logger.Record(context.Background(), &etl.AuditEntry{
		Action:         "state_transition",
		Message:        "uploaded to parsing",
		OrganizationID: "org-1",
		FileID:         "file-1",
	})

	entries := store.Audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, now, entries[0].Timestamp)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "state_transition", entries[0].Action)
}

func TestRecord_PreservesExplicitFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	explicit := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := storage.NewInMemoryStore()
	logger := NewLogger(store.Audit)

	logger.Record(context.Background(), &etl.AuditEntry{
		Timestamp: explicit,
		Level:     "warn",
		Action:    "forced_reprocessing",
	})

	entries := store.Audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, explicit, entries[0].Timestamp)
	assert.Equal(t, "warn", entries[0].Level)
}

func TestRecord_SinkFailureIsSwallowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sink := &failingSink{}
	logger := NewLogger(sink)

	// Must not panic or surface the sink error.
	logger.Record(context.Background(), &etl.AuditEntry{Action: "state_transition"})

	assert.Equal(t, 1, sink.writes)
}

func TestRecord_NilSinkAndNilEntry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := NewLogger(nil)

	logger.Record(context.Background(), nil)
	logger.Record(context.Background(), &etl.AuditEntry{Action: "state_transition"})
}

func TestLevelFor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		level string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		if got := levelFor(tt.level).String(); got != tt.want {
			t.Errorf("levelFor(%q) = %s, want %s", tt.level, got, tt.want)
		}
	}
}
