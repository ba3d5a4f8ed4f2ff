package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonzupii/chimera-logmind/pkg/types"

	"github.com/bonzupii/chimera-logmind/internal/fileingest"
	"github.com/bonzupii/chimera-logmind/internal/journal"
)

// fakeStore is a minimal in-memory stand-in for *store.Store, enough to
// exercise the ingest pipeline's dedup-by-id and cursor-advance behavior
// without a real database.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[int64]types.LogEntry
	cursors map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[int64]types.LogEntry{}, cursors: map[string]string{}}
}

func (f *fakeStore) GetCursor(_ context.Context, sourceName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[sourceName], nil
}

func (f *fakeStore) InsertLogsAndAdvanceCursor(_ context.Context, batch []types.LogEntry, sourceName, cursor string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inserted := 0
	for _, row := range batch {
		if _, exists := f.rows[row.ID]; exists {
			continue
		}
		f.rows[row.ID] = row
		inserted++
	}
	if cursor != "" {
		f.cursors[sourceName] = cursor
	}
	return inserted, nil
}

func (f *fakeStore) CountLogs(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func TestProcessRecordsDedupsOnReingest(t *testing.T) {
	st := newFakeStore()
	ing := New(st, journal.New(logrus.New()), fileingest.New(logrus.New()), logrus.New(), nil, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := make([]types.RawRecord, 0, 5)
	for i := 0; i < 5; i++ {
		records = append(records, types.RawRecord{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Hostname:  "host-a",
			Unit:      "sshd.service",
			Source:    "journal",
			Severity:  types.SeverityInfo,
			Message:   "login attempt",
			Cursor:    "c" + string(rune('1'+i)),
		})
	}

	out, err := ing.processRecords(context.Background(), "journal", records)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Inserted)
	assert.EqualValues(t, 5, out.Total)

	cursor, err := st.GetCursor(context.Background(), "journal")
	require.NoError(t, err)
	assert.Equal(t, "c5", cursor)

	out2, err := ing.processRecords(context.Background(), "journal", records)
	require.NoError(t, err)
	assert.Equal(t, 0, out2.Inserted, "identical records re-ingested must not insert again")
	assert.EqualValues(t, 5, out2.Total)
}

func TestProcessRecordsDropsUnparseableTimestamps(t *testing.T) {
	st := newFakeStore()
	ing := New(st, journal.New(logrus.New()), fileingest.New(logrus.New()), logrus.New(), nil, nil)

	records := []types.RawRecord{
		{}, // zero Timestamp: simulates an unparseable ts, must be dropped and counted
		{Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Message: "ok", Cursor: "c1"},
	}

	out, err := ing.processRecords(context.Background(), "journal", records)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Inserted)
	assert.EqualValues(t, 1, out.Total)
}

func TestProcessRecordsInsertsCursorlessRecordsWithoutAdvancingState(t *testing.T) {
	st := newFakeStore()
	ing := New(st, journal.New(logrus.New()), fileingest.New(logrus.New()), logrus.New(), nil, nil)

	records := []types.RawRecord{
		{Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Message: "no cursor here"},
	}

	out, err := ing.processRecords(context.Background(), "journal", records)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Inserted)

	cursor, err := st.GetCursor(context.Background(), "journal")
	require.NoError(t, err)
	assert.Equal(t, "", cursor, "a batch with no cursor-bearing record must not advance ingest_state")
}

func TestProcessRecordsInsertsEmptyMessageRecords(t *testing.T) {
	st := newFakeStore()
	ing := New(st, journal.New(logrus.New()), fileingest.New(logrus.New()), logrus.New(), nil, nil)

	records := []types.RawRecord{
		{Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Message: "", Cursor: "c1"},
	}

	out, err := ing.processRecords(context.Background(), "journal", records)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Inserted)
}

func TestIngestFileTerminatesOnIdleFileWithoutLimit(t *testing.T) {
	prevTimeout := fileIdleTimeout
	fileIdleTimeout = 50 * time.Millisecond
	defer func() { fileIdleTimeout = prevTimeout }()

	path := filepath.Join(t.TempDir(), "idle.log")
	require.NoError(t, os.WriteFile(path, []byte("only line\n"), 0o644))

	st := newFakeStore()
	ing := New(st, journal.New(logrus.New()), fileingest.New(logrus.New()), logrus.New(), nil, nil)

	done := make(chan struct{})
	var out Outcome
	var err error
	go func() {
		out, err = ing.IngestFile(context.Background(), path, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("IngestFile with no limit did not terminate on an idle file")
	}
	require.NoError(t, err)
	assert.Equal(t, 1, out.Inserted)
}

func TestParseOffset(t *testing.T) {
	n, ok := parseOffset("123")
	assert.True(t, ok)
	assert.EqualValues(t, 123, n)

	_, ok = parseOffset("")
	assert.False(t, ok)

	_, ok = parseOffset("not-a-number")
	assert.False(t, ok)
}
