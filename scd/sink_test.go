package scd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelinecore.evalgo.org/canonical"
	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/db"
)

// fakeStore is a hand-written in-memory Store, following the same
// DI-via-interface mocking idiom as storage.MockS3Client and the
// injectable queue.AMQPDialer seam.
type fakeStore struct {
	versions   map[string]time.Time
	current    map[string]db.CurrentRow
	inserted   []db.AnalyticsRow
	updated    map[string]map[string]interface{}
	expired    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		versions: map[string]time.Time{},
		current:  map[string]db.CurrentRow{},
		updated:  map[string]map[string]interface{}{},
	}
}

func (f *fakeStore) LookupVersions(_ context.Context, _, _ string, ids []string, _ string) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	for _, id := range ids {
		if v, ok := f.versions[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeStore) LookupCurrent(_ context.Context, _, _, id string) (db.CurrentRow, bool, error) {
	row, ok := f.current[id]
	return row, ok, nil
}

func (f *fakeStore) InsertBatch(_ context.Context, _ string, rows []db.AnalyticsRow) error {
	f.inserted = append(f.inserted, rows...)
	return nil
}

func (f *fakeStore) ExpireCurrent(_ context.Context, _, _, id string) error {
	f.expired = append(f.expired, id)
	return nil
}

func (f *fakeStore) UpdateMutableColumns(_ context.Context, _, _, id string, assignments map[string]interface{}) error {
	f.updated[id] = assignments
	return nil
}

func rec(id, status, lastUpdated string) canonical.Record {
	return canonical.Record{
		ID:         id,
		Fields:     map[string]string{"id": id, "status": status, "last_updated": lastUpdated},
		RecordHash: canonical.HashFields(map[string]string{"id": id, "status": status, "last_updated": lastUpdated}),
	}
}

func TestNewSink_SelectsStrategy(t *testing.T) {
	s1, err := NewSink(config.SCDType1)
	require.NoError(t, err)
	assert.IsType(t, Type1Sink{}, s1)

	s2, err := NewSink(config.SCDType2)
	require.NoError(t, err)
	assert.IsType(t, Type2Sink{}, s2)

	_, err = NewSink(config.SCDType("bogus"))
	assert.Error(t, err)
}

func TestType1Sink_NewRecordInserts(t *testing.T) {
	store := newFakeStore()
	sink := Type1Sink{}

	stats, err := sink.Apply(context.Background(), "acme", "companies", []canonical.Record{rec("c1", "Active", "2025-01-02T00:00:00Z")}, store)
	require.NoError(t, err)
	assert.Equal(t, Stats{Inserted: 1}, stats)
	require.Len(t, store.inserted, 1)
}

func TestType1Sink_NoOpOnIdenticalVersion(t *testing.T) {
	store := newFakeStore()
	ts, _ := time.Parse(time.RFC3339, "2025-01-02T00:00:00Z")
	store.versions["c1"] = ts
	sink := Type1Sink{}

	stats, err := sink.Apply(context.Background(), "acme", "companies", []canonical.Record{rec("c1", "Active", "2025-01-02T00:00:00Z")}, store)
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 1}, stats)
	assert.Empty(t, store.inserted)
}

func TestType1Sink_NewerVersionUpdates(t *testing.T) {
	store := newFakeStore()
	older, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	store.versions["c1"] = older
	sink := Type1Sink{}

	stats, err := sink.Apply(context.Background(), "acme", "companies", []canonical.Record{rec("c1", "Active", "2025-01-02T00:00:00Z")}, store)
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 1}, stats)
	assert.Contains(t, store.updated, "c1")
}

func TestType2Sink_NewRowInserted(t *testing.T) {
	store := newFakeStore()
	sink := Type2Sink{}

	stats, err := sink.Apply(context.Background(), "acme", "tickets", []canonical.Record{rec("t1", "Open", "2025-01-02T00:00:00Z")}, store)
	require.NoError(t, err)
	assert.Equal(t, Stats{Inserted: 1}, stats)
	require.Len(t, store.inserted, 1)
}

func TestType2Sink_ChangedRowExpiresAndVersions(t *testing.T) {
	store := newFakeStore()
	existingHash := canonical.HashFields(map[string]string{"id": "t1", "status": "Open", "last_updated": "2025-01-01T00:00:00Z"})
	store.current["t1"] = db.CurrentRow{ID: "t1", RecordVersion: 1, RecordHash: existingHash}
	sink := Type2Sink{}

	stats, err := sink.Apply(context.Background(), "acme", "tickets", []canonical.Record{rec("t1", "Closed", "2025-01-03T00:00:00Z")}, store)
	require.NoError(t, err)
	assert.Equal(t, Stats{Versioned: 1}, stats)
	assert.Equal(t, []string{"t1"}, store.expired)
	require.Len(t, store.inserted, 1)
}

func TestType2Sink_UnchangedRowSkips(t *testing.T) {
	store := newFakeStore()
	hash := canonical.HashFields(map[string]string{"id": "t1", "status": "Open", "last_updated": "2025-01-01T00:00:00Z"})
	store.current["t1"] = db.CurrentRow{ID: "t1", RecordVersion: 1, RecordHash: hash}
	sink := Type2Sink{}

	rec1 := rec("t1", "Open", "2025-01-01T00:00:00Z")
	rec1.RecordHash = hash

	stats, err := sink.Apply(context.Background(), "acme", "tickets", []canonical.Record{rec1}, store)
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 1}, stats)
	assert.Empty(t, store.expired)
}
