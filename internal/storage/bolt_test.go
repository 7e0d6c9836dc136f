package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRecordToolCall_IncrementsCounter(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordToolCall("github__search", "github", 120*time.Millisecond))
	require.NoError(t, db.RecordToolCall("github__search", "github", 80*time.Millisecond))
	require.NoError(t, db.RecordToolCall("fs__read_file", "fs", 5*time.Millisecond))

	record, err := db.GetToolStats("github__search")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, uint64(2), record.Count)
	assert.Equal(t, "github", record.BackendID)
	assert.WithinDuration(t, time.Now(), record.LastUsed, 5*time.Second)

	record, err = db.GetToolStats("fs__read_file")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, uint64(1), record.Count)
}

func TestGetToolStats_MissingReturnsNil(t *testing.T) {
	db := newTestDB(t)

	record, err := db.GetToolStats("nope__tool")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestListToolStats(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordToolCall("a__one", "a", time.Millisecond))
	require.NoError(t, db.RecordToolCall("b__two", "b", time.Millisecond))

	records, err := db.ListToolStats()
	require.NoError(t, err)
	require.Len(t, records, 2)

	names := map[string]string{}
	for _, r := range records {
		names[r.ToolName] = r.BackendID
	}
	assert.Equal(t, "a", names["a__one"])
	assert.Equal(t, "b", names["b__two"])
}

func TestRecentUsage_NewestFirst(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordToolCall("a__first", "a", time.Millisecond))
	require.NoError(t, db.RecordToolCall("a__second", "a", time.Millisecond))
	require.NoError(t, db.RecordToolCall("a__third", "a", time.Millisecond))

	events, err := db.RecentUsage(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a__third", events[0].ToolName)
	assert.Equal(t, "a__second", events[1].ToolName)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestRecentUsage_LimitLargerThanJournal(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordToolCall("a__tool", "a", time.Millisecond))

	events, err := db.RecentUsage(50)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBoltDB(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.RecordToolCall("a__tool", "a", time.Millisecond))
	require.NoError(t, db.Close())

	db, err = NewBoltDB(dir, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	record, err := db.GetToolStats("a__tool")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, uint64(1), record.Count)
}
