package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termflow/termflow/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestQueue(t *testing.T) *Queue {
	return NewQueue(nil, nil, testLogger(t))
}

func TestAddAssignsUniqueMonotonicIDs(t *testing.T) {
	q := newTestQueue(t)

	seen := make(map[int64]bool)
	var lastID, lastSeq int64
	for i := 0; i < 100; i++ {
		m := q.Add("msg", "", "s1", time.Time{}, false)
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
		assert.Greater(t, m.ID, lastID)
		assert.Greater(t, m.Sequence, lastSeq)
		lastID = m.ID
		lastSeq = m.Sequence
	}
	assert.Equal(t, 100, q.Size())
}

func TestProcessedContentDefaultsToContent(t *testing.T) {
	q := newTestQueue(t)

	m := q.Add("hello", "", "s1", time.Time{}, false)
	assert.Equal(t, "hello", m.ProcessedContent)

	m = q.Add("hello", "[attachment] hello", "s1", time.Time{}, false)
	assert.Equal(t, "[attachment] hello", m.ProcessedContent)
}

func TestRemoveRoundTrip(t *testing.T) {
	q := newTestQueue(t)

	m := q.Add("msg", "", "s1", time.Time{}, false)
	got, ok := q.Remove(m.ID)
	require.True(t, ok)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, 0, q.Size())

	_, ok = q.Remove(m.ID)
	assert.False(t, ok)
}

func TestUpdate(t *testing.T) {
	q := newTestQueue(t)

	m := q.Add("old", "", "s1", time.Time{}, false)
	later := time.Now().Add(time.Hour)
	require.NoError(t, q.Update(m.ID, "new", later))

	got, ok := q.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, "new", got.Content)
	assert.Equal(t, "new", got.ProcessedContent)
	assert.True(t, got.ExecuteAt.Equal(later))

	assert.Error(t, q.Update(9999, "x", time.Time{}))
}

func TestClear(t *testing.T) {
	q := newTestQueue(t)
	q.Add("a", "", "s1", time.Time{}, false)
	q.Add("b", "", "s2", time.Time{}, false)

	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Size())
	assert.Empty(t, q.List())
}

func TestListDeliveryOrder(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()

	// Enqueued out of execute-time order.
	m2 := q.Add("second", "", "s1", now.Add(2*time.Second), false)
	m1 := q.Add("first", "", "s1", now.Add(1*time.Second), false)
	m3 := q.Add("third", "", "s1", now.Add(3*time.Second), false)

	list := q.List()
	require.Len(t, list, 3)
	assert.Equal(t, []int64{m1.ID, m2.ID, m3.ID}, []int64{list[0].ID, list[1].ID, list[2].ID})
}

func TestSequenceBreaksExecuteAtTies(t *testing.T) {
	q := newTestQueue(t)
	at := time.Now()

	first := q.Add("first", "", "s1", at, false)
	second := q.Add("second", "", "s1", at, false)

	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestEligibleBySession(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()

	dueA := q.Add("due a", "", "a", now.Add(-time.Second), false)
	q.Add("later a", "", "a", now.Add(time.Hour), false)
	dueB := q.Add("due b", "", "b", now.Add(-2*time.Second), false)
	q.Add("due c", "", "c", now.Add(-time.Second), false)

	eligible := q.EligibleBySession(now, map[string]bool{"c": true})
	require.Len(t, eligible, 2)
	assert.Equal(t, dueA.ID, eligible["a"].ID)
	assert.Equal(t, dueB.ID, eligible["b"].ID)
}

func TestEligiblePicksMinimalPerSession(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()

	q.Add("late", "", "s1", now.Add(-time.Second), false)
	earliest := q.Add("early", "", "s1", now.Add(-time.Minute), false)

	eligible := q.EligibleBySession(now, nil)
	require.Len(t, eligible, 1)
	assert.Equal(t, earliest.ID, eligible["s1"].ID)
}

func TestNextExecuteAt(t *testing.T) {
	q := newTestQueue(t)

	_, found := q.NextExecuteAt()
	assert.False(t, found)

	now := time.Now()
	q.Add("later", "", "s1", now.Add(time.Hour), false)
	soon := q.Add("soon", "", "s1", now.Add(time.Minute), false)

	at, found := q.NextExecuteAt()
	require.True(t, found)
	assert.True(t, at.Equal(soon.ExecuteAt))
}

func TestStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "termflow.db")

	store, err := NewStore(dbPath)
	require.NoError(t, err)

	q := NewQueue(store, nil, testLogger(t))
	a := q.Add("alpha", "", "s1", time.Now().Add(time.Minute), false)
	b := q.Add("beta", "", "s2", time.Now().Add(2*time.Minute), true)

	require.NoError(t, store.Close())

	store2, err := NewStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	q2 := NewQueue(store2, nil, testLogger(t))
	list := q2.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, "alpha", list[0].Content)
	assert.Equal(t, b.ID, list[1].ID)
	assert.True(t, list[1].AutoContinue)

	// Restored counters keep ids unique.
	c := q2.Add("gamma", "", "s1", time.Time{}, false)
	assert.Greater(t, c.ID, b.ID)
}

func TestPersistedStateMatchesFinalMutation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "termflow.db")

	store, err := NewStore(dbPath)
	require.NoError(t, err)

	q := NewQueue(store, nil, testLogger(t))
	kept := q.Add("kept", "", "s1", time.Now().Add(time.Hour), false)
	for i := 0; i < 50; i++ {
		m := q.Add("transient", "", "s1", time.Time{}, false)
		_, ok := q.Remove(m.ID)
		require.True(t, ok)
	}
	require.NoError(t, store.Close())

	store2, err := NewStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	loaded, err := store2.LoadQueue()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, kept.ID, loaded[0].ID)
}

func TestHistoryStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "termflow.db")
	store, err := NewStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.AddHistory(HistoryEntry{
		MessageID: 7, Content: "continue", SessionID: "s1",
		QueuedAt: now.Add(-time.Minute), InjectedAt: now,
	}))
	require.NoError(t, store.AddHistory(HistoryEntry{
		MessageID: 8, Content: "status", SessionID: "s2",
		QueuedAt: now.Add(-time.Minute), InjectedAt: now.Add(time.Second),
	}))

	hist, err := store.History(10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(8), hist[0].MessageID, "most recent first")
	assert.Equal(t, int64(7), hist[1].MessageID)
}
