package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/detector"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestRegistryOpenCloseList(t *testing.T) {
	r := NewRegistry(nil, testLogger(t))

	r.Open("b")
	r.Open("a")
	r.Open("a") // idempotent

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	s, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, detector.StatusReady, s.Status)
	assert.False(t, s.Busy)

	r.Close("a")
	_, ok = r.Get("a")
	assert.False(t, ok)
}

func TestRegistryBusyMutualExclusion(t *testing.T) {
	r := NewRegistry(nil, testLogger(t))
	r.Open("s1")

	require.True(t, r.TrySetBusy("s1"))
	assert.False(t, r.TrySetBusy("s1"), "second claim must fail while busy")

	r.ClearBusy("s1")
	assert.True(t, r.TrySetBusy("s1"))
}

func TestRegistryBusySingleWinnerUnderContention(t *testing.T) {
	r := NewRegistry(nil, testLogger(t))
	r.Open("s1")

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- r.TrySetBusy("s1")
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one claimant may win the busy flag")
}

func TestRegistryBusyUnknownSession(t *testing.T) {
	r := NewRegistry(nil, testLogger(t))
	assert.False(t, r.TrySetBusy("ghost"))
}

func TestRegistryUsageLimitFlags(t *testing.T) {
	r := NewRegistry(nil, testLogger(t))
	r.Open("s1")
	r.Open("s2")

	r.MarkUsageLimit("s1")
	s, _ := r.Get("s1")
	assert.True(t, s.UsageLimitReached)
	assert.True(t, s.AwaitingContinue)

	assert.Equal(t, []string{"s1"}, r.AwaitingContinue())

	r.ClearUsageLimit("s1")
	s, _ = r.Get("s1")
	assert.False(t, s.UsageLimitReached)
	assert.False(t, s.AwaitingContinue)
	assert.Empty(t, r.AwaitingContinue())
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry(nil, testLogger(t))
	r.Open("s1")
	r.Open("s2")

	require.True(t, r.TrySetBusy("s1"))
	r.SetBlocked("s2", true)
	r.MarkUsageLimit("s2")

	r.ResetAll()

	for _, s := range r.List() {
		assert.False(t, s.Busy)
		assert.False(t, s.Blocked)
		assert.False(t, s.UsageLimitReached)
		assert.False(t, s.AwaitingContinue)
	}
}

func TestRegistrySetStatusCreatesRecord(t *testing.T) {
	r := NewRegistry(nil, testLogger(t))

	r.SetStatus("new", detector.StatusRunning)
	s, ok := r.Get("new")
	require.True(t, ok)
	assert.Equal(t, detector.StatusRunning, s.Status)

	r.SetStatus("new", detector.StatusPrompting)
	s, _ = r.Get("new")
	assert.Equal(t, detector.StatusPrompting, s.Status)
}

func TestRegistryBusySet(t *testing.T) {
	r := NewRegistry(nil, testLogger(t))
	r.Open("a")
	r.Open("b")
	r.Open("c")

	require.True(t, r.TrySetBusy("a"))
	require.True(t, r.TrySetBusy("c"))

	busy := r.BusySet()
	assert.Equal(t, map[string]bool{"a": true, "c": true}, busy)
}
