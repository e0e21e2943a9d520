package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/detector"
	"github.com/termflow/termflow/internal/queue"
	"github.com/termflow/termflow/internal/session"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	order  []queue.Message
	delay  time.Duration
	busyOn *session.Registry // when set, claims busy like the real injector
}

func (d *fakeDispatcher) Inject(ctx context.Context, msg queue.Message) error {
	if d.busyOn != nil {
		if !d.busyOn.TrySetBusy(msg.SessionID) {
			panic("busy flag double-set for session " + msg.SessionID)
		}
		defer d.busyOn.ClearBusy(msg.SessionID)
	}
	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.delay):
		}
	}
	d.mu.Lock()
	d.order = append(d.order, msg)
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) dispatched() []queue.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]queue.Message, len(d.order))
	copy(out, d.order)
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func fastConfig() config.InjectorConfig {
	return config.InjectorConfig{
		CharDelayMinMs: 1, CharDelayMaxMs: 1,
		SubmitDelayMinMs: 1, SubmitDelayMaxMs: 1,
		SettleDelayMinMs: 1, SettleDelayMaxMs: 1,
		MaxSafetyCheckAttempts: 3,
		SafetyCheckIntervalMs:  10,
	}
}

func newTestScheduler(t *testing.T, d Dispatcher) (*Scheduler, *queue.Queue, *session.Registry) {
	q := queue.NewQueue(nil, nil, testLogger(t))
	reg := session.NewRegistry(nil, testLogger(t))
	s := New(fastConfig(), q, reg, d, nil, testLogger(t))
	s.Start()
	t.Cleanup(s.Stop)
	return s, q, reg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestDrainDispatchesReadySessionsConcurrently(t *testing.T) {
	d := &fakeDispatcher{}
	s, q, reg := newTestScheduler(t, d)

	reg.Open("1")
	reg.Open("2")
	q.Add("continue", "", "1", time.Time{}, false)
	q.Add("status", "", "2", time.Time{}, false)

	s.Trigger()

	waitFor(t, func() bool { return len(d.dispatched()) == 2 })
	assert.Equal(t, 0, q.Size(), "both messages leave the queue")

	contents := map[string]string{}
	for _, m := range d.dispatched() {
		contents[m.SessionID] = m.Content
	}
	assert.Equal(t, map[string]string{"1": "continue", "2": "status"}, contents)
}

func TestDispatchOrderFollowsExecuteAtAndSequence(t *testing.T) {
	d := &fakeDispatcher{}
	s, q, reg := newTestScheduler(t, d)
	reg.Open("s1")

	now := time.Now()
	// Enqueued out of delivery order.
	q.Add("second", "", "s1", now.Add(-2*time.Second), false)
	q.Add("first", "", "s1", now.Add(-3*time.Second), false)
	q.Add("third", "", "s1", now.Add(-1*time.Second), false)

	s.Trigger()

	waitFor(t, func() bool { return len(d.dispatched()) == 3 })
	got := d.dispatched()
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "second", got[1].Content)
	assert.Equal(t, "third", got[2].Content)
}

func TestBusySessionExcludedFromPass(t *testing.T) {
	d := &fakeDispatcher{}
	s, q, reg := newTestScheduler(t, d)
	reg.Open("s1")
	require.True(t, reg.TrySetBusy("s1"))

	q.Add("held", "", "s1", time.Time{}, false)
	s.Trigger()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, d.dispatched())
	assert.Equal(t, 1, q.Size())

	reg.ClearBusy("s1")
	s.Trigger()
	waitFor(t, func() bool { return len(d.dispatched()) == 1 })
}

func TestSafetyCheckAbandonsStalledSession(t *testing.T) {
	d := &fakeDispatcher{}
	s, q, reg := newTestScheduler(t, d)
	reg.Open("s1")
	reg.SetStatus("s1", detector.StatusRunning)

	q.Add("stuck", "", "s1", time.Time{}, false)
	s.Trigger()

	// 3 attempts at 10ms; give it time to exhaust the budget.
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, d.dispatched())
	assert.Equal(t, 1, q.Size(), "message stays queued for a future pass")
}

func TestSafetyCheckWaitsForReadiness(t *testing.T) {
	d := &fakeDispatcher{}
	s, q, reg := newTestScheduler(t, d)
	reg.Open("s1")
	reg.SetStatus("s1", detector.StatusRunning)

	q.Add("soon", "", "s1", time.Time{}, false)
	s.Trigger()

	time.Sleep(12 * time.Millisecond)
	reg.SetStatus("s1", detector.StatusReady)

	waitFor(t, func() bool { return len(d.dispatched()) == 1 })
	assert.Equal(t, 0, q.Size())
}

func TestTriggerStormInjectsEachMessageOnce(t *testing.T) {
	reg := session.NewRegistry(nil, testLogger(t))
	d := &fakeDispatcher{delay: 5 * time.Millisecond, busyOn: reg}
	q := queue.NewQueue(nil, nil, testLogger(t))
	s := New(fastConfig(), q, reg, d, nil, testLogger(t))
	s.Start()
	t.Cleanup(s.Stop)

	sessions := []string{"a", "b", "c"}
	for _, id := range sessions {
		reg.Open(id)
		for j := 0; j < 4; j++ {
			q.Add("msg", "", id, time.Time{}, false)
		}
	}

	for i := 0; i < 50; i++ {
		s.Trigger()
	}

	waitFor(t, func() bool { return len(d.dispatched()) == 12 })
	assert.Equal(t, 0, q.Size())

	seen := map[int64]bool{}
	for _, m := range d.dispatched() {
		assert.False(t, seen[m.ID], "message %d dispatched twice", m.ID)
		seen[m.ID] = true
	}
}

func TestFutureMessageWakesLater(t *testing.T) {
	d := &fakeDispatcher{}
	s, q, reg := newTestScheduler(t, d)
	reg.Open("s1")

	q.Add("later", "", "s1", time.Now().Add(150*time.Millisecond), false)
	s.Trigger()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, d.dispatched(), "not due yet")

	waitFor(t, func() bool { return len(d.dispatched()) == 1 })
}

func TestExpiryInjectsContinueAheadOfQueue(t *testing.T) {
	d := &fakeDispatcher{}
	s, q, reg := newTestScheduler(t, d)
	reg.Open("s1")
	reg.MarkUsageLimit("s1")

	q.Add("queued work", "", "s1", time.Time{}, false)

	s.HandleExpiry()

	waitFor(t, func() bool { return len(d.dispatched()) >= 1 })
	first := d.dispatched()[0]
	assert.Equal(t, "continue", first.Content)
	assert.True(t, first.AutoContinue)
	assert.Zero(t, first.ID)

	waitFor(t, func() bool {
		st, _ := reg.Get("s1")
		return !st.AwaitingContinue && !st.UsageLimitReached
	})

	// The ordinary queue drains afterwards.
	waitFor(t, func() bool { return len(d.dispatched()) == 2 })
	assert.Equal(t, "queued work", d.dispatched()[1].Content)
}

func TestExpiryKeepsUsageLimitFlagsWhenSessionNotReady(t *testing.T) {
	d := &fakeDispatcher{}
	s, _, reg := newTestScheduler(t, d)
	reg.Open("s1")
	reg.SetStatus("s1", detector.StatusRunning)
	reg.MarkUsageLimit("s1")

	s.HandleExpiry()

	// 3 attempts at 10ms; give the safety check time to give up.
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, d.dispatched(), "nothing injectable while the session is running")

	st, ok := reg.Get("s1")
	require.True(t, ok)
	assert.True(t, st.AwaitingContinue, "follow-up still owed")
	assert.True(t, st.UsageLimitReached)
}

func TestExpiryWithoutAwaitingSessionsDrainsQueue(t *testing.T) {
	d := &fakeDispatcher{}
	s, q, reg := newTestScheduler(t, d)
	reg.Open("s1")
	q.Add("normal", "", "s1", time.Time{}, false)

	s.HandleExpiry()
	waitFor(t, func() bool { return len(d.dispatched()) == 1 })
	assert.Equal(t, "normal", d.dispatched()[0].Content)
}

func TestStoppedSchedulerIgnoresTriggers(t *testing.T) {
	d := &fakeDispatcher{}
	q := queue.NewQueue(nil, nil, testLogger(t))
	reg := session.NewRegistry(nil, testLogger(t))
	s := New(fastConfig(), q, reg, d, nil, testLogger(t))

	reg.Open("s1")
	q.Add("msg", "", "s1", time.Time{}, false)

	s.Trigger() // never started
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, d.dispatched())
}
