package usagelimit

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/detector"
	"github.com/termflow/termflow/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testConfig() config.UsageLimitConfig {
	return config.UsageLimitConfig{
		CooldownMinutes:       30,
		MinResetWindowMinutes: 2,
		MaxResetWindowHours:   5,
		AutoDisableHours:      5,
	}
}

type resetRecorder struct {
	mu    sync.Mutex
	calls []time.Time
}

func (r *resetRecorder) handler(at time.Time) {
	r.mu.Lock()
	r.calls = append(r.calls, at)
	r.mu.Unlock()
}

func (r *resetRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestTracker(t *testing.T, statePath string) (*Tracker, *session.Registry, *resetRecorder) {
	reg := session.NewRegistry(nil, testLogger(t))
	reg.Open("s1")
	tr := NewTracker(testConfig(), statePath, reg, nil, testLogger(t))
	rec := &resetRecorder{}
	tr.SetResetHandler(rec.handler)
	return tr, reg, rec
}

func TestComputeReset(t *testing.T) {
	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		hour     int
		meridiem string
		want     time.Time
	}{
		{"afternoon ahead", 3, "pm", time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC)},
		{"morning already past rolls over", 9, "am", time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)},
		{"noon", 12, "pm", time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)},
		{"midnight rolls over", 12, "am", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
		{"same hour rolls over", 10, "am", time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeReset(base, tt.hour, tt.meridiem))
		})
	}
}

func TestDetectionMarksSessionAndSyncsTimer(t *testing.T) {
	tr, reg, rec := newTestTracker(t, "")
	now := time.Date(2026, 8, 31, 13, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 3, Meridiem: "pm"})

	s, _ := reg.Get("s1")
	assert.True(t, s.UsageLimitReached)
	assert.True(t, s.AwaitingContinue)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC), rec.calls[0])

	st := tr.State()
	assert.Equal(t, now, st.FirstDetectedAt)
	assert.Equal(t, now.Add(30*time.Minute), st.CooldownUntil)
}

func TestRepeatedDetectionSuppressedByCooldown(t *testing.T) {
	tr, _, rec := newTestTracker(t, "")
	now := time.Date(2026, 8, 31, 13, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 3, Meridiem: "pm"})

	// Same phrase scrolls past again ten minutes later.
	now = now.Add(10 * time.Minute)
	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 3, Meridiem: "pm"})

	assert.Equal(t, 1, rec.count(), "second detection within cooldown must be suppressed")

	// Past the cooldown it may fire again.
	now = now.Add(25 * time.Minute)
	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 3, Meridiem: "pm"})
	assert.Equal(t, 2, rec.count())
}

func TestImplausibleResetWindowIgnored(t *testing.T) {
	tr, reg, rec := newTestTracker(t, "")

	t.Run("too close", func(t *testing.T) {
		tr.now = func() time.Time { return time.Date(2026, 8, 31, 14, 59, 30, 0, time.UTC) }
		tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 3, Meridiem: "pm"})

		s, _ := reg.Get("s1")
		assert.False(t, s.UsageLimitReached)
		assert.Zero(t, rec.count())
	})

	t.Run("too far", func(t *testing.T) {
		tr.now = func() time.Time { return time.Date(2026, 8, 31, 2, 0, 0, 0, time.UTC) }
		tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 10, Meridiem: "pm"})

		s, _ := reg.Get("s1")
		assert.False(t, s.UsageLimitReached)
		assert.Zero(t, rec.count())
	})
}

func TestAutoDisableAfterStaleWindow(t *testing.T) {
	tr, reg, rec := newTestTracker(t, "")
	start := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	now := start
	tr.now = func() time.Time { return now }

	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 10, Meridiem: "am"})
	require.Equal(t, 1, rec.count())

	// Six hours later the detector is still firing; that is stale.
	now = start.Add(6 * time.Hour)
	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 4, Meridiem: "pm"})
	assert.Equal(t, 1, rec.count())
	assert.True(t, tr.State().Disabled)

	// Everything is ignored until a manual re-arm.
	now = now.Add(time.Hour)
	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 8, Meridiem: "pm"})
	assert.Equal(t, 1, rec.count())

	tr.Rearm()
	reg.ClearUsageLimit("s1")
	assert.False(t, tr.State().Disabled)

	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 8, Meridiem: "pm"})
	assert.Equal(t, 2, rec.count())
}

func TestStatePersistedAcrossRestarts(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "usage-limit.json")

	tr, _, _ := newTestTracker(t, statePath)
	now := time.Date(2026, 8, 31, 13, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 3, Meridiem: "pm"})

	reg := session.NewRegistry(nil, testLogger(t))
	reloaded := NewTracker(testConfig(), statePath, reg, nil, testLogger(t))
	st := reloaded.State()
	assert.Equal(t, now.Add(30*time.Minute), st.CooldownUntil.UTC())
	assert.Equal(t, time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC), st.ResetInstant.UTC())
	assert.False(t, st.Disabled)
}

func TestClearSession(t *testing.T) {
	tr, reg, _ := newTestTracker(t, "")
	now := time.Date(2026, 8, 31, 13, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.HandleDetection("s1", detector.UsageLimitSignal{Hour: 3, Meridiem: "pm"})
	tr.ClearSession("s1")

	s, _ := reg.Get("s1")
	assert.False(t, s.UsageLimitReached)
	assert.False(t, s.AwaitingContinue)
}
