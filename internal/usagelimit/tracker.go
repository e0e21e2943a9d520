// Package usagelimit tracks usage-limit announcements across sessions.
//
// When a session reports a usage limit with a reset time, the tracker:
// - Records the first detection and arms an auto-disable window
// - Suppresses repeated detections within a cooldown
// - Normalizes the printed reset hour into an absolute instant
// - Marks the session as awaiting a follow-up continue message
// - Hands the reset instant to the countdown timer for re-sync
//
// State is persisted to a JSON file so a restart inside a limit window
// does not forget the cooldown or the reset instant.
package usagelimit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/detector"
	"github.com/termflow/termflow/internal/events"
	"github.com/termflow/termflow/internal/events/bus"
	"github.com/termflow/termflow/internal/session"
)

// State is the persisted tracker state. FirstDetectedAt and the
// disabled flag are global, not per-session.
type State struct {
	FirstDetectedAt time.Time `json:"first_detected_at,omitempty"`
	CooldownUntil   time.Time `json:"cooldown_until,omitempty"`
	ResetInstant    time.Time `json:"reset_instant,omitempty"`
	Disabled        bool      `json:"disabled"`
}

// ResetHandler receives the resolved reset instant for timer re-sync.
type ResetHandler func(resetAt time.Time)

// Tracker consumes usage-limit detector signals and maintains the
// global limit state.
type Tracker struct {
	logger   *logger.Logger
	bus      bus.EventBus
	registry *session.Registry
	cfg      config.UsageLimitConfig

	statePath string
	onReset   ResetHandler
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// NewTracker creates a tracker and loads any persisted state. A load
// failure is logged and starts from a clean state.
func NewTracker(
	cfg config.UsageLimitConfig,
	statePath string,
	registry *session.Registry,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Tracker {
	if strings.HasPrefix(statePath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			statePath = filepath.Join(home, statePath[2:])
		}
	}
	t := &Tracker{
		logger:    log.WithFields(zap.String("component", "usage-limit-tracker")),
		bus:       eventBus,
		registry:  registry,
		cfg:       cfg,
		statePath: statePath,
		now:       time.Now,
	}
	if err := t.load(); err != nil {
		t.logger.Warn("failed to load usage-limit state, starting clean", zap.Error(err))
	}
	return t
}

// SetResetHandler registers the timer hand-off for resolved reset
// instants.
func (t *Tracker) SetResetHandler(h ResetHandler) {
	t.mu.Lock()
	t.onReset = h
	t.mu.Unlock()
}

// State returns a copy of the current tracker state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HandleDetection processes one usage-limit signal for a session.
func (t *Tracker) HandleDetection(sessionID string, sig detector.UsageLimitSignal) {
	t.mu.Lock()
	now := t.now()

	if t.state.Disabled {
		t.mu.Unlock()
		t.logger.Debug("usage-limit detection disabled, ignoring",
			zap.String("session_id", sessionID))
		return
	}

	if t.state.FirstDetectedAt.IsZero() {
		t.state.FirstDetectedAt = now
		t.logger.Info("first usage-limit detection, arming auto-disable window",
			zap.String("session_id", sessionID),
			zap.Duration("window", t.cfg.AutoDisableWindow()))
	} else if now.Sub(t.state.FirstDetectedAt) >= t.cfg.AutoDisableWindow() {
		// Detection has been firing for longer than a whole limit
		// window; treat it as stale and stand down until re-armed.
		t.state.FirstDetectedAt = time.Time{}
		t.state.Disabled = true
		t.mu.Unlock()

		t.logger.Warn("usage-limit detection auto-disabled as stale",
			zap.String("session_id", sessionID))
		t.persist()
		t.publish(events.UsageLimitSuppressed, sessionID, map[string]interface{}{"reason": "auto_disabled"})
		return
	}

	if now.Before(t.state.CooldownUntil) {
		remaining := t.state.CooldownUntil.Sub(now)
		t.mu.Unlock()

		t.logger.Info("usage-limit detection suppressed by cooldown",
			zap.String("session_id", sessionID),
			zap.Duration("remaining", remaining))
		t.publish(events.UsageLimitSuppressed, sessionID, map[string]interface{}{"reason": "cooldown"})
		return
	}

	resetAt := ComputeReset(now, sig.Hour, sig.Meridiem)
	window := resetAt.Sub(now)
	if window < t.cfg.MinResetWindow() || window > t.cfg.MaxResetWindow() {
		t.mu.Unlock()

		t.logger.Info("usage-limit reset time out of plausible window, ignoring",
			zap.String("session_id", sessionID),
			zap.Time("reset_at", resetAt),
			zap.Duration("window", window))
		t.publish(events.UsageLimitSuppressed, sessionID, map[string]interface{}{"reason": "implausible_reset"})
		return
	}

	t.state.ResetInstant = resetAt
	t.state.CooldownUntil = now.Add(t.cfg.Cooldown())
	handler := t.onReset
	t.mu.Unlock()

	t.registry.MarkUsageLimit(sessionID)
	t.logger.Info("usage limit detected",
		zap.String("session_id", sessionID),
		zap.Time("reset_at", resetAt))
	t.persist()
	t.publish(events.UsageLimitDetected, sessionID, map[string]interface{}{
		"reset_at": resetAt.Format(time.RFC3339),
	})

	if handler != nil {
		handler(resetAt)
	}
}

// ClearSession drops the limit flags for one session, typically after
// its follow-up continue message went out.
func (t *Tracker) ClearSession(sessionID string) {
	t.registry.ClearUsageLimit(sessionID)
	t.publish(events.UsageLimitCleared, sessionID, nil)
}

// Rearm begins a new manual cycle: the auto-disable latch, cooldown and
// tracked reset instant are all cleared.
func (t *Tracker) Rearm() {
	t.mu.Lock()
	t.state = State{}
	t.mu.Unlock()

	t.logger.Info("usage-limit tracker re-armed")
	t.persist()
}

// ComputeReset turns a printed 12-hour reset time into an absolute
// instant: today at that hour, rolled to tomorrow when already past.
func ComputeReset(now time.Time, hour int, meridiem string) time.Time {
	h := hour % 12
	if meridiem == "pm" {
		h += 12
	}
	reset := time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, now.Location())
	if !reset.After(now) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

func (t *Tracker) load() error {
	if t.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(t.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}

	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
	return nil
}

// persist writes tracker state to disk. Best effort: failures are
// logged and never propagated.
func (t *Tracker) persist() {
	if t.statePath == "" {
		return
	}

	t.mu.Lock()
	st := t.state
	t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(t.statePath), 0o755); err != nil {
		t.logger.Warn("failed to create usage-limit state dir", zap.Error(err))
		return
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		t.logger.Warn("failed to marshal usage-limit state", zap.Error(err))
		return
	}
	if err := os.WriteFile(t.statePath, data, 0o644); err != nil {
		t.logger.Warn("failed to write usage-limit state", zap.Error(err))
	}
}

func (t *Tracker) publish(eventType, sessionID string, data map[string]interface{}) {
	if t.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["session_id"] = sessionID
	evt := bus.NewEvent(eventType, "usage-limit-tracker", data)
	if err := t.bus.Publish(context.Background(), eventType, evt); err != nil {
		t.logger.Warn("failed to publish usage-limit event", zap.Error(err))
	}
}
