// Package timer implements the countdown that triggers queue drains.
//
// The timer is a small state machine: Idle -> Active -> Expired, with
// Paused reachable from Active. A one-second tick decrements the
// remaining time with standard borrow; reaching zero fires the expiry
// callback exactly once per cycle.
//
// In sync mode the remaining time is periodically recomputed from a
// tracked usage-limit reset instant instead of free-running. Any manual
// edit permanently switches the timer back to manual until re-armed.
package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/events"
	"github.com/termflow/termflow/internal/events/bus"
)

// State is the countdown phase.
type State string

const (
	StateIdle    State = "idle"
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateExpired State = "expired"
)

// SyncSource says where the displayed remaining time comes from.
type SyncSource string

const (
	SyncManual     SyncSource = "manual"
	SyncUsageLimit SyncSource = "usage-limit-sync"
)

// ErrZeroDuration is returned when starting a timer with no time set.
var ErrZeroDuration = errors.New("timer: cannot start with zero duration")

// ErrNotActive is returned for pause/resume calls in the wrong state.
var ErrNotActive = errors.New("timer: not active")

// Snapshot is a copy of the timer state for display.
type Snapshot struct {
	Hours      int        `json:"hours"`
	Minutes    int        `json:"minutes"`
	Seconds    int        `json:"seconds"`
	State      State      `json:"state"`
	SyncSource SyncSource `json:"sync_source"`
}

// Remaining returns the snapshot's time as a duration.
func (s Snapshot) Remaining() time.Duration {
	return time.Duration(s.Hours)*time.Hour +
		time.Duration(s.Minutes)*time.Minute +
		time.Duration(s.Seconds)*time.Second
}

// ExpiryHandler is invoked once per cycle when the countdown reaches
// zero. It runs on the tick goroutine; long work must be handed off.
type ExpiryHandler func()

// Service drives the countdown. Create with NewService, register the
// expiry handler, then Run; Close stops the tick loop.
type Service struct {
	logger *logger.Logger
	bus    bus.EventBus
	cfg    config.TimerConfig

	tick time.Duration
	now  func() time.Time

	mu           sync.Mutex
	state        State
	hours        int
	minutes      int
	seconds      int
	syncSource   SyncSource
	resetInstant time.Time
	lastSync     time.Time
	onExpiry     ExpiryHandler

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewService creates a stopped timer preloaded with the configured
// default duration.
func NewService(cfg config.TimerConfig, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		logger:     log.WithFields(zap.String("component", "timer")),
		bus:        eventBus,
		cfg:        cfg,
		tick:       time.Second,
		now:        time.Now,
		state:      StateIdle,
		hours:      cfg.DefaultHours,
		minutes:    cfg.DefaultMinutes,
		seconds:    cfg.DefaultSeconds,
		syncSource: SyncManual,
	}
}

// SetExpiryHandler registers the expiry callback.
func (s *Service) SetExpiryHandler(h ExpiryHandler) {
	s.mu.Lock()
	s.onExpiry = h
	s.mu.Unlock()
}

// Run starts the tick loop.
func (s *Service) Run() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("timer: already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("timer service started")
	return nil
}

// Close stops the tick loop. The countdown state is left as is.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("timer service stopped")
}

// Snapshot returns the current timer state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() Snapshot {
	return Snapshot{
		Hours:      s.hours,
		Minutes:    s.minutes,
		Seconds:    s.seconds,
		State:      s.state,
		SyncSource: s.syncSource,
	}
}

// Set overwrites the remaining time. This is a manual edit: it disarms
// usage-limit sync until SyncTo is called again.
func (s *Service) Set(hours, minutes, seconds int) error {
	if hours < 0 || minutes < 0 || seconds < 0 || minutes > 59 || seconds > 59 {
		return fmt.Errorf("timer: invalid duration %02d:%02d:%02d", hours, minutes, seconds)
	}

	s.mu.Lock()
	s.hours = hours
	s.minutes = minutes
	s.seconds = seconds
	s.syncSource = SyncManual
	s.resetInstant = time.Time{}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishState(snap)
	return nil
}

// Start begins the countdown from the currently set duration. Starting
// with zero time set is rejected.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.hours == 0 && s.minutes == 0 && s.seconds == 0 {
		s.mu.Unlock()
		return ErrZeroDuration
	}
	if s.state == StateActive {
		s.mu.Unlock()
		return nil
	}
	s.state = StateActive
	s.syncSource = SyncManual
	s.resetInstant = time.Time{}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("timer started", zap.Duration("remaining", snap.Remaining()))
	s.publishState(snap)
	return nil
}

// Pause suspends an active countdown.
func (s *Service) Pause() error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.state = StatePaused
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishState(snap)
	return nil
}

// Resume continues a paused countdown.
func (s *Service) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("timer: not paused")
	}
	s.state = StateActive
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishState(snap)
	return nil
}

// Stop cancels the countdown and returns to Idle, keeping the
// remaining time for display. Sync is disarmed.
func (s *Service) Stop() {
	s.mu.Lock()
	s.state = StateIdle
	s.syncSource = SyncManual
	s.resetInstant = time.Time{}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishState(snap)
}

// Reset stops the countdown and restores the configured default
// duration.
func (s *Service) Reset() {
	s.mu.Lock()
	s.state = StateIdle
	s.hours = s.cfg.DefaultHours
	s.minutes = s.cfg.DefaultMinutes
	s.seconds = s.cfg.DefaultSeconds
	s.syncSource = SyncManual
	s.resetInstant = time.Time{}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishState(snap)
}

// SyncTo arms usage-limit sync: the timer counts down to the given
// instant, periodically recomputing the remaining time. A timer already
// counting down from a manual start is left alone.
func (s *Service) SyncTo(resetAt time.Time) {
	s.mu.Lock()
	if s.state == StateActive && s.syncSource == SyncManual {
		s.mu.Unlock()
		s.logger.Info("manual countdown in progress, skipping usage-limit sync")
		return
	}
	s.syncSource = SyncUsageLimit
	s.resetInstant = resetAt
	s.lastSync = s.now()
	s.applyRemainingLocked(resetAt.Sub(s.now()))
	s.state = StateActive
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("timer synced to usage-limit reset", zap.Time("reset_at", resetAt))
	s.publishSynced(resetAt)
	s.publishState(snap)
}

func (s *Service) applyRemainingLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second) / time.Second)
	s.hours = total / 3600
	s.minutes = (total % 3600) / 60
	s.seconds = total % 60
}

func (s *Service) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.onTick()
		}
	}
}

func (s *Service) onTick() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}

	if s.syncSource == SyncUsageLimit && s.now().Sub(s.lastSync) >= s.cfg.SyncInterval() {
		s.lastSync = s.now()
		s.applyRemainingLocked(s.resetInstant.Sub(s.now()))
	} else {
		s.decrementLocked()
	}

	if s.hours == 0 && s.minutes == 0 && s.seconds == 0 {
		s.state = StateExpired
		s.syncSource = SyncManual
		s.resetInstant = time.Time{}
		handler := s.onExpiry
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.logger.Info("timer expired")
		s.publishExpired()
		s.publishState(snap)
		if handler != nil {
			handler()
		}
		return
	}
	s.mu.Unlock()
}

// decrementLocked takes one second off with standard borrow.
func (s *Service) decrementLocked() {
	if s.seconds > 0 {
		s.seconds--
		return
	}
	if s.minutes > 0 {
		s.minutes--
		s.seconds = 59
		return
	}
	if s.hours > 0 {
		s.hours--
		s.minutes = 59
		s.seconds = 59
	}
}

func (s *Service) publishState(snap Snapshot) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(events.TimerStateChanged, "timer", map[string]interface{}{
		"state":       string(snap.State),
		"hours":       snap.Hours,
		"minutes":     snap.Minutes,
		"seconds":     snap.Seconds,
		"sync_source": string(snap.SyncSource),
	})
	if err := s.bus.Publish(context.Background(), events.TimerStateChanged, evt); err != nil {
		s.logger.Warn("failed to publish timer state", zap.Error(err))
	}
}

func (s *Service) publishExpired() {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(events.TimerExpired, "timer", nil)
	if err := s.bus.Publish(context.Background(), events.TimerExpired, evt); err != nil {
		s.logger.Warn("failed to publish timer expiry", zap.Error(err))
	}
}

func (s *Service) publishSynced(resetAt time.Time) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(events.TimerSynced, "timer", map[string]interface{}{
		"reset_at": resetAt.Format(time.RFC3339),
	})
	if err := s.bus.Publish(context.Background(), events.TimerSynced, evt); err != nil {
		s.logger.Warn("failed to publish timer sync", zap.Error(err))
	}
}
