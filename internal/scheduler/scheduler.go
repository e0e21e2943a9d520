// Package scheduler selects eligible queued messages and hands them to
// the injector.
//
// A selection pass runs on every trigger: timer expiry, manual drain
// request, a timed wake for a future message, or the completion of a
// previous injection. Busy sessions are excluded for the whole pass;
// for each remaining session the single minimal (ExecuteAt, Sequence)
// message is dispatched once the session passes a readiness safety
// check. Sessions are independent and dispatch concurrently; within one
// session the busy flag serializes everything.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/detector"
	"github.com/termflow/termflow/internal/queue"
	"github.com/termflow/termflow/internal/session"
)

// minWakeDelay floors the timed re-run of the selection pass.
const minWakeDelay = 100 * time.Millisecond

// continueContent is the synthetic follow-up injected into sessions
// that hit a usage limit, once the limit window ends.
const continueContent = "continue"

// Dispatcher performs one injection. *injector.Injector satisfies it.
type Dispatcher interface {
	Inject(ctx context.Context, msg queue.Message) error
}

// LimitClearer drops a session's usage-limit flags after its follow-up
// went out. *usagelimit.Tracker satisfies it.
type LimitClearer interface {
	ClearSession(sessionID string)
}

// Scheduler drives queue drains.
type Scheduler struct {
	logger   *logger.Logger
	cfg      config.InjectorConfig
	queue    *queue.Queue
	registry *session.Registry
	injector Dispatcher
	limits   LimitClearer // nil when no tracker is wired

	now func() time.Time

	// passActive is the re-entrancy guard: one selection pass at a
	// time, concurrent triggers are no-ops.
	passActive atomic.Bool

	mu        sync.Mutex
	wakeTimer *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	pending   map[string]bool // sessions with a dispatch in progress

	wg sync.WaitGroup
}

// New creates a scheduler.
func New(
	cfg config.InjectorConfig,
	q *queue.Queue,
	registry *session.Registry,
	dispatcher Dispatcher,
	limits LimitClearer,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		logger:   log.WithFields(zap.String("component", "scheduler")),
		cfg:      cfg,
		queue:    q,
		registry: registry,
		injector: dispatcher,
		limits:   limits,
		now:      time.Now,
		pending:  make(map[string]bool),
	}
}

// Start makes the scheduler accept triggers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	s.mu.Unlock()

	s.logger.Info("scheduler started")
}

// Stop cancels in-flight dispatches and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger requests a selection pass. It returns immediately; if a pass
// is already running the trigger is a no-op and the in-flight pass will
// re-schedule as needed.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	if !s.passActive.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.passActive.Store(false)
		s.runPass(ctx)
	}()
}

// HandleExpiry is the timer-expiry entry point. Sessions still owed a
// usage-limit follow-up get a synthetic continue message ahead of the
// general queue; otherwise the expiry starts an ordinary drain.
func (s *Scheduler) HandleExpiry() {
	awaiting := s.registry.AwaitingContinue()
	if len(awaiting) == 0 {
		s.Trigger()
		return
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Info("timer expired with sessions awaiting continue",
		zap.Int("count", len(awaiting)))

	for _, id := range awaiting {
		msg := queue.Message{
			ID:               0,
			Content:          continueContent,
			ProcessedContent: continueContent,
			SessionID:        id,
			CreatedAt:        s.now(),
			ExecuteAt:        s.now(),
			AutoContinue:     true,
		}
		if !s.claimPending(id) {
			continue
		}
		s.wg.Add(1)
		go func(m queue.Message) {
			defer s.wg.Done()
			// Keep the flags when the follow-up never reached the
			// session so a later expiry can retry.
			if s.dispatch(ctx, m, false) {
				if s.limits != nil {
					s.limits.ClearSession(m.SessionID)
				} else {
					s.registry.ClearUsageLimit(m.SessionID)
				}
			}
			s.releasePending(m.SessionID)
			s.Trigger()
		}(msg)
	}
}

// runPass is one selection pass.
func (s *Scheduler) runPass(ctx context.Context) {
	now := s.now()
	busy := s.registry.BusySet()
	eligible := s.queue.EligibleBySession(now, busy)

	for _, msg := range eligible {
		if !s.claimPending(msg.SessionID) {
			continue
		}
		s.wg.Add(1)
		go func(m queue.Message) {
			defer s.wg.Done()
			s.dispatch(ctx, m, true)
			s.releasePending(m.SessionID)
			// Chain the drain: more messages may have become
			// deliverable while this one was typing.
			s.Trigger()
		}(msg)
	}

	s.scheduleWake(now)
}

// dispatch runs the safety check and hands one message to the
// injector. Queued messages are removed and persisted before the
// injector is invoked; synthetic expiry messages skip the queue. It
// reports whether the message was handed to the injector at all: a
// write error after the handoff still counts as handed off.
func (s *Scheduler) dispatch(ctx context.Context, msg queue.Message, fromQueue bool) bool {
	if !s.waitReady(ctx, msg.SessionID) {
		s.logger.Warn("session failed readiness check, leaving message queued",
			zap.String("session_id", msg.SessionID),
			zap.Int64("message_id", msg.ID))
		return false
	}

	if fromQueue {
		removed, ok := s.queue.Remove(msg.ID)
		if !ok {
			// Deleted or edited while we waited; nothing to send.
			return false
		}
		msg = removed
	}

	if err := s.injector.Inject(ctx, msg); err != nil {
		s.logger.Warn("injection did not complete",
			zap.String("session_id", msg.SessionID),
			zap.Int64("message_id", msg.ID),
			zap.Error(err))
	}
	return true
}

// claimPending marks a session as having a dispatch in progress so a
// timed wake cannot stack a second safety check on it.
func (s *Scheduler) claimPending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[sessionID] {
		return false
	}
	s.pending[sessionID] = true
	return true
}

func (s *Scheduler) releasePending(sessionID string) {
	s.mu.Lock()
	delete(s.pending, sessionID)
	s.mu.Unlock()
}

// waitReady polls the session state until it is ready to receive
// input, giving up after the configured attempt budget.
func (s *Scheduler) waitReady(ctx context.Context, sessionID string) bool {
	interval := time.Duration(s.cfg.SafetyCheckIntervalMs) * time.Millisecond
	attempts := s.cfg.MaxSafetyCheckAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		st, ok := s.registry.Get(sessionID)
		if ok && st.Status == detector.StatusReady && !st.Busy && !st.Blocked {
			return true
		}

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return false
}

// scheduleWake arms a single timer for the earliest pending message.
func (s *Scheduler) scheduleWake(now time.Time) {
	next, found := s.queue.NextExecuteAt()
	if !found {
		return
	}

	delay := next.Sub(now)
	if delay < minWakeDelay {
		delay = minWakeDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
	}
	s.wakeTimer = time.AfterFunc(delay, s.Trigger)
}
