// Package orchestrator wires the detection, scheduling and injection
// components together and routes raw session output between them.
package orchestrator

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/detector"
	"github.com/termflow/termflow/internal/events/bus"
	"github.com/termflow/termflow/internal/injector"
	"github.com/termflow/termflow/internal/queue"
	"github.com/termflow/termflow/internal/rules"
	"github.com/termflow/termflow/internal/scheduler"
	"github.com/termflow/termflow/internal/session"
	"github.com/termflow/termflow/internal/timer"
	"github.com/termflow/termflow/internal/transport"
	"github.com/termflow/termflow/internal/usagelimit"
)

// Service owns the full injection pipeline. Every component receives
// its collaborators at construction; nothing reaches back into shared
// global state.
type Service struct {
	cfg     *config.Config
	logger  *logger.Logger
	baseLog *logger.Logger
	bus     bus.EventBus

	store     *queue.Store
	queue     *queue.Queue
	registry  *session.Registry
	detector  *detector.Detector
	rules     *rules.Engine
	tracker   *usagelimit.Tracker
	timer     *timer.Service
	injector  *injector.Injector
	scheduler *scheduler.Scheduler
	transport *transport.Manager

	mu       sync.Mutex
	monitors map[string]*session.Monitor
}

// New builds the pipeline. The store may be nil to run without
// persistence.
func New(cfg *config.Config, store *queue.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		baseLog:  log,
		bus:      eventBus,
		store:    store,
		monitors: make(map[string]*session.Monitor),
	}

	s.registry = session.NewRegistry(eventBus, log)
	s.queue = queue.NewQueue(store, eventBus, log)
	s.detector = detector.New()
	s.transport = transport.NewManager(log)

	var history injector.HistoryRecorder
	if store != nil {
		history = store
	}
	s.injector = injector.New(cfg.Injector, s.registry, s.transport, history, eventBus, log)
	s.rules = rules.NewEngine(cfg.AutoContinue, cfg.AutoContinue.Rules, s.registry, s.transport, eventBus, log)
	s.tracker = usagelimit.NewTracker(cfg.UsageLimit, cfg.Storage.UsageLimitStatePath, s.registry, eventBus, log)
	s.timer = timer.NewService(cfg.Timer, eventBus, log)
	s.scheduler = scheduler.New(cfg.Injector, s.queue, s.registry, s.injector, s.tracker, log)

	s.tracker.SetResetHandler(s.timer.SyncTo)
	s.timer.SetExpiryHandler(s.scheduler.HandleExpiry)
	s.transport.SetOutputHandler(s.onSessionOutput)
	s.transport.SetExitHandler(s.onSessionExit)

	return s
}

// Start brings the scheduler and the timer tick loop up.
func (s *Service) Start() error {
	s.scheduler.Start()
	if err := s.timer.Run(); err != nil {
		return fmt.Errorf("failed to start timer: %w", err)
	}
	s.logger.Info("orchestrator started")
	return nil
}

// Stop shuts everything down: scheduler first so no new injections
// start, then the timer and every session transport.
func (s *Service) Stop() {
	s.injector.CancelAll()
	s.scheduler.Stop()
	s.timer.Close()
	if err := s.transport.CloseAll(); err != nil {
		s.logger.Warn("error closing session transports", zap.Error(err))
	}
	s.logger.Info("orchestrator stopped")
}

// OpenSession starts command in a PTY and begins monitoring it.
func (s *Service) OpenSession(id, command string, args []string, dir string) error {
	if err := s.transport.Open(id, command, args, dir, s.cfg.Monitor.Cols, s.cfg.Monitor.Rows); err != nil {
		return err
	}

	s.registry.Open(id)

	mon := session.NewMonitor(id, s.detector, s.registry, s.onSignals, session.MonitorConfig{
		Rows:          s.cfg.Monitor.Rows,
		Cols:          s.cfg.Monitor.Cols,
		CheckInterval: s.cfg.Monitor.CheckInterval(),
		WindowChars:   s.cfg.Monitor.WindowChars,
	}, s.baseLog)

	s.mu.Lock()
	s.monitors[id] = mon
	s.mu.Unlock()
	return nil
}

// CloseSession ends a session and drops its state.
func (s *Service) CloseSession(id string) error {
	err := s.transport.Close(id)

	s.mu.Lock()
	delete(s.monitors, id)
	s.mu.Unlock()
	s.registry.Close(id)
	return err
}

// Drain requests a manual queue drain.
func (s *Service) Drain() {
	s.scheduler.Trigger()
}

// CancelAll aborts all in-flight injections and pending automatic
// responses, returning every session to a neutral state. The timer is
// left alone.
func (s *Service) CancelAll() {
	s.injector.CancelAll()
	s.rules.Cancel()
	s.registry.ResetAll()
	s.logger.Info("all injections cancelled")
}

func (s *Service) onSessionOutput(id string, data []byte) {
	s.mu.Lock()
	mon := s.monitors[id]
	s.mu.Unlock()

	if mon == nil {
		return
	}
	mon.Write(data)
	if mon.ShouldCheck() {
		mon.CheckAndUpdate()
	}
}

func (s *Service) onSessionExit(id string) {
	s.mu.Lock()
	delete(s.monitors, id)
	s.mu.Unlock()
	s.registry.Close(id)
}

// onSignals routes detector signals to the usage-limit tracker and the
// rule engine.
func (s *Service) onSignals(id string, sig detector.Signals) {
	if sig.UsageLimit != nil {
		s.tracker.HandleDetection(id, *sig.UsageLimit)
	}
	if sig.PromptArea != "" {
		s.rules.HandlePrompt(id, sig.PromptArea, sig.ContinuationPrompt)
	}
}

// Queue exposes the message queue.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Store exposes the persistence layer; nil when running in memory.
func (s *Service) Store() *queue.Store { return s.store }

// Registry exposes the session registry.
func (s *Service) Registry() *session.Registry { return s.registry }

// Timer exposes the countdown service.
func (s *Service) Timer() *timer.Service { return s.timer }

// Rules exposes the keyword rule engine.
func (s *Service) Rules() *rules.Engine { return s.rules }

// Tracker exposes the usage-limit tracker.
func (s *Service) Tracker() *usagelimit.Tracker { return s.tracker }

// Injector exposes the typing engine.
func (s *Service) Injector() *injector.Injector { return s.injector }

// Transport exposes the PTY transport manager.
func (s *Service) Transport() *transport.Manager { return s.transport }
