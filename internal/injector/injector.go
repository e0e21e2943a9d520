// Package injector performs the character-by-character write of one
// message into one session.
//
// Each injection is a small task moving through typing -> submitting ->
// settling -> done, with randomized pacing between steps to emulate
// human input. The task checks its cancellation token between
// characters, and the session busy flag is released in a guaranteed
// cleanup step whatever the outcome.
package injector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/events"
	"github.com/termflow/termflow/internal/events/bus"
	"github.com/termflow/termflow/internal/queue"
	"github.com/termflow/termflow/internal/session"
)

// Phase is one step of an injection task.
type Phase string

const (
	PhaseTyping     Phase = "typing"
	PhaseSubmitting Phase = "submitting"
	PhaseSettling   Phase = "settling"
	PhaseDone       Phase = "done"
)

const submitKey = "\r"

// Writer writes raw input bytes into one session.
type Writer interface {
	WriteInput(sessionID string, data []byte) error
}

// HistoryRecorder records completed injections. *queue.Store satisfies
// it.
type HistoryRecorder interface {
	AddHistory(entry queue.HistoryEntry) error
}

// TaskStatus describes one in-flight injection for display.
type TaskStatus struct {
	SessionID string `json:"session_id"`
	MessageID int64  `json:"message_id"`
	Phase     Phase  `json:"phase"`
	Index     int    `json:"index"` // characters written so far
}

type task struct {
	status TaskStatus
	cancel context.CancelFunc
}

// Injector types queued messages into sessions.
type Injector struct {
	logger   *logger.Logger
	bus      bus.EventBus
	cfg      config.InjectorConfig
	registry *session.Registry
	writer   Writer
	history  HistoryRecorder // nil disables history

	mu    sync.Mutex
	rng   *rand.Rand
	tasks map[string]*task
}

// New creates an injector.
func New(
	cfg config.InjectorConfig,
	registry *session.Registry,
	writer Writer,
	history HistoryRecorder,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Injector {
	return &Injector{
		logger:   log.WithFields(zap.String("component", "injector")),
		bus:      eventBus,
		cfg:      cfg,
		registry: registry,
		writer:   writer,
		history:  history,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		tasks:    make(map[string]*task),
	}
}

// Inject writes one message into its target session and blocks until
// the task finishes, fails or is cancelled. The busy flag serializes
// injections per session: a second call for the same session fails
// immediately.
func (i *Injector) Inject(ctx context.Context, msg queue.Message) error {
	if !i.registry.TrySetBusy(msg.SessionID) {
		return fmt.Errorf("session %s already has an injection in flight", msg.SessionID)
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &task{
		status: TaskStatus{SessionID: msg.SessionID, MessageID: msg.ID, Phase: PhaseTyping},
		cancel: cancel,
	}
	i.mu.Lock()
	i.tasks[msg.SessionID] = t
	i.mu.Unlock()

	defer func() {
		cancel()
		i.mu.Lock()
		delete(i.tasks, msg.SessionID)
		i.mu.Unlock()
		i.registry.ClearBusy(msg.SessionID)
	}()

	i.logger.Info("injection started",
		zap.Int64("message_id", msg.ID),
		zap.String("session_id", msg.SessionID),
		zap.Int("length", len(msg.ProcessedContent)))
	i.publish(events.InjectionStarted, msg, nil)

	if err := i.typeContent(ctx, t, msg); err != nil {
		return i.fail(msg, err)
	}

	i.setPhase(t, PhaseSubmitting)
	if err := i.sleep(ctx, i.randomDelay(i.cfg.SubmitDelayMinMs, i.cfg.SubmitDelayMaxMs)); err != nil {
		return i.fail(msg, err)
	}
	if err := i.writer.WriteInput(msg.SessionID, []byte(submitKey)); err != nil {
		return i.fail(msg, fmt.Errorf("submit write failed: %w", err))
	}

	i.recordHistory(msg)

	i.setPhase(t, PhaseSettling)
	if err := i.sleep(ctx, i.randomDelay(i.cfg.SettleDelayMinMs, i.cfg.SettleDelayMaxMs)); err != nil {
		return i.fail(msg, err)
	}

	i.setPhase(t, PhaseDone)
	i.logger.Info("injection completed",
		zap.Int64("message_id", msg.ID),
		zap.String("session_id", msg.SessionID))
	i.publish(events.InjectionCompleted, msg, nil)
	return nil
}

// CancelSession cancels the in-flight injection for one session, if
// any.
func (i *Injector) CancelSession(sessionID string) {
	i.mu.Lock()
	t := i.tasks[sessionID]
	i.mu.Unlock()

	if t != nil {
		t.cancel()
	}
}

// CancelAll cancels every in-flight injection. Already-sent bytes are
// not rewound.
func (i *Injector) CancelAll() {
	i.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(i.tasks))
	for _, t := range i.tasks {
		cancels = append(cancels, t.cancel)
	}
	i.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		i.logger.Info("cancelled in-flight injections", zap.Int("count", len(cancels)))
	}
}

// Active returns the status of all in-flight injection tasks.
func (i *Injector) Active() []TaskStatus {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]TaskStatus, 0, len(i.tasks))
	for _, t := range i.tasks {
		out = append(out, t.status)
	}
	return out
}

func (i *Injector) typeContent(ctx context.Context, t *task, msg queue.Message) error {
	for idx, r := range []rune(msg.ProcessedContent) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := i.writer.WriteInput(msg.SessionID, []byte(string(r))); err != nil {
			return fmt.Errorf("write failed at character %d: %w", idx, err)
		}

		i.mu.Lock()
		t.status.Index = idx + 1
		i.mu.Unlock()

		if err := i.sleep(ctx, i.randomDelay(i.cfg.CharDelayMinMs, i.cfg.CharDelayMaxMs)); err != nil {
			return err
		}
	}
	return nil
}

func (i *Injector) fail(msg queue.Message, err error) error {
	if errors.Is(err, context.Canceled) {
		i.logger.Info("injection cancelled",
			zap.Int64("message_id", msg.ID),
			zap.String("session_id", msg.SessionID))
		i.publish(events.InjectionCancelled, msg, nil)
		return err
	}

	i.logger.Error("injection failed",
		zap.Int64("message_id", msg.ID),
		zap.String("session_id", msg.SessionID),
		zap.Error(err))
	i.publish(events.InjectionFailed, msg, map[string]interface{}{"error": err.Error()})
	return err
}

func (i *Injector) recordHistory(msg queue.Message) {
	if i.history == nil {
		return
	}
	entry := queue.HistoryEntry{
		MessageID:  msg.ID,
		Content:    msg.Content,
		SessionID:  msg.SessionID,
		QueuedAt:   msg.CreatedAt,
		InjectedAt: time.Now(),
	}
	go func() {
		if err := i.history.AddHistory(entry); err != nil {
			i.logger.Warn("failed to record injection history", zap.Error(err))
		}
	}()
}

func (i *Injector) setPhase(t *task, p Phase) {
	i.mu.Lock()
	t.status.Phase = p
	i.mu.Unlock()
}

func (i *Injector) randomDelay(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	i.mu.Lock()
	ms := minMs + i.rng.Intn(maxMs-minMs+1)
	i.mu.Unlock()
	return time.Duration(ms) * time.Millisecond
}

// sleep waits for d or until the context is cancelled.
func (i *Injector) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (i *Injector) publish(eventType string, msg queue.Message, data map[string]interface{}) {
	if i.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["message_id"] = msg.ID
	data["session_id"] = msg.SessionID
	evt := bus.NewEvent(eventType, "injector", data)
	if err := i.bus.Publish(context.Background(), eventType, evt); err != nil {
		i.logger.Warn("failed to publish injection event", zap.Error(err))
	}
}
