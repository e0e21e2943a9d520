package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/events"
	"github.com/termflow/termflow/internal/events/bus"
)

// Queue is the in-memory message queue. Every mutation persists a
// snapshot before returning; the in-memory state stays authoritative
// for the running process.
type Queue struct {
	logger *logger.Logger
	bus    bus.EventBus
	store  *Store // nil disables persistence

	mu       sync.Mutex
	messages map[int64]*Message
	nextID   int64
	nextSeq  int64
}

// NewQueue creates a queue and restores any persisted messages.
func NewQueue(store *Store, eventBus bus.EventBus, log *logger.Logger) *Queue {
	q := &Queue{
		logger:   log.WithFields(zap.String("component", "message-queue")),
		bus:      eventBus,
		store:    store,
		messages: make(map[int64]*Message),
	}
	q.restore()
	return q
}

func (q *Queue) restore() {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadQueue()
	if err != nil {
		q.logger.Warn("failed to restore queue, starting empty", zap.Error(err))
		return
	}

	q.mu.Lock()
	for i := range loaded {
		m := loaded[i]
		q.messages[m.ID] = &m
		if m.ID > q.nextID {
			q.nextID = m.ID
		}
		if m.Sequence > q.nextSeq {
			q.nextSeq = m.Sequence
		}
	}
	n := len(q.messages)
	q.mu.Unlock()

	if n > 0 {
		q.logger.Info("restored queued messages", zap.Int("count", n))
	}
}

// Add appends a message. ExecuteAt zero means deliver as soon as the
// target session is ready.
func (q *Queue) Add(content, processedContent, sessionID string, executeAt time.Time, autoContinue bool) Message {
	if processedContent == "" {
		processedContent = content
	}
	now := time.Now()
	if executeAt.IsZero() {
		executeAt = now
	}

	q.mu.Lock()
	q.nextID++
	q.nextSeq++
	m := &Message{
		ID:               q.nextID,
		Content:          content,
		ProcessedContent: processedContent,
		SessionID:        sessionID,
		CreatedAt:        now,
		ExecuteAt:        executeAt,
		Sequence:         q.nextSeq,
		AutoContinue:     autoContinue,
	}
	q.messages[m.ID] = m
	size := len(q.messages)
	out := *m
	q.mu.Unlock()

	q.logger.Info("message queued",
		zap.Int64("message_id", out.ID),
		zap.String("session_id", sessionID),
		zap.Time("execute_at", executeAt))
	q.persist()
	q.publish(events.QueueMessageAdded, map[string]interface{}{"message_id": out.ID, "session_id": sessionID})
	q.publishSize(size)
	return out
}

// Get returns a copy of one message.
func (q *Queue) Get(id int64) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Update edits a pending message's content and execute time in place.
func (q *Queue) Update(id int64, content string, executeAt time.Time) error {
	q.mu.Lock()
	m, ok := q.messages[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("message %d not found", id)
	}
	m.Content = content
	m.ProcessedContent = content
	if !executeAt.IsZero() {
		m.ExecuteAt = executeAt
	}
	q.mu.Unlock()

	q.persist()
	q.publish(events.QueueMessageUpdated, map[string]interface{}{"message_id": id})
	return nil
}

// Remove deletes a message and returns it.
func (q *Queue) Remove(id int64) (Message, bool) {
	q.mu.Lock()
	m, ok := q.messages[id]
	if ok {
		delete(q.messages, id)
	}
	size := len(q.messages)
	q.mu.Unlock()

	if !ok {
		return Message{}, false
	}
	q.persist()
	q.publish(events.QueueMessageRemoved, map[string]interface{}{"message_id": id})
	q.publishSize(size)
	return *m, true
}

// Clear empties the queue and returns how many messages were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.messages)
	q.messages = make(map[int64]*Message)
	q.mu.Unlock()

	if n > 0 {
		q.logger.Info("queue cleared", zap.Int("dropped", n))
		q.persist()
		q.publish(events.QueueCleared, map[string]interface{}{"dropped": n})
		q.publishSize(0)
	}
	return n
}

// List returns all messages in delivery order.
func (q *Queue) List() []Message {
	q.mu.Lock()
	out := make([]Message, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, *m)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out
}

// Size returns the number of pending messages.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// EligibleBySession returns, for each non-busy session, the single
// minimal (ExecuteAt, Sequence) message whose execute time has come.
func (q *Queue) EligibleBySession(now time.Time, busy map[string]bool) map[string]Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]Message)
	for _, m := range q.messages {
		if busy[m.SessionID] {
			continue
		}
		if m.ExecuteAt.After(now) {
			continue
		}
		best, ok := out[m.SessionID]
		if !ok || m.Before(&best) {
			out[m.SessionID] = *m
		}
	}
	return out
}

// NextExecuteAt returns the earliest ExecuteAt among all pending
// messages. The second return is false for an empty queue.
func (q *Queue) NextExecuteAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	found := false
	for _, m := range q.messages {
		if !found || m.ExecuteAt.Before(earliest) {
			earliest = m.ExecuteAt
			found = true
		}
	}
	return earliest, found
}

// persist snapshots the queue to storage on the mutating goroutine so
// snapshots land in mutation order. Failures are logged, never
// propagated.
func (q *Queue) persist() {
	if q.store == nil {
		return
	}
	if err := q.store.SaveQueue(q.List()); err != nil {
		q.logger.Warn("failed to persist queue", zap.Error(err))
	}
}

func (q *Queue) publish(eventType string, data map[string]interface{}) {
	if q.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "message-queue", data)
	if err := q.bus.Publish(context.Background(), eventType, evt); err != nil {
		q.logger.Warn("failed to publish queue event", zap.Error(err))
	}
}

func (q *Queue) publishSize(size int) {
	q.publish(events.QueueSizeChanged, map[string]interface{}{"size": size})
}
