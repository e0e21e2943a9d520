// Package queue holds the pending message queue and its persistence.
//
// Delivery order is not maintained as a sorted structure: it is
// computed at selection time as (ExecuteAt, Sequence) ascending per
// target session.
package queue

import "time"

// Message is one pending injection. IDs are unique for the lifetime of
// the queue; Sequence strictly increases and only breaks ExecuteAt
// ties.
type Message struct {
	ID               int64     `json:"id" db:"id"`
	Content          string    `json:"content" db:"content"`
	ProcessedContent string    `json:"processed_content" db:"processed_content"`
	SessionID        string    `json:"session_id" db:"session_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	ExecuteAt        time.Time `json:"execute_at" db:"execute_at"`
	Sequence         int64     `json:"sequence" db:"sequence"`
	AutoContinue     bool      `json:"auto_continue" db:"auto_continue"`
}

// Before reports whether m is delivered ahead of other under the
// (ExecuteAt, Sequence) order.
func (m *Message) Before(other *Message) bool {
	if !m.ExecuteAt.Equal(other.ExecuteAt) {
		return m.ExecuteAt.Before(other.ExecuteAt)
	}
	return m.Sequence < other.Sequence
}

// HistoryEntry records one completed injection.
type HistoryEntry struct {
	ID         int64     `json:"id" db:"id"`
	MessageID  int64     `json:"message_id" db:"message_id"`
	Content    string    `json:"content" db:"content"`
	SessionID  string    `json:"session_id" db:"session_id"`
	QueuedAt   time.Time `json:"queued_at" db:"queued_at"`
	InjectedAt time.Time `json:"injected_at" db:"injected_at"`
}
