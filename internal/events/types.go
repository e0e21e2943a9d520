// Package events provides event types and utilities for the termflow event system.
package events

// Event types for the message queue
const (
	QueueMessageAdded   = "queue.message.added"
	QueueMessageUpdated = "queue.message.updated"
	QueueMessageRemoved = "queue.message.removed"
	QueueCleared        = "queue.cleared"
	QueueSizeChanged    = "queue.size_changed"
)

// Event types for sessions
const (
	SessionOpened       = "session.opened"
	SessionClosed       = "session.closed"
	SessionStateChanged = "session.state_changed"
	SessionBlocked      = "session.blocked"
	SessionUnblocked    = "session.unblocked"
)

// Event types for the countdown timer
const (
	TimerStateChanged = "timer.state_changed"
	TimerExpired      = "timer.expired"
	TimerSynced       = "timer.synced"
)

// Event types for injection
const (
	InjectionStarted   = "injection.started"
	InjectionCompleted = "injection.completed"
	InjectionFailed    = "injection.failed"
	InjectionCancelled = "injection.cancelled"
)

// Event types for usage limits
const (
	UsageLimitDetected   = "usage_limit.detected"
	UsageLimitSuppressed = "usage_limit.suppressed"
	UsageLimitCleared    = "usage_limit.cleared"
)

// Event types for keyword rules and auto-continue
const (
	KeywordRuleTriggered  = "rules.keyword_triggered"
	AutoContinueTriggered = "rules.auto_continue_triggered"
)
