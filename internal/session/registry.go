// Package session holds the per-session state registry and the output
// monitor that feeds it.
//
// Every flag the rest of the system cares about for one session lives in
// a single State record keyed by session id. Detectors, the scheduler
// and the injector all read and transition this one structure.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/detector"
	"github.com/termflow/termflow/internal/events"
	"github.com/termflow/termflow/internal/events/bus"
)

// State is the full per-session record. Busy is true exactly while an
// injection is in flight for the session; at most one at any time.
type State struct {
	ID                string          `json:"id"`
	Status            detector.Status `json:"status"`
	Busy              bool            `json:"busy"`
	Blocked           bool            `json:"blocked"`
	UsageLimitReached bool            `json:"usage_limit_reached"`
	AwaitingContinue  bool            `json:"awaiting_continue"`
	LastUpdate        time.Time       `json:"last_update"`
}

// Registry tracks all known sessions. Safe for concurrent use.
type Registry struct {
	logger *logger.Logger
	bus    bus.EventBus

	mu       sync.Mutex
	sessions map[string]*State
}

// NewRegistry creates an empty registry. The bus may be nil in tests.
func NewRegistry(eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		logger:   log.WithFields(zap.String("component", "session-registry")),
		bus:      eventBus,
		sessions: make(map[string]*State),
	}
}

// Open registers a session id if it is not already tracked.
func (r *Registry) Open(id string) {
	r.mu.Lock()
	_, exists := r.sessions[id]
	if !exists {
		r.sessions[id] = &State{
			ID:         id,
			Status:     detector.StatusReady,
			LastUpdate: time.Now(),
		}
	}
	r.mu.Unlock()

	if !exists {
		r.logger.Info("session opened", zap.String("session_id", id))
		r.publish(events.SessionOpened, id, nil)
	}
}

// Close removes a session and all of its state.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	_, exists := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if exists {
		r.logger.Info("session closed", zap.String("session_id", id))
		r.publish(events.SessionClosed, id, nil)
	}
}

// Get returns a copy of the session state.
func (r *Registry) Get(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// List returns copies of all session states ordered by id.
func (r *Registry) List() []State {
	r.mu.Lock()
	out := make([]State, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus records the detector's classification for a session,
// creating the record if the session is new.
func (r *Registry) SetStatus(id string, status detector.Status) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		s = &State{ID: id}
		r.sessions[id] = s
	}
	changed := s.Status != status
	s.Status = status
	s.LastUpdate = time.Now()
	r.mu.Unlock()

	if changed {
		r.logger.Debug("session status changed",
			zap.String("session_id", id),
			zap.String("status", string(status)))
		r.publish(events.SessionStateChanged, id, map[string]interface{}{"status": string(status)})
	}
}

// TrySetBusy atomically claims the busy flag for a session. Returns
// false when the session is unknown or an injection is already in
// flight.
func (r *Registry) TrySetBusy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Busy {
		return false
	}
	s.Busy = true
	s.LastUpdate = time.Now()
	return true
}

// ClearBusy releases the busy flag.
func (r *Registry) ClearBusy(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.Busy = false
		s.LastUpdate = time.Now()
	}
	r.mu.Unlock()
}

// BusySet returns the ids of all sessions with an injection in flight.
func (r *Registry) BusySet() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool)
	for id, s := range r.sessions {
		if s.Busy {
			out[id] = true
		}
	}
	return out
}

// SetBlocked marks or clears the keyword-rule block for a session.
func (r *Registry) SetBlocked(id string, blocked bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	changed := ok && s.Blocked != blocked
	if ok {
		s.Blocked = blocked
		s.LastUpdate = time.Now()
	}
	r.mu.Unlock()

	if changed {
		evt := events.SessionUnblocked
		if blocked {
			evt = events.SessionBlocked
		}
		r.publish(evt, id, nil)
	}
}

// MarkUsageLimit flags a session as rate limited and awaiting a
// follow-up continue message.
func (r *Registry) MarkUsageLimit(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.UsageLimitReached = true
		s.AwaitingContinue = true
		s.LastUpdate = time.Now()
	}
	r.mu.Unlock()
}

// ClearUsageLimit clears the rate-limit flags for one session.
func (r *Registry) ClearUsageLimit(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.UsageLimitReached = false
		s.AwaitingContinue = false
		s.LastUpdate = time.Now()
	}
	r.mu.Unlock()
}

// AwaitingContinue returns the ids of all sessions still owed a
// follow-up continue message, ordered by id.
func (r *Registry) AwaitingContinue() []string {
	r.mu.Lock()
	var out []string
	for id, s := range r.sessions {
		if s.AwaitingContinue {
			out = append(out, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

// ResetAll returns every session to a neutral state: busy, blocked and
// usage-limit flags cleared. Used by the global cancel action.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	for _, s := range r.sessions {
		s.Busy = false
		s.Blocked = false
		s.UsageLimitReached = false
		s.AwaitingContinue = false
		s.LastUpdate = time.Now()
	}
	r.mu.Unlock()

	r.logger.Info("all sessions reset to neutral state")
}

func (r *Registry) publish(eventType, sessionID string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["session_id"] = sessionID
	evt := bus.NewEvent(eventType, "session-registry", data)
	if err := r.bus.Publish(context.Background(), eventType, evt); err != nil {
		r.logger.Warn("failed to publish session event",
			zap.String("event", eventType), zap.Error(err))
	}
}
