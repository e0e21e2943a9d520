// Package rules implements the keyword rule engine and the
// auto-continue responder.
//
// Keyword rules are an ordered, data-driven list of keyword/response
// pairs matched case-insensitively against the prompt search area. A
// keyword match always takes precedence over automatic continuation.
package rules

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/events"
	"github.com/termflow/termflow/internal/events/bus"
	"github.com/termflow/termflow/internal/session"
)

// InputWriter writes raw input bytes into one session.
type InputWriter interface {
	WriteInput(sessionID string, data []byte) error
}

const (
	submitKey = "\r"
	escapeKey = "\x1b"

	// affirmativeKey selects the default "yes" entry of a continuation
	// prompt before submitting.
	affirmativeKey = "1"
)

type sessionResponder struct {
	armed         bool
	lastTriggered time.Time
	pending       *time.Timer
	release       *time.Timer
}

// Engine evaluates keyword rules and the auto-continue pattern against
// prompt areas and writes the configured responses.
type Engine struct {
	logger   *logger.Logger
	bus      bus.EventBus
	registry *session.Registry
	writer   InputWriter
	cfg      config.AutoContinueConfig

	mu       sync.Mutex
	rules    []config.KeywordRule
	counters map[string]int
	sessions map[string]*sessionResponder
}

// NewEngine creates a rule engine. The rule list keeps its configured
// order; first match wins.
func NewEngine(
	cfg config.AutoContinueConfig,
	ruleSet []config.KeywordRule,
	registry *session.Registry,
	writer InputWriter,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Engine {
	return &Engine{
		logger:   log.WithFields(zap.String("component", "rule-engine")),
		bus:      eventBus,
		registry: registry,
		writer:   writer,
		cfg:      cfg,
		rules:    ruleSet,
		counters: make(map[string]int),
		sessions: make(map[string]*sessionResponder),
	}
}

// SetEnabled toggles the auto-continue feature at runtime. Keyword
// rules are always active.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.cfg.Enabled = enabled
	e.mu.Unlock()
}

// Enabled reports whether auto-continue is active.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Enabled
}

// Rules returns the configured rule list in evaluation order.
func (e *Engine) Rules() []config.KeywordRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]config.KeywordRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Counters returns a copy of the per-rule trigger counters keyed by
// keyword.
func (e *Engine) Counters() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.counters))
	for k, v := range e.counters {
		out[k] = v
	}
	return out
}

// HandlePrompt evaluates one prompt search area for a session. A
// keyword rule match blocks automatic continuation; only when no rule
// matches, auto-continue is enabled and the area contains a
// continuation prompt does the generic affirmative response fire.
func (e *Engine) HandlePrompt(sessionID, area string, continuation bool) {
	e.mu.Lock()
	st := e.sessions[sessionID]
	if st == nil {
		st = &sessionResponder{}
		e.sessions[sessionID] = st
	}
	if st.pending != nil || st.release != nil {
		// A response is already in flight for this session.
		e.mu.Unlock()
		return
	}

	if rule, ok := e.matchRuleLocked(area); ok {
		e.counters[rule.Keyword]++
		st.pending = time.AfterFunc(e.cfg.StabilizationDelay(), func() {
			e.fireKeywordRule(sessionID, rule)
		})
		e.mu.Unlock()

		e.registry.SetBlocked(sessionID, true)
		e.logger.Info("keyword rule matched",
			zap.String("session_id", sessionID),
			zap.String("keyword", rule.Keyword))
		e.publish(events.KeywordRuleTriggered, sessionID, map[string]interface{}{"keyword": rule.Keyword})
		return
	}

	if !e.cfg.Enabled || !continuation {
		e.mu.Unlock()
		return
	}
	if st.armed && time.Since(st.lastTriggered) < e.cfg.RetryCooldown() {
		e.mu.Unlock()
		return
	}
	st.armed = true
	st.lastTriggered = time.Now()
	st.pending = time.AfterFunc(e.cfg.StabilizationDelay(), func() {
		e.fireAutoContinue(sessionID)
	})
	e.mu.Unlock()

	e.logger.Info("auto-continue armed", zap.String("session_id", sessionID))
	e.publish(events.AutoContinueTriggered, sessionID, nil)
}

// Cancel clears every pending response and returns all sessions to a
// neutral armed state. Blocked flags are released via the registry.
func (e *Engine) Cancel() {
	e.mu.Lock()
	var blocked []string
	for id, st := range e.sessions {
		if st.pending != nil {
			st.pending.Stop()
			st.pending = nil
		}
		if st.release != nil {
			st.release.Stop()
			st.release = nil
		}
		st.armed = false
		blocked = append(blocked, id)
	}
	e.mu.Unlock()

	for _, id := range blocked {
		e.registry.SetBlocked(id, false)
	}
}

// matchRuleLocked returns the first rule whose keyword appears in the
// area, ignoring case. Must be called with the lock held.
func (e *Engine) matchRuleLocked(area string) (config.KeywordRule, bool) {
	lowered := strings.ToLower(area)
	for _, r := range e.rules {
		if r.Keyword == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(r.Keyword)) {
			return r, true
		}
	}
	return config.KeywordRule{}, false
}

func (e *Engine) fireKeywordRule(sessionID string, rule config.KeywordRule) {
	var payload string
	if rule.Response == "" {
		// Escape-only rule: dismiss the prompt without answering.
		payload = escapeKey
	} else {
		payload = rule.Response + submitKey
	}

	if err := e.writer.WriteInput(sessionID, []byte(payload)); err != nil {
		e.logger.Error("keyword response write failed",
			zap.String("session_id", sessionID),
			zap.String("keyword", rule.Keyword),
			zap.Error(err))
		e.clearSession(sessionID)
		e.registry.SetBlocked(sessionID, false)
		return
	}

	// Hold the block until the prompt has settled, then release.
	e.mu.Lock()
	if st := e.sessions[sessionID]; st != nil {
		st.pending = nil
		st.release = time.AfterFunc(e.cfg.SettleDelay(), func() {
			e.clearSession(sessionID)
			e.registry.SetBlocked(sessionID, false)
		})
	}
	e.mu.Unlock()
}

func (e *Engine) fireAutoContinue(sessionID string) {
	if err := e.writer.WriteInput(sessionID, []byte(affirmativeKey+submitKey)); err != nil {
		e.logger.Error("auto-continue write failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		e.clearSession(sessionID)
		return
	}

	e.mu.Lock()
	if st := e.sessions[sessionID]; st != nil {
		st.pending = nil
	}
	e.mu.Unlock()
}

// clearSession drops all pending timers and the armed flag for one
// session.
func (e *Engine) clearSession(sessionID string) {
	e.mu.Lock()
	if st := e.sessions[sessionID]; st != nil {
		if st.pending != nil {
			st.pending.Stop()
			st.pending = nil
		}
		if st.release != nil {
			st.release.Stop()
			st.release = nil
		}
		st.armed = false
	}
	e.mu.Unlock()
}

func (e *Engine) publish(eventType, sessionID string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["session_id"] = sessionID
	evt := bus.NewEvent(eventType, "rule-engine", data)
	if err := e.bus.Publish(context.Background(), eventType, evt); err != nil {
		e.logger.Warn("failed to publish rule event", zap.Error(err))
	}
}
