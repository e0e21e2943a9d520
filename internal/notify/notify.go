// Package notify delivers best-effort desktop-style notifications for
// noteworthy events such as usage limits and timer expiry.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/events"
	"github.com/termflow/termflow/internal/events/bus"
)

// Message is a notification to deliver to the user.
type Message struct {
	EventType string
	Title     string
	Body      string
	SessionID string
}

// Provider delivers notifications through one channel.
type Provider interface {
	Name() string
	Available() bool
	Send(ctx context.Context, message Message) error
}

// Service watches the event bus and fans notifications out to all
// available providers. Delivery failures are logged and swallowed.
type Service struct {
	logger    *logger.Logger
	bus       bus.EventBus
	providers []Provider

	mu   sync.Mutex
	subs []bus.Subscription
}

// NewService creates a notification service with the given providers.
func NewService(eventBus bus.EventBus, log *logger.Logger, providers ...Provider) *Service {
	return &Service{
		logger:    log.WithFields(zap.String("component", "notify")),
		bus:       eventBus,
		providers: providers,
	}
}

// Start subscribes to the event subjects that warrant a notification.
func (s *Service) Start() error {
	subjects := []string{
		events.UsageLimitDetected,
		events.TimerExpired,
		events.KeywordRuleTriggered,
		events.InjectionFailed,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subject := range subjects {
		sub, err := s.bus.Subscribe(subject, s.handleEvent)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Stop removes all bus subscriptions.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// Notify sends a message through every available provider.
func (s *Service) Notify(ctx context.Context, message Message) {
	for _, p := range s.providers {
		if !p.Available() {
			continue
		}
		if err := p.Send(ctx, message); err != nil {
			s.logger.Warn("notification delivery failed",
				zap.String("provider", p.Name()),
				zap.String("event_type", message.EventType),
				zap.Error(err))
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, event *bus.Event) error {
	msg := messageForEvent(event)
	if msg == nil {
		return nil
	}
	s.Notify(ctx, *msg)
	return nil
}

func messageForEvent(event *bus.Event) *Message {
	sessionID, _ := event.Data["session_id"].(string)

	switch event.Type {
	case events.UsageLimitDetected:
		return &Message{
			EventType: event.Type,
			Title:     "Usage limit reached",
			Body:      "The countdown timer has been synced to the reset time.",
			SessionID: sessionID,
		}
	case events.TimerExpired:
		return &Message{
			EventType: event.Type,
			Title:     "Timer expired",
			Body:      "Queued messages are being dispatched.",
		}
	case events.KeywordRuleTriggered:
		keyword, _ := event.Data["keyword"].(string)
		return &Message{
			EventType: event.Type,
			Title:     "Keyword rule triggered",
			Body:      fmt.Sprintf("Matched %q in the session prompt.", keyword),
			SessionID: sessionID,
		}
	case events.InjectionFailed:
		return &Message{
			EventType: event.Type,
			Title:     "Injection failed",
			Body:      "A queued message could not be delivered to its session.",
			SessionID: sessionID,
		}
	default:
		return nil
	}
}
