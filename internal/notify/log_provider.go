package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/logger"
)

// LogProvider writes notifications to the application log. It is
// always available and serves as the default delivery channel.
type LogProvider struct {
	logger *logger.Logger
}

// NewLogProvider creates a log-backed notification provider.
func NewLogProvider(log *logger.Logger) *LogProvider {
	return &LogProvider{logger: log.WithFields(zap.String("component", "notify-log"))}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Available() bool { return p.logger != nil }

func (p *LogProvider) Send(_ context.Context, message Message) error {
	fields := []zap.Field{
		zap.String("event_type", message.EventType),
		zap.String("body", message.Body),
	}
	if message.SessionID != "" {
		fields = append(fields, zap.String("session_id", message.SessionID))
	}
	p.logger.Info(message.Title, fields...)
	return nil
}
