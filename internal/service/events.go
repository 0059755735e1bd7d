package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
)

// EventPublisher receives session lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event *model.SessionEvent) error
}

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *logger.Logger
}

// NewLogPublisher creates a logging publisher.
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log.Named("events")}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event *model.SessionEvent) error {
	p.logger.Info("session event",
		zap.String("event_id", event.ID),
		zap.String("session_id", event.SessionID),
		zap.String("schema_id", event.SchemaID),
		zap.String("type", string(event.Type)),
		zap.String("reason", event.Reason),
		zap.Any("metadata", event.Metadata),
	)
	return nil
}
