package events

import (
	"context"
	"log/slog"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
)

// LogPublisher writes lifecycle events to the structured log. It is the
// fallback sink when no webhook endpoint is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, event domain.EventEnvelope) error {
	p.logger.InfoContext(ctx, "lifecycle event",
		slog.String("topic", topic),
		slog.String("event_id", event.EventID),
		slog.String("event_type", event.EventType),
		slog.String("domain", event.Domain),
		slog.Int64("aggregate_version", event.AggregateVersion),
		slog.String("source", event.Source),
	)
	return nil
}
