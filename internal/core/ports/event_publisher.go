package ports

import (
	"context"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
)

// EventPublisher delivers one lifecycle event. A returned error leaves the
// event pending for another attempt.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event domain.EventEnvelope) error
}
