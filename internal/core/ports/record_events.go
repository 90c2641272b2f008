package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
)

type AuditTrailRepository interface {
	List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error)
}

type OutboxRepository interface {
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, errMsg string) error
	MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error
}
