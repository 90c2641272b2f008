package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
	"github.com/atvirokodosprendimai/storesync/internal/core/ports"
	"github.com/atvirokodosprendimai/storesync/internal/platform/metrics"
)

const defaultOutboxMaxAttempts = 5

// OutboxDispatcher publishes queued lifecycle events in id order. A failed
// publish is retried with quadratic backoff until maxAttempts, then the
// event is marked dead.
type OutboxDispatcher struct {
	repo        ports.OutboxRepository
	publisher   ports.EventPublisher
	interval    time.Duration
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type DispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

func NewOutboxDispatcher(repo ports.OutboxRepository, publisher ports.EventPublisher, cfg DispatcherConfig) *OutboxDispatcher {
	d := &OutboxDispatcher{
		repo:        repo,
		publisher:   publisher,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if d.interval <= 0 {
		d.interval = 2 * time.Second
	}
	if d.batchSize <= 0 {
		d.batchSize = 50
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultOutboxMaxAttempts
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Start runs the dispatch loop until Close or parent cancellation. Calling
// it twice is a no-op.
func (d *OutboxDispatcher) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *OutboxDispatcher) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchBatch(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "outbox dispatch batch failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchBatch publishes one batch of due events and returns how many were
// delivered. Publish failures are recorded on the event, not returned.
func (d *OutboxDispatcher) DispatchBatch(ctx context.Context) (int, error) {
	events, err := d.repo.FetchPending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, event := range events {
		var envelope domain.EventEnvelope
		if err := json.Unmarshal(event.PayloadJSON, &envelope); err != nil {
			if markErr := d.markFailure(ctx, event, fmt.Sprintf("decode payload: %v", err)); markErr != nil {
				return delivered, markErr
			}
			continue
		}

		if err := d.publisher.Publish(ctx, event.Topic, envelope); err != nil {
			if markErr := d.markFailure(ctx, event, err.Error()); markErr != nil {
				return delivered, markErr
			}
			continue
		}

		if err := d.repo.MarkDispatched(ctx, event.ID); err != nil {
			return delivered, err
		}
		d.metrics.IncrementOutboxDispatched()
		delivered++
	}
	return delivered, nil
}

func (d *OutboxDispatcher) markFailure(ctx context.Context, event domain.OutboxEvent, errMsg string) error {
	d.metrics.IncrementOutboxFailed()
	attempts := event.Attempts + 1
	if attempts >= d.maxAttempts {
		if err := d.repo.MarkDead(ctx, event.ID, attempts, errMsg); err != nil {
			return err
		}
		d.metrics.IncrementOutboxDead()
		d.logger.WarnContext(ctx, "lifecycle event dead-lettered",
			slog.String("event_id", event.EventID),
			slog.String("domain", event.Domain),
			slog.Int("attempts", attempts),
			slog.String("error", errMsg),
		)
		return nil
	}
	return d.repo.MarkFailed(ctx, event.ID, attempts, d.now().Add(backoffDuration(attempts)), errMsg)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
