package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
	"github.com/atvirokodosprendimai/storesync/internal/platform/metrics"
)

type outboxRepoStub struct {
	events []domain.OutboxEvent

	fetchLimits []int
	failed      []failedMark
	dead        []deadMark
	dispatched  []int64
}

type failedMark struct {
	id           int64
	attempts     int
	nextAttempt  time.Time
	errorMessage string
}

type deadMark struct {
	id           int64
	attempts     int
	errorMessage string
}

func (r *outboxRepoStub) FetchPending(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	r.fetchLimits = append(r.fetchLimits, limit)
	out := make([]domain.OutboxEvent, 0, limit)
	now := time.Now().UTC()
	for _, e := range r.events {
		if e.Status != domain.OutboxPending || e.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *outboxRepoStub) MarkDispatched(_ context.Context, id int64) error {
	r.dispatched = append(r.dispatched, id)
	for i := range r.events {
		if r.events[i].ID == id {
			r.events[i].Status = domain.OutboxDispatched
			now := time.Now().UTC()
			r.events[i].DispatchedAt = &now
			return nil
		}
	}
	return errors.New("unknown outbox id")
}

func (r *outboxRepoStub) MarkFailed(_ context.Context, id int64, attempts int, nextAttemptAt time.Time, errMsg string) error {
	r.failed = append(r.failed, failedMark{id: id, attempts: attempts, nextAttempt: nextAttemptAt, errorMessage: errMsg})
	for i := range r.events {
		if r.events[i].ID == id {
			r.events[i].Attempts = attempts
			r.events[i].NextAttemptAt = nextAttemptAt
			r.events[i].LastError = errMsg
			return nil
		}
	}
	return errors.New("unknown outbox id")
}

func (r *outboxRepoStub) MarkDead(_ context.Context, id int64, attempts int, errMsg string) error {
	r.dead = append(r.dead, deadMark{id: id, attempts: attempts, errorMessage: errMsg})
	for i := range r.events {
		if r.events[i].ID == id {
			r.events[i].Status = domain.OutboxDead
			r.events[i].Attempts = attempts
			r.events[i].LastError = errMsg
			return nil
		}
	}
	return errors.New("unknown outbox id")
}

type publisherStub struct {
	errByID   map[string]error
	published []domain.EventEnvelope
}

func (p *publisherStub) Publish(_ context.Context, _ string, event domain.EventEnvelope) error {
	p.published = append(p.published, event)
	if err, ok := p.errByID[event.EventID]; ok {
		return err
	}
	return nil
}

func pendingEvent(t *testing.T, id int64, eventID, eventType string, attempts int) domain.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(domain.EventEnvelope{EventID: eventID, EventType: eventType, Domain: "shop-a.example", SchemaVersion: 1})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return domain.OutboxEvent{
		ID:            id,
		EventID:       eventID,
		Domain:        "shop-a.example",
		Status:        domain.OutboxPending,
		Attempts:      attempts,
		NextAttemptAt: time.Now().UTC().Add(-time.Second),
		PayloadJSON:   payload,
		Topic:         domain.EventTopic("shop-a.example", eventType),
	}
}

func TestOutboxDispatcherDispatchBatchSuccess(t *testing.T) {
	repo := &outboxRepoStub{events: []domain.OutboxEvent{pendingEvent(t, 1, "e1", domain.EventTenantInstalled, 0)}}
	pub := &publisherStub{}
	m := metrics.New(prometheus.NewRegistry())
	d := NewOutboxDispatcher(repo, pub, DispatcherConfig{Interval: time.Second, BatchSize: 10, Metrics: m})

	n, err := d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch batch: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one delivered, got %d", n)
	}
	if len(repo.fetchLimits) != 1 || repo.fetchLimits[0] != 10 {
		t.Fatalf("expected fetch limit 10, got %v", repo.fetchLimits)
	}
	if len(pub.published) != 1 || pub.published[0].Domain != "shop-a.example" {
		t.Fatalf("unexpected published events: %+v", pub.published)
	}
	if len(repo.dispatched) != 1 || repo.dispatched[0] != 1 {
		t.Fatalf("expected id=1 marked dispatched, got %v", repo.dispatched)
	}
	if got := testutil.ToFloat64(m.OutboxDispatched); got != 1 {
		t.Fatalf("expected dispatched counter 1, got %v", got)
	}
}

func TestOutboxDispatcherPublishFailureMarksFailedWithRetry(t *testing.T) {
	repo := &outboxRepoStub{events: []domain.OutboxEvent{pendingEvent(t, 2, "e2", domain.EventTenantSynced, 0)}}
	pub := &publisherStub{errByID: map[string]error{"e2": errors.New("publisher down")}}
	d := NewOutboxDispatcher(repo, pub, DispatcherConfig{BatchSize: 10})

	before := time.Now().UTC()
	if _, err := d.DispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatch batch: %v", err)
	}

	if len(repo.failed) != 1 {
		t.Fatalf("expected one failed mark, got %d", len(repo.failed))
	}
	mark := repo.failed[0]
	if mark.attempts != 1 || mark.errorMessage != "publisher down" {
		t.Fatalf("unexpected failed mark: %+v", mark)
	}
	if mark.nextAttempt.Before(before.Add(time.Second)) {
		t.Fatalf("expected backoff of at least 1s, next attempt %s", mark.nextAttempt)
	}
	if len(repo.dispatched) != 0 || len(repo.dead) != 0 {
		t.Fatalf("expected no dispatched/dead marks, got %v / %v", repo.dispatched, repo.dead)
	}
}

func TestOutboxDispatcherRetryBudgetMovesToDead(t *testing.T) {
	repo := &outboxRepoStub{events: []domain.OutboxEvent{pendingEvent(t, 3, "e3", domain.EventTenantDeactivated, 4)}}
	pub := &publisherStub{errByID: map[string]error{"e3": errors.New("still failing")}}
	m := metrics.New(prometheus.NewRegistry())
	d := NewOutboxDispatcher(repo, pub, DispatcherConfig{BatchSize: 10, Metrics: m})

	if _, err := d.DispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatch batch: %v", err)
	}

	if len(repo.dead) != 1 || repo.dead[0].attempts != 5 {
		t.Fatalf("expected one dead mark with 5 attempts, got %+v", repo.dead)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("expected no failed marks when dead-lettered, got %d", len(repo.failed))
	}
	if got := testutil.ToFloat64(m.OutboxDead); got != 1 {
		t.Fatalf("expected dead counter 1, got %v", got)
	}
}

func TestOutboxDispatcherUndecodablePayloadIsMarkedFailed(t *testing.T) {
	ev := pendingEvent(t, 6, "e6", domain.EventTenantInstalled, 0)
	ev.PayloadJSON = json.RawMessage(`{not json`)
	repo := &outboxRepoStub{events: []domain.OutboxEvent{ev}}
	pub := &publisherStub{}
	d := NewOutboxDispatcher(repo, pub, DispatcherConfig{})

	if _, err := d.DispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatch batch: %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected nothing published, got %d", len(pub.published))
	}
	if len(repo.failed) != 1 {
		t.Fatalf("expected one failed mark, got %d", len(repo.failed))
	}
}

func TestOutboxDispatcherRestartResumeDispatchesRemainingPending(t *testing.T) {
	repo := &outboxRepoStub{events: []domain.OutboxEvent{
		pendingEvent(t, 4, "e4", domain.EventTenantInstalled, 0),
		pendingEvent(t, 5, "e5", domain.EventTenantSynced, 0),
	}}

	pub := &publisherStub{errByID: map[string]error{"e4": errors.New("transient")}}
	d1 := NewOutboxDispatcher(repo, pub, DispatcherConfig{BatchSize: 10})
	if _, err := d1.DispatchBatch(context.Background()); err != nil {
		t.Fatalf("first dispatch batch: %v", err)
	}
	if len(repo.dispatched) != 1 || repo.dispatched[0] != 5 {
		t.Fatalf("expected only id=5 dispatched after first run, got %v", repo.dispatched)
	}

	repo.events[0].NextAttemptAt = time.Now().UTC().Add(-time.Second)
	pub.errByID = map[string]error{}
	d2 := NewOutboxDispatcher(repo, pub, DispatcherConfig{BatchSize: 10})
	if _, err := d2.DispatchBatch(context.Background()); err != nil {
		t.Fatalf("second dispatch batch: %v", err)
	}

	if len(repo.dispatched) != 2 || repo.dispatched[1] != 4 {
		t.Fatalf("expected resumed dispatch of id=4, got %v", repo.dispatched)
	}
}

func TestOutboxDispatcherStartCloseIsIdempotent(t *testing.T) {
	d := NewOutboxDispatcher(&outboxRepoStub{}, &publisherStub{}, DispatcherConfig{Interval: 10 * time.Millisecond})
	d.Start(context.Background())
	d.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestBackoffDuration(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 9 * time.Second},
		{attempt: 100, want: 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffDuration(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
