package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/storesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type auditEventModel struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EventID          string    `gorm:"column:event_id;not null"`
	SchemaVersion    int       `gorm:"column:schema_version;not null"`
	Domain           string    `gorm:"column:domain;not null"`
	AggregateVersion int64     `gorm:"column:aggregate_version;not null"`
	Action           string    `gorm:"column:action;not null"`
	Actor            string    `gorm:"column:actor;not null"`
	Source           string    `gorm:"column:source;not null"`
	RequestID        string    `gorm:"column:request_id;not null"`
	CorrelationID    string    `gorm:"column:correlation_id;not null"`
	CausationID      string    `gorm:"column:causation_id;not null"`
	IdempotencyKey   string    `gorm:"column:idempotency_key;not null"`
	BeforeJSON       string    `gorm:"column:before_json"`
	AfterJSON        string    `gorm:"column:after_json"`
	OccurredAt       time.Time `gorm:"column:occurred_at;not null"`
}

func (auditEventModel) TableName() string {
	return "audit_events"
}

type outboxEventModel struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;not null"`
	Domain        string     `gorm:"column:domain;not null"`
	Topic         string     `gorm:"column:topic;not null"`
	PayloadJSON   string     `gorm:"column:payload_json;not null"`
	Status        string     `gorm:"column:status;not null"`
	Attempts      int        `gorm:"column:attempts;not null"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	LastError     string     `gorm:"column:last_error;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	DispatchedAt  *time.Time `gorm:"column:dispatched_at"`
}

func (outboxEventModel) TableName() string {
	return "outbox_events"
}

// tenantSnapshot is the JSON shape of a tenant inside audit rows and event payloads.
type tenantSnapshot struct {
	Domain       string    `json:"domain"`
	ExternalID   string    `json:"externalId"`
	DisplayName  string    `json:"displayName"`
	ContactEmail string    `json:"contactEmail,omitempty"`
	Plan         string    `json:"plan,omitempty"`
	Active       bool      `json:"active"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

func snapshotOf(m *tenantModel) string {
	if m == nil {
		return ""
	}
	return string(mustJSON(tenantSnapshot{
		Domain:       m.Domain,
		ExternalID:   m.ExternalID,
		DisplayName:  m.DisplayName,
		ContactEmail: m.ContactEmail,
		Plan:         m.Plan,
		Active:       m.Active,
		LastSyncedAt: m.LastSyncedAt.UTC(),
	}))
}

// appendLifecycleEvent records action in the audit trail and queues it in
// the outbox. It must run inside the transaction that changed the tenant.
func appendLifecycleEvent(tx *gorm.DB, action string, meta domain.MutationMetadata, before, after *tenantModel) error {
	tenantDomain := after.Domain
	version, err := nextAggregateVersion(tx, tenantDomain)
	if err != nil {
		return err
	}

	occurredAt := meta.OccurredAt.UTC()
	afterJSON := snapshotOf(after)
	envelope := domain.EventEnvelope{
		EventID:          uuid.NewString(),
		EventType:        action,
		SchemaVersion:    domain.CurrentEventSchemaVersion,
		Domain:           tenantDomain,
		AggregateType:    domain.AggregateTenant,
		AggregateVersion: version,
		OccurredAt:       occurredAt,
		CorrelationID:    meta.CorrelationID,
		CausationID:      meta.CausationID,
		Actor:            meta.Actor,
		Source:           meta.Source,
		Payload:          json.RawMessage(afterJSON),
	}

	audit := auditEventModel{
		EventID:          envelope.EventID,
		SchemaVersion:    envelope.SchemaVersion,
		Domain:           tenantDomain,
		AggregateVersion: version,
		Action:           action,
		Actor:            meta.Actor,
		Source:           meta.Source,
		RequestID:        meta.RequestID,
		CorrelationID:    meta.CorrelationID,
		CausationID:      meta.CausationID,
		IdempotencyKey:   meta.IdempotencyKey,
		BeforeJSON:       snapshotOf(before),
		AfterJSON:        afterJSON,
		OccurredAt:       occurredAt,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	outbox := outboxEventModel{
		EventID:       envelope.EventID,
		Domain:        tenantDomain,
		Topic:         domain.EventTopic(tenantDomain, action),
		PayloadJSON:   string(payload),
		Status:        domain.OutboxPending,
		NextAttemptAt: occurredAt,
		CreatedAt:     occurredAt,
	}
	if err := tx.Create(&outbox).Error; err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func nextAggregateVersion(tx *gorm.DB, tenantDomain string) (int64, error) {
	var maxVersion int64
	err := tx.Model(&auditEventModel{}).
		Where("domain = ?", tenantDomain).
		Select("COALESCE(MAX(aggregate_version), 0)").
		Scan(&maxVersion).Error
	if err != nil {
		return 0, fmt.Errorf("query aggregate version: %w", err)
	}
	return maxVersion + 1, nil
}

type AuditTrailRepository struct {
	db *gormsqlite.DB
}

func NewAuditTrailRepository(db *gormsqlite.DB) *AuditTrailRepository {
	return &AuditTrailRepository{db: db}
}

// List returns events newest first. AfterID pages backwards from that id.
func (r *AuditTrailRepository) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error) {
	var rows []auditEventModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&auditEventModel{}).Where("domain = ?", filter.Domain)
		if filter.Action != "" {
			query = query.Where("action = ?", filter.Action)
		}
		if filter.AfterID > 0 {
			query = query.Where("id < ?", filter.AfterID)
		}
		return query.Order("id DESC").Limit(filter.Limit).Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	result := make([]domain.AuditTrailEvent, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.AuditTrailEvent{
			ID:               row.ID,
			EventID:          row.EventID,
			SchemaVersion:    row.SchemaVersion,
			Domain:           row.Domain,
			AggregateVersion: row.AggregateVersion,
			Action:           row.Action,
			Actor:            row.Actor,
			Source:           row.Source,
			RequestID:        row.RequestID,
			CorrelationID:    row.CorrelationID,
			IdempotencyKey:   row.IdempotencyKey,
			BeforeJSON:       rawOrNil(row.BeforeJSON),
			AfterJSON:        rawOrNil(row.AfterJSON),
			OccurredAt:       row.OccurredAt.UTC(),
		})
	}
	return result, nil
}

type OutboxRepository struct {
	db *gormsqlite.DB
}

func NewOutboxRepository(db *gormsqlite.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []outboxEventModel
	now := time.Now().UTC()
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("status = ? AND next_attempt_at <= ?", domain.OutboxPending, now).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox: %w", err)
	}

	result := make([]domain.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.OutboxEvent{
			ID:            row.ID,
			EventID:       row.EventID,
			Domain:        row.Domain,
			Topic:         row.Topic,
			PayloadJSON:   json.RawMessage(row.PayloadJSON),
			Status:        row.Status,
			Attempts:      row.Attempts,
			NextAttemptAt: row.NextAttemptAt,
			LastError:     row.LastError,
			CreatedAt:     row.CreatedAt,
			DispatchedAt:  row.DispatchedAt,
		})
	}
	return result, nil
}

func (r *OutboxRepository) MarkDispatched(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	return r.update(ctx, id, "mark outbox dispatched", map[string]any{
		"status":        domain.OutboxDispatched,
		"dispatched_at": &now,
		"last_error":    "",
	})
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, errMsg string) error {
	return r.update(ctx, id, "mark outbox failed", map[string]any{
		"attempts":        attempts,
		"next_attempt_at": nextAttemptAt.UTC(),
		"last_error":      errMsg,
	})
}

func (r *OutboxRepository) MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error {
	return r.update(ctx, id, "mark outbox dead", map[string]any{
		"status":     domain.OutboxDead,
		"attempts":   attempts,
		"last_error": errMsg,
	})
}

func (r *OutboxRepository) update(ctx context.Context, id int64, op string, fields map[string]any) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).Where("id = ?", id).UpdateColumns(fields).Error
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
