package domain

import (
	"encoding/json"
	"time"
)

const CurrentEventSchemaVersion = 1

const AggregateTenant = "tenant"

const (
	EventTenantInstalled   = "tenant.installed"
	EventTenantReinstalled = "tenant.reinstalled"
	EventTenantUpdated     = "tenant.updated"
	EventTenantSynced      = "tenant.synced"
	EventTenantDeactivated = "tenant.deactivated"
)

const (
	SourceAPI     = "api"
	SourceWebhook = "webhook"
	SourceCLI     = "cli"
)

// MutationMetadata describes who caused a tenant write and through which entry point.
type MutationMetadata struct {
	Actor          string
	Source         string
	RequestID      string
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	OccurredAt     time.Time
}

func (m MutationMetadata) Normalize() MutationMetadata {
	if m.Source == "" {
		m.Source = SourceAPI
	}
	if m.Actor == "" {
		m.Actor = m.Source
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now().UTC()
	}
	return m
}

type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	SchemaVersion    int             `json:"schema_version"`
	Domain           string          `json:"domain"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateVersion int64           `json:"aggregate_version"`
	OccurredAt       time.Time       `json:"occurred_at"`
	CorrelationID    string          `json:"correlation_id"`
	CausationID      string          `json:"causation_id"`
	Actor            string          `json:"actor"`
	Source           string          `json:"source"`
	Payload          json.RawMessage `json:"payload"`
}

type AuditTrailEvent struct {
	ID               int64           `json:"id"`
	EventID          string          `json:"event_id"`
	SchemaVersion    int             `json:"schema_version"`
	Domain           string          `json:"domain"`
	AggregateVersion int64           `json:"aggregate_version"`
	Action           string          `json:"action"`
	Actor            string          `json:"actor"`
	Source           string          `json:"source"`
	RequestID        string          `json:"request_id"`
	CorrelationID    string          `json:"correlation_id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	BeforeJSON       json.RawMessage `json:"before,omitempty"`
	AfterJSON        json.RawMessage `json:"after,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

const (
	OutboxPending    = "pending"
	OutboxDispatched = "dispatched"
	OutboxDead       = "dead"
)

type OutboxEvent struct {
	ID            int64
	EventID       string
	Domain        string
	Topic         string
	PayloadJSON   json.RawMessage
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

type AuditFilter struct {
	Domain  string
	Action  string
	AfterID int64
	Limit   int
}

// EventTopic is the routing key an outbox event is published under.
func EventTopic(tenantDomain, eventType string) string {
	return "lifecycle." + tenantDomain + "." + eventType
}
