package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
)

// TenantStore persists tenant records. Every write is keyed by domain and
// executes atomically at the storage layer; the store records the matching
// lifecycle event in the same transaction.
type TenantStore interface {
	// Upsert creates or overwrites the record for in.Domain and marks it
	// active. created reports whether a new row was inserted.
	Upsert(ctx context.Context, in domain.UpsertInput, meta domain.MutationMetadata) (tenant domain.Tenant, created bool, err error)
	// Touch advances lastSyncedAt only. domain.ErrNotFound when absent.
	Touch(ctx context.Context, tenantDomain string, meta domain.MutationMetadata) (domain.Tenant, error)
	// Deactivate clears active and advances lastSyncedAt. changed is false
	// when the record was already inactive. domain.ErrNotFound when absent.
	Deactivate(ctx context.Context, tenantDomain string, meta domain.MutationMetadata) (tenant domain.Tenant, changed bool, err error)
	Get(ctx context.Context, tenantDomain string) (domain.Tenant, error)
	ListActive(ctx context.Context) ([]domain.Tenant, error)
	// ListStale returns active tenants whose lastSyncedAt is before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.Tenant, error)
}
