package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/storesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type tenantModel struct {
	Domain       string    `gorm:"column:domain;primaryKey"`
	ExternalID   string    `gorm:"column:external_id;not null"`
	DisplayName  string    `gorm:"column:display_name;not null"`
	ContactEmail string    `gorm:"column:contact_email;not null"`
	Plan         string    `gorm:"column:plan;not null"`
	Active       bool      `gorm:"column:active;not null"`
	LastSyncedAt time.Time `gorm:"column:last_synced_at;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

func (tenantModel) TableName() string {
	return "tenants"
}

// upsertByDomain keeps stored contact_email and plan when the incoming value is empty.
var upsertByDomain = clause.OnConflict{
	Columns: []clause.Column{{Name: "domain"}},
	DoUpdates: clause.Assignments(map[string]any{
		"external_id":    gorm.Expr("excluded.external_id"),
		"display_name":   gorm.Expr("excluded.display_name"),
		"contact_email":  gorm.Expr("CASE WHEN excluded.contact_email = '' THEN tenants.contact_email ELSE excluded.contact_email END"),
		"plan":           gorm.Expr("CASE WHEN excluded.plan = '' THEN tenants.plan ELSE excluded.plan END"),
		"active":         true,
		"last_synced_at": gorm.Expr("excluded.last_synced_at"),
		"updated_at":     gorm.Expr("excluded.updated_at"),
	}),
}

type TenantStore struct {
	db *gormsqlite.DB
}

func NewTenantStore(db *gormsqlite.DB) *TenantStore {
	return &TenantStore{db: db}
}

func (s *TenantStore) Upsert(ctx context.Context, in domain.UpsertInput, meta domain.MutationMetadata) (domain.Tenant, bool, error) {
	meta = meta.Normalize()
	var result domain.Tenant
	created := false

	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var before *tenantModel
		existing, err := findTenant(tx.DB, in.Domain)
		switch {
		case err == nil:
			before = &existing
		case errors.Is(err, domain.ErrNotFound):
		default:
			return fmt.Errorf("load existing tenant: %w", err)
		}

		now := meta.OccurredAt.UTC()
		var prevSync time.Time
		if before != nil {
			prevSync = before.LastSyncedAt
		}
		model := tenantModel{
			Domain:       in.Domain,
			ExternalID:   in.ExternalID,
			DisplayName:  in.DisplayName,
			ContactEmail: in.ContactEmail,
			Plan:         in.Plan,
			Active:       true,
			LastSyncedAt: domain.NextSyncTime(prevSync, now),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Clauses(upsertByDomain).Create(&model).Error; err != nil {
			return fmt.Errorf("upsert tenant: %w", err)
		}

		after, err := findTenant(tx.DB, in.Domain)
		if err != nil {
			return fmt.Errorf("load upserted tenant: %w", err)
		}

		action := domain.EventTenantUpdated
		switch {
		case before == nil:
			action = domain.EventTenantInstalled
		case !before.Active:
			action = domain.EventTenantReinstalled
		}
		if err := appendLifecycleEvent(tx.DB, action, meta, before, &after); err != nil {
			return err
		}

		result = toTenant(after)
		created = before == nil
		return nil
	})
	if err != nil {
		return domain.Tenant{}, false, err
	}
	return result, created, nil
}

func (s *TenantStore) Touch(ctx context.Context, tenantDomain string, meta domain.MutationMetadata) (domain.Tenant, error) {
	meta = meta.Normalize()
	var result domain.Tenant

	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		before, err := findTenant(tx.DB, tenantDomain)
		if err != nil {
			return err
		}

		after := before
		after.LastSyncedAt = domain.NextSyncTime(before.LastSyncedAt, meta.OccurredAt)
		// UpdateColumns leaves updated_at alone: a heartbeat is not an edit.
		if err := tx.Model(&tenantModel{}).
			Where("domain = ?", tenantDomain).
			UpdateColumns(map[string]any{"last_synced_at": after.LastSyncedAt}).Error; err != nil {
			return fmt.Errorf("touch tenant: %w", err)
		}

		if err := appendLifecycleEvent(tx.DB, domain.EventTenantSynced, meta, &before, &after); err != nil {
			return err
		}
		result = toTenant(after)
		return nil
	})
	if err != nil {
		return domain.Tenant{}, err
	}
	return result, nil
}

func (s *TenantStore) Deactivate(ctx context.Context, tenantDomain string, meta domain.MutationMetadata) (domain.Tenant, bool, error) {
	meta = meta.Normalize()
	var result domain.Tenant
	changed := false

	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		before, err := findTenant(tx.DB, tenantDomain)
		if err != nil {
			return err
		}
		if !before.Active {
			result = toTenant(before)
			return nil
		}

		now := meta.OccurredAt.UTC()
		after := before
		after.Active = false
		after.LastSyncedAt = domain.NextSyncTime(before.LastSyncedAt, now)
		after.UpdatedAt = now
		if err := tx.Model(&tenantModel{}).
			Where("domain = ? AND active = ?", tenantDomain, true).
			UpdateColumns(map[string]any{
				"active":         false,
				"last_synced_at": after.LastSyncedAt,
				"updated_at":     after.UpdatedAt,
			}).Error; err != nil {
			return fmt.Errorf("deactivate tenant: %w", err)
		}

		if err := appendLifecycleEvent(tx.DB, domain.EventTenantDeactivated, meta, &before, &after); err != nil {
			return err
		}
		result = toTenant(after)
		changed = true
		return nil
	})
	if err != nil {
		return domain.Tenant{}, false, err
	}
	return result, changed, nil
}

func (s *TenantStore) Get(ctx context.Context, tenantDomain string) (domain.Tenant, error) {
	var model tenantModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		var err error
		model, err = findTenant(tx.DB, tenantDomain)
		return err
	})
	if err != nil {
		return domain.Tenant{}, err
	}
	return toTenant(model), nil
}

func (s *TenantStore) ListActive(ctx context.Context) ([]domain.Tenant, error) {
	var models []tenantModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("active = ?", true).Order("domain ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return toTenants(models), nil
}

func (s *TenantStore) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Tenant, error) {
	var models []tenantModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("active = ? AND last_synced_at < ?", true, cutoff.UTC()).
			Order("last_synced_at ASC").
			Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list stale tenants: %w", err)
	}
	return toTenants(models), nil
}

func findTenant(tx *gorm.DB, tenantDomain string) (tenantModel, error) {
	var model tenantModel
	err := tx.Where("domain = ?", tenantDomain).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tenantModel{}, domain.NotFound("store not found")
		}
		return tenantModel{}, fmt.Errorf("get tenant: %w", err)
	}
	return model, nil
}

func toTenant(m tenantModel) domain.Tenant {
	return domain.Tenant{
		Domain:       m.Domain,
		ExternalID:   m.ExternalID,
		DisplayName:  m.DisplayName,
		ContactEmail: m.ContactEmail,
		Plan:         m.Plan,
		Active:       m.Active,
		LastSyncedAt: m.LastSyncedAt.UTC(),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

func toTenants(models []tenantModel) []domain.Tenant {
	result := make([]domain.Tenant, 0, len(models))
	for _, m := range models {
		result = append(result, toTenant(m))
	}
	return result
}
