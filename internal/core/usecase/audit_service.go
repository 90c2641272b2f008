package usecase

import (
	"context"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
	"github.com/atvirokodosprendimai/storesync/internal/core/ports"
)

// AuditService reads the lifecycle history of one tenant.
type AuditService struct {
	repo ports.AuditTrailRepository
}

func NewAuditService(repo ports.AuditTrailRepository) *AuditService {
	return &AuditService{repo: repo}
}

func (s *AuditService) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error) {
	filter.Domain = domain.NormalizeDomain(filter.Domain)
	if err := domain.ValidateDomain(filter.Domain); err != nil {
		return nil, err
	}
	if filter.AfterID < 0 {
		return nil, domain.Validation("after must not be negative")
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	events, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, domain.Wrap(err, domain.CodeInternal, "failed to list store events")
	}
	return events, nil
}
