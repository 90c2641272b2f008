package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
)

type auditRepoStub struct {
	got domain.AuditFilter
	err error
}

func (s *auditRepoStub) List(_ context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error) {
	s.got = filter
	return []domain.AuditTrailEvent{{ID: 1, Domain: filter.Domain}}, s.err
}

func TestAuditServiceNormalizesFilter(t *testing.T) {
	repo := &auditRepoStub{}
	svc := NewAuditService(repo)

	_, err := svc.List(context.Background(), domain.AuditFilter{Domain: " Shop-A.example"})
	require.NoError(t, err)
	assert.Equal(t, "shop-a.example", repo.got.Domain)
	assert.Equal(t, 100, repo.got.Limit)

	_, err = svc.List(context.Background(), domain.AuditFilter{Domain: "shop-a.example", Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 1000, repo.got.Limit)
}

func TestAuditServiceRejectsBadInput(t *testing.T) {
	svc := NewAuditService(&auditRepoStub{})

	_, err := svc.List(context.Background(), domain.AuditFilter{})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.List(context.Background(), domain.AuditFilter{Domain: "shop-a.example", AfterID: -1})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestAuditServiceWrapsRepositoryErrors(t *testing.T) {
	svc := NewAuditService(&auditRepoStub{err: errors.New("locked")})
	_, err := svc.List(context.Background(), domain.AuditFilter{Domain: "shop-a.example"})
	require.ErrorIs(t, err, domain.ErrInternal)
}
