package service

import (
	"context"
	"errors"

	apperrors "github.com/devrev/tenantplane/internal/errors"
	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/store"
	"go.uber.org/zap"
)

// TenantService reads the central hospital directory
type TenantService struct {
	directory store.DirectoryStore
	cache     *store.TenantCache
	logger    *zap.Logger
}

// NewTenantService creates a new tenant service. cache may be nil.
func NewTenantService(
	directory store.DirectoryStore,
	cache *store.TenantCache,
	logger *zap.Logger,
) *TenantService {
	return &TenantService{
		directory: directory,
		cache:     cache,
		logger:    logger,
	}
}

// GetActiveTenant returns an active hospital, using the cache if available.
// Missing and inactive rows both yield TenantNotConfigured.
func (s *TenantService) GetActiveTenant(ctx context.Context, tenantID int64) (*model.Tenant, error) {
	if s.cache != nil {
		if tenant, ok := s.cache.Get(tenantID); ok {
			s.logger.Debug("Hospital retrieved from cache",
				zap.Int64("tenant_id", tenantID))
			return tenant, nil
		}
	}

	tenant, err := s.directory.GetActiveTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.TenantNotConfigured(tenantID, err)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read hospital directory", err)
	}

	if s.cache != nil {
		s.cache.Set(tenant)
	}
	return tenant, nil
}

// GetTenant returns a hospital row regardless of its active flag. It always
// reads through to the directory.
func (s *TenantService) GetTenant(ctx context.Context, tenantID int64) (*model.Tenant, error) {
	tenant, err := s.directory.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("hospital", err).WithDetail("tenant_id", tenantID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read hospital directory", err)
	}
	return tenant, nil
}

// CheckActive confirms against the directory, bypassing the cache, that a
// hospital is active. The cache is refreshed with the answer.
func (s *TenantService) CheckActive(ctx context.Context, tenantID int64) error {
	tenant, err := s.directory.GetActiveTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		s.Invalidate(tenantID)
		return apperrors.TenantNotConfigured(tenantID, err)
	}
	if err != nil {
		return apperrors.InternalError("failed to read hospital directory", err)
	}
	if s.cache != nil {
		s.cache.Set(tenant)
	}
	return nil
}

// ListActiveTenants returns every active hospital
func (s *TenantService) ListActiveTenants(ctx context.Context) ([]*model.Tenant, error) {
	tenants, err := s.directory.ListActiveTenants(ctx)
	if err != nil {
		return nil, apperrors.InternalError("failed to list hospitals", err)
	}
	return tenants, nil
}

// Invalidate drops a hospital from the cache
func (s *TenantService) Invalidate(tenantID int64) {
	if s.cache != nil {
		s.cache.Delete(tenantID)
	}
}
