package service

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/devrev/tenantplane/internal/errors"
	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTenantService_GetActiveTenant_UsesCache(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(activeHospital(5, "hospital_kah"), nil).Once()
	cache := store.NewTenantCache(time.Minute, 10)
	defer cache.Close()
	svc := NewTenantService(dir, cache, zap.NewNop())

	for i := 0; i < 3; i++ {
		tenant, err := svc.GetActiveTenant(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, "hospital_kah", tenant.DBName)
	}
	dir.AssertNumberOfCalls(t, "GetActiveTenant", 1)

	svc.Invalidate(5)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(activeHospital(5, "hospital_kah"), nil).Once()
	_, err := svc.GetActiveTenant(context.Background(), 5)
	require.NoError(t, err)
	dir.AssertNumberOfCalls(t, "GetActiveTenant", 2)
}

func TestTenantService_GetActiveTenant_Errors(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(8)).Return(nil, store.ErrNotFound)
	dir.On("GetActiveTenant", mock.Anything, int64(9)).Return(nil, errors.New("central down"))
	svc := NewTenantService(dir, nil, zap.NewNop())

	_, err := svc.GetActiveTenant(context.Background(), 8)
	assert.Equal(t, apperrors.ErrCodeTenantNotConfigured, apperrors.GetCode(err))

	_, err = svc.GetActiveTenant(context.Background(), 9)
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.GetCode(err))
}

func TestTenantService_GetTenant_IgnoresActiveFlag(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetTenant", mock.Anything, int64(4)).Return(&model.Tenant{ID: 4, Active: false}, nil)
	dir.On("GetTenant", mock.Anything, int64(6)).Return(nil, store.ErrNotFound)
	svc := NewTenantService(dir, nil, zap.NewNop())

	tenant, err := svc.GetTenant(context.Background(), 4)
	require.NoError(t, err)
	assert.False(t, tenant.Active)

	_, err = svc.GetTenant(context.Background(), 6)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestTenantService_CheckActive_BypassesCache(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(nil, store.ErrNotFound)
	cache := store.NewTenantCache(time.Minute, 10)
	defer cache.Close()
	cache.Set(activeHospital(5, "hospital_kah"))
	svc := NewTenantService(dir, cache, zap.NewNop())

	err := svc.CheckActive(context.Background(), 5)
	assert.Equal(t, apperrors.ErrCodeTenantNotConfigured, apperrors.GetCode(err))

	_, cached := cache.Get(5)
	assert.False(t, cached, "a deactivated hospital is dropped from the cache")
}
