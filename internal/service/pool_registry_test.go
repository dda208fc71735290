package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

func activeHospital(id int64, dbName string) *model.Tenant {
	return &model.Tenant{ID: id, Code: "H" + dbName, DBName: dbName, Active: true}
}

type countingOpener struct {
	calls  atomic.Int32
	delay  time.Duration
	gate   chan struct{}
	err    error
	params []model.ConnParams
	mu     sync.Mutex
}

func (o *countingOpener) open(ctx context.Context, params model.ConnParams) (store.DB, error) {
	o.calls.Add(1)
	o.mu.Lock()
	o.params = append(o.params, params)
	o.mu.Unlock()
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if o.gate != nil {
		<-o.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.err != nil {
		return nil, o.err
	}
	return newFakeDB(params.Database), nil
}

var testConnDefaults = ConnDefaults{Host: "db.internal", Port: 5432, User: "app", Password: "secret"}

func newTestRegistry(dir store.DirectoryStore, opener *countingOpener) *PoolRegistry {
	return NewPoolRegistry(dir, RegistryConfig{Defaults: testConnDefaults}, opener.open, nil, zap.NewNop())
}

// revalidatingRegistry trusts a pool for one minute of a manual clock
func revalidatingRegistry(dir store.DirectoryStore, opener *countingOpener) (*PoolRegistry, *time.Time) {
	registry := NewPoolRegistry(dir, RegistryConfig{
		Defaults:           testConnDefaults,
		RevalidateInterval: time.Minute,
	}, opener.open, nil, zap.NewNop())
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return clock }
	return registry, &clock
}

func TestPoolRegistry_Resolve_CachesHandle(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(activeHospital(5, "hospital_kah"), nil).Once()
	opener := &countingOpener{}
	registry := newTestRegistry(dir, opener)

	first, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)
	second, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), opener.calls.Load())
	assert.Equal(t, 1, registry.Len())
	dir.AssertExpectations(t)
}

func TestPoolRegistry_Resolve_ConcurrentColdLoadOpensOnce(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(7)).Return(activeHospital(7, "hospital_kfh"), nil)
	opener := &countingOpener{delay: 50 * time.Millisecond}
	registry := newTestRegistry(dir, opener)

	const callers = 32
	handles := make([]store.DB, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := registry.Resolve(context.Background(), 7)
			assert.NoError(t, err)
			handles[i] = db
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), opener.calls.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestPoolRegistry_Resolve_UnknownOrInactive(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(9)).Return(nil, store.ErrNotFound)
	opener := &countingOpener{}
	registry := newTestRegistry(dir, opener)

	for i := 0; i < 2; i++ {
		db, err := registry.Resolve(context.Background(), 9)
		assert.Nil(t, db)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeTenantNotConfigured, apperrors.GetCode(err))
	}

	assert.Equal(t, int32(0), opener.calls.Load())
	assert.Equal(t, 0, registry.Len())
	dir.AssertNumberOfCalls(t, "GetActiveTenant", 2)
}

func TestPoolRegistry_Resolve_InvalidID(t *testing.T) {
	registry := newTestRegistry(new(MockDirectoryStore), &countingOpener{})

	_, err := registry.Resolve(context.Background(), 0)
	assert.Equal(t, apperrors.ErrCodeTenantNotConfigured, apperrors.GetCode(err))
}

func TestPoolRegistry_Resolve_BlankDatabaseName(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(3)).Return(activeHospital(3, "  "), nil)
	opener := &countingOpener{}
	registry := newTestRegistry(dir, opener)

	_, err := registry.Resolve(context.Background(), 3)
	assert.Equal(t, apperrors.ErrCodeTenantNotConfigured, apperrors.GetCode(err))
	assert.Equal(t, int32(0), opener.calls.Load())
}

func TestPoolRegistry_Resolve_ConnectionErrorNotCached(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(activeHospital(5, "hospital_kah"), nil)
	opener := &countingOpener{err: errors.New("connection refused")}
	registry := newTestRegistry(dir, opener)

	_, err := registry.Resolve(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConnection, apperrors.GetCode(err))
	assert.Equal(t, 0, registry.Len())

	opener.err = nil
	db, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, db)
	assert.Equal(t, int32(2), opener.calls.Load())
}

func TestPoolRegistry_Resolve_AppliesDefaults(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(&model.Tenant{
		ID:     5,
		DBHost: "  ",
		DBUser: "hospital_kah_user",
		DBName: " hospital_kah ",
		Active: true,
	}, nil)
	opener := &countingOpener{}
	registry := newTestRegistry(dir, opener)

	_, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)

	require.Len(t, opener.params, 1)
	assert.Equal(t, model.ConnParams{
		Host:     "db.internal",
		Port:     5432,
		User:     "hospital_kah_user",
		Password: "secret",
		Database: "hospital_kah",
	}, opener.params[0])
}

func TestPoolRegistry_Evict(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(activeHospital(5, "hospital_kah"), nil)
	opener := &countingOpener{}
	registry := newTestRegistry(dir, opener)

	db, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)

	registry.Evict(5)
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, int32(1), db.(*fakeDB).closed.Load())

	reopened, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.NotSame(t, db, reopened)
}

func TestPoolRegistry_Resolve_DeactivatedHospitalStopsResolving(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(activeHospital(5, "hospital_kah"), nil).Once()
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(nil, store.ErrNotFound)
	opener := &countingOpener{}
	registry, clock := revalidatingRegistry(dir, opener)

	db, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)

	// within the interval the cached pool is served without a directory read
	again, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.Same(t, db, again)
	dir.AssertNumberOfCalls(t, "GetActiveTenant", 1)

	*clock = clock.Add(2 * time.Minute)
	stale, err := registry.Resolve(context.Background(), 5)
	assert.Nil(t, stale)
	assert.Equal(t, apperrors.ErrCodeTenantNotConfigured, apperrors.GetCode(err))
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, int32(1), db.(*fakeDB).closed.Load())
}

func TestPoolRegistry_Resolve_RevalidationKeepsUnchangedPool(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(activeHospital(5, "hospital_kah"), nil)
	opener := &countingOpener{}
	registry, clock := revalidatingRegistry(dir, opener)

	db, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)

	*clock = clock.Add(2 * time.Minute)
	again, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.Same(t, db, again)
	assert.Equal(t, int32(1), opener.calls.Load())
	dir.AssertNumberOfCalls(t, "GetActiveTenant", 2)
}

func TestPoolRegistry_Resolve_RevalidationReopensMovedDatabase(t *testing.T) {
	moved := activeHospital(5, "hospital_kah")
	moved.DBHost = "db2.internal"
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(activeHospital(5, "hospital_kah"), nil).Once()
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(moved, nil)
	opener := &countingOpener{}
	registry, clock := revalidatingRegistry(dir, opener)

	old, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)

	*clock = clock.Add(2 * time.Minute)
	reopened, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.NotSame(t, old, reopened)
	assert.Equal(t, int32(1), old.(*fakeDB).closed.Load())
	require.Len(t, opener.params, 2)
	assert.Equal(t, "db2.internal", opener.params[1].Host)
}

func TestPoolRegistry_Resolve_DirectoryOutageKeepsKnownPool(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(activeHospital(5, "hospital_kah"), nil).Once()
	dir.On("GetActiveTenant", mock.Anything, int64(5)).Return(nil, errors.New("central down"))
	registry, clock := revalidatingRegistry(dir, &countingOpener{})

	db, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)

	*clock = clock.Add(2 * time.Minute)
	again, err := registry.Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.Same(t, db, again)
}

func TestPoolRegistry_Resolve_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(7)).Return(activeHospital(7, "hospital_kfh"), nil)
	opener := &countingOpener{gate: make(chan struct{})}
	registry := newTestRegistry(dir, opener)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := registry.Resolve(ctx, 7)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return opener.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := registry.Resolve(context.Background(), 7)
		second <- err
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(opener.gate)
	assert.NoError(t, <-second)
	assert.Equal(t, int32(1), opener.calls.Load())
	assert.Equal(t, 1, registry.Len())
}

func TestPoolRegistry_Close(t *testing.T) {
	dir := new(MockDirectoryStore)
	dir.On("GetActiveTenant", mock.Anything, int64(1)).Return(activeHospital(1, "hospital_a"), nil)
	dir.On("GetActiveTenant", mock.Anything, int64(2)).Return(activeHospital(2, "hospital_b"), nil)
	registry := newTestRegistry(dir, &countingOpener{})

	a, err := registry.Resolve(context.Background(), 1)
	require.NoError(t, err)
	b, err := registry.Resolve(context.Background(), 2)
	require.NoError(t, err)

	registry.Close()
	assert.Equal(t, int32(1), a.(*fakeDB).closed.Load())
	assert.Equal(t, int32(1), b.(*fakeDB).closed.Load())

	_, err = registry.Resolve(context.Background(), 1)
	assert.Error(t, err)
}

func TestSanitizeConnParams(t *testing.T) {
	defaults := ConnDefaults{Host: "fallback", User: "fallback_user", Password: "pw"}

	params, err := SanitizeConnParams(&model.Tenant{DBName: "hospital_x", DBHost: " db1 ", DBPort: 6432}, defaults)
	require.NoError(t, err)
	assert.Equal(t, "db1", params.Host)
	assert.Equal(t, 6432, params.Port)
	assert.Equal(t, "fallback_user", params.User)
	assert.Equal(t, "pw", params.Password)

	params, err = SanitizeConnParams(&model.Tenant{DBName: "hospital_x"}, defaults)
	require.NoError(t, err)
	assert.Equal(t, defaultPostgresPort, params.Port)

	_, err = SanitizeConnParams(&model.Tenant{DBHost: "db1"}, defaults)
	assert.Error(t, err, "database name never falls back")

	_, err = SanitizeConnParams(&model.Tenant{DBName: "hospital_x"}, ConnDefaults{})
	assert.Error(t, err)
}
