package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/devrev/tenantplane/internal/errors"
	"github.com/devrev/tenantplane/internal/metrics"
	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultPostgresPort = 5432

// ConnDefaults fill directory fields left blank. There is deliberately no
// default database name.
type ConnDefaults struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Opener opens a bounded pool for one hospital
type Opener func(ctx context.Context, params model.ConnParams) (store.DB, error)

// PgxOpener opens hospital pools with pgxpool under the given bounds
func PgxOpener(settings store.PoolSettings) Opener {
	return func(ctx context.Context, params model.ConnParams) (store.DB, error) {
		return store.OpenPool(ctx, params, settings)
	}
}

// RegistryConfig controls how the registry opens and trusts pools
type RegistryConfig struct {
	Defaults ConnDefaults

	// LoadTimeout bounds a cold load independently of the callers waiting
	// on it.
	LoadTimeout time.Duration

	// RevalidateInterval is how long a pool is served before the directory
	// is consulted again. Zero serves it until evicted.
	RevalidateInterval time.Duration
}

// PoolRegistry keeps one live pool per hospital for the life of the process.
// Concurrent cold loads of the same hospital share a single open.
type PoolRegistry struct {
	directory store.DirectoryStore
	config    RegistryConfig
	open      Opener
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	pools     map[int64]*pooledDB
	evictions map[int64]uint64
	closed    bool

	loads singleflight.Group
}

type pooledDB struct {
	db        store.DB
	params    model.ConnParams
	checkedAt time.Time
}

// NewPoolRegistry creates a registry. The directory is read on every cold
// load and whenever a cached pool is due for revalidation, so a deactivated
// hospital stops resolving.
func NewPoolRegistry(
	directory store.DirectoryStore,
	config RegistryConfig,
	open Opener,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PoolRegistry {
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = 15 * time.Second
	}
	return &PoolRegistry{
		directory: directory,
		config:    config,
		open:      open,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		pools:     make(map[int64]*pooledDB),
		evictions: make(map[int64]uint64),
	}
}

// fresh must be called with mu held
func (r *PoolRegistry) fresh(p *pooledDB) bool {
	return r.config.RevalidateInterval <= 0 || r.now().Sub(p.checkedAt) < r.config.RevalidateInterval
}

// Resolve returns the hospital's pool, opening it on first use
func (r *PoolRegistry) Resolve(ctx context.Context, tenantID int64) (store.DB, error) {
	if tenantID <= 0 {
		return nil, apperrors.TenantNotConfigured(tenantID, nil)
	}

	r.mu.RLock()
	p, ok := r.pools[tenantID]
	fresh := ok && r.fresh(p)
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, apperrors.InternalError("pool registry is closed", nil)
	}
	if fresh {
		return p.db, nil
	}

	// the shared load outlives any single caller; each caller only bounds
	// its own wait
	ch := r.loads.DoChan(strconv.FormatInt(tenantID, 10), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.LoadTimeout)
		defer cancel()
		return r.load(loadCtx, tenantID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(store.DB), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for hospital %d pool: %w", tenantID, ctx.Err())
	}
}

func (r *PoolRegistry) load(ctx context.Context, tenantID int64) (store.DB, error) {
	r.mu.RLock()
	cached, ok := r.pools[tenantID]
	fresh := ok && r.fresh(cached)
	generation := r.evictions[tenantID]
	r.mu.RUnlock()
	if fresh {
		return cached.db, nil
	}

	start := time.Now()

	tenant, err := r.directory.GetActiveTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		if ok {
			r.drop(tenantID, cached, "deactivated")
		}
		r.metrics.RecordPoolLoad("not_configured", time.Since(start))
		return nil, apperrors.TenantNotConfigured(tenantID, err)
	}
	if err != nil {
		if ok {
			// keep serving a known pool through a directory outage; the
			// next call checks again
			r.logger.Warn("Failed to revalidate hospital pool",
				zap.Int64("tenant_id", tenantID),
				zap.Error(err))
			return cached.db, nil
		}
		r.metrics.RecordPoolLoad("directory_error", time.Since(start))
		return nil, apperrors.InternalError("failed to read hospital directory", err).
			WithDetail("tenant_id", tenantID)
	}

	params, err := SanitizeConnParams(tenant, r.config.Defaults)
	if err != nil {
		if ok {
			r.drop(tenantID, cached, "misconfigured")
		}
		r.metrics.RecordPoolLoad("not_configured", time.Since(start))
		return nil, apperrors.TenantNotConfigured(tenantID, err)
	}

	if ok {
		if cached.params == params {
			r.mu.Lock()
			if r.pools[tenantID] == cached {
				cached.checkedAt = r.now()
			}
			r.mu.Unlock()
			return cached.db, nil
		}
		r.drop(tenantID, cached, "connection_changed")
		r.mu.RLock()
		generation = r.evictions[tenantID]
		r.mu.RUnlock()
	}

	db, err := r.open(ctx, params)
	if err != nil {
		r.metrics.RecordPoolLoad("connection_error", time.Since(start))
		r.logger.Warn("Failed to open hospital pool",
			zap.Int64("tenant_id", tenantID),
			zap.String("target", params.String()),
			zap.Error(err))
		return nil, apperrors.Connection(tenantID, err)
	}

	r.mu.Lock()
	if r.closed || r.evictions[tenantID] != generation {
		r.mu.Unlock()
		db.Close()
		r.metrics.RecordPoolLoad("evicted", time.Since(start))
		return nil, apperrors.TenantNotConfigured(tenantID, nil)
	}
	r.pools[tenantID] = &pooledDB{db: db, params: params, checkedAt: r.now()}
	size := len(r.pools)
	r.mu.Unlock()

	r.metrics.RecordPoolLoad("ok", time.Since(start))
	r.metrics.SetPoolsOpen(size)
	r.logger.Info("Opened hospital pool",
		zap.Int64("tenant_id", tenantID),
		zap.String("target", params.String()),
		zap.Duration("duration", time.Since(start)))

	return db, nil
}

// drop closes a cached pool found stale on revalidation, unless it was
// already replaced or evicted.
func (r *PoolRegistry) drop(tenantID int64, stale *pooledDB, reason string) {
	r.mu.Lock()
	if r.pools[tenantID] != stale {
		r.mu.Unlock()
		return
	}
	delete(r.pools, tenantID)
	r.evictions[tenantID]++
	size := len(r.pools)
	r.mu.Unlock()

	stale.db.Close()
	r.metrics.SetPoolsOpen(size)
	r.logger.Info("Dropped stale hospital pool",
		zap.Int64("tenant_id", tenantID),
		zap.String("reason", reason))
}

// Evict closes and forgets a hospital's pool. A cold load racing with the
// eviction is discarded rather than cached.
func (r *PoolRegistry) Evict(tenantID int64) {
	r.mu.Lock()
	p, ok := r.pools[tenantID]
	delete(r.pools, tenantID)
	r.evictions[tenantID]++
	size := len(r.pools)
	r.mu.Unlock()

	if ok {
		p.db.Close()
		r.logger.Info("Evicted hospital pool", zap.Int64("tenant_id", tenantID))
	}
	r.metrics.SetPoolsOpen(size)
}

// Len returns the number of open pools
func (r *PoolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Close closes every pool. Resolve fails afterwards.
func (r *PoolRegistry) Close() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[int64]*pooledDB)
	r.closed = true
	r.mu.Unlock()

	for _, p := range pools {
		p.db.Close()
	}
	r.metrics.SetPoolsOpen(0)
}

// SanitizeConnParams trims a directory row's connection fields and fills
// blanks from defaults. A blank database name is an error.
func SanitizeConnParams(tenant *model.Tenant, defaults ConnDefaults) (model.ConnParams, error) {
	params := model.ConnParams{
		Host:     strings.TrimSpace(tenant.DBHost),
		Port:     tenant.DBPort,
		User:     strings.TrimSpace(tenant.DBUser),
		Password: strings.TrimSpace(tenant.DBPassword),
		Database: strings.TrimSpace(tenant.DBName),
	}

	if params.Database == "" {
		return model.ConnParams{}, errors.New("hospital has no database name")
	}
	if params.Host == "" {
		params.Host = strings.TrimSpace(defaults.Host)
	}
	if params.Port <= 0 {
		params.Port = defaults.Port
	}
	if params.Port <= 0 {
		params.Port = defaultPostgresPort
	}
	if params.User == "" {
		params.User = strings.TrimSpace(defaults.User)
	}
	if params.Password == "" {
		params.Password = defaults.Password
	}

	if params.Host == "" {
		return model.ConnParams{}, errors.New("hospital has no database host and no default is configured")
	}
	if params.User == "" {
		return model.ConnParams{}, errors.New("hospital has no database user and no default is configured")
	}
	return params, nil
}
