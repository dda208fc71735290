package service

import (
	"context"
	"fmt"

	apperrors "github.com/devrev/tenantplane/internal/errors"
	"github.com/devrev/tenantplane/internal/metrics"
	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/store"
	"go.uber.org/zap"
)

// PoolResolver resolves a hospital id to its pool
type PoolResolver interface {
	Resolve(ctx context.Context, tenantID int64) (store.DB, error)
}

// Route says where a caller's queries go
type Route struct {
	DB       store.DB
	Central  bool
	TenantID int64
}

// Router decides which storage a caller may use. It is the only path from a
// caller identity to a pool.
type Router struct {
	central store.DB
	pools   PoolResolver
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRouter creates a router over the central pool and the hospital registry
func NewRouter(central store.DB, pools PoolResolver, m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		central: central,
		pools:   pools,
		metrics: m,
		logger:  logger,
	}
}

// ResolveForCaller returns the pool the caller's queries must run against.
// requestedTenantID zero means no hospital was requested.
func (r *Router) ResolveForCaller(ctx context.Context, caller model.Caller, requestedTenantID int64) (store.DB, error) {
	route, err := r.Route(ctx, caller, requestedTenantID)
	if err != nil {
		return nil, err
	}
	return route.DB, nil
}

// Route is ResolveForCaller that also reports the destination
func (r *Router) Route(ctx context.Context, caller model.Caller, requestedTenantID int64) (*Route, error) {
	switch caller.Role {
	case model.RoleClusterAdmin:
		if requestedTenantID == 0 {
			return r.toCentral(caller), nil
		}
		return r.toTenant(ctx, caller, requestedTenantID)

	case model.RoleTenantUser:
		if caller.TenantID <= 0 {
			r.metrics.RecordRouterDecision(string(caller.Role), "forbidden")
			return nil, apperrors.Forbidden("caller is not bound to a hospital")
		}
		if requestedTenantID != 0 && requestedTenantID != caller.TenantID {
			r.metrics.RecordRouterDecision(string(caller.Role), "forbidden")
			r.logger.Warn("Rejected cross-hospital access",
				zap.String("username", caller.Username),
				zap.Int64("bound_tenant_id", caller.TenantID),
				zap.Int64("requested_tenant_id", requestedTenantID))
			return nil, apperrors.Forbidden(fmt.Sprintf("caller bound to hospital %d may not access hospital %d",
				caller.TenantID, requestedTenantID)).
				WithDetail("bound_tenant_id", caller.TenantID).
				WithDetail("requested_tenant_id", requestedTenantID)
		}
		return r.toTenant(ctx, caller, caller.TenantID)

	default:
		return r.toCentral(caller), nil
	}
}

func (r *Router) toCentral(caller model.Caller) *Route {
	r.metrics.RecordRouterDecision(roleLabel(caller.Role), "central")
	return &Route{DB: r.central, Central: true}
}

func (r *Router) toTenant(ctx context.Context, caller model.Caller, tenantID int64) (*Route, error) {
	db, err := r.pools.Resolve(ctx, tenantID)
	if err != nil {
		r.metrics.RecordRouterDecision(roleLabel(caller.Role), "error")
		return nil, err
	}
	r.metrics.RecordRouterDecision(roleLabel(caller.Role), "tenant")
	return &Route{DB: db, TenantID: tenantID}, nil
}

func roleLabel(role model.Role) string {
	if role == "" {
		return string(model.RoleAnonymous)
	}
	return string(role)
}
