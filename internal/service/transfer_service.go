package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	apperrors "github.com/devrev/tenantplane/internal/errors"
	"github.com/devrev/tenantplane/internal/metrics"
	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransferService writes and reads transfer outbox entries on behalf of
// callers. Every call is routed through the Router first.
type TransferService struct {
	router  *Router
	tenants *TenantService
	store   store.TransferStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewTransferService creates a new transfer service
func NewTransferService(
	router *Router,
	tenants *TenantService,
	transferStore store.TransferStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *TransferService {
	return &TransferService{
		router:  router,
		tenants: tenants,
		store:   transferStore,
		metrics: m,
		logger:  logger,
	}
}

// sourceRoute resolves the hospital whose outbox the caller addresses. A
// tenant user with no explicit hospital gets their own.
func (s *TransferService) sourceRoute(ctx context.Context, caller model.Caller, tenantID int64) (*Route, error) {
	route, err := s.router.Route(ctx, caller, tenantID)
	if err != nil {
		return nil, err
	}
	if route.Central {
		return nil, apperrors.InvalidArgument("a hospital id is required", nil)
	}
	return route, nil
}

// Enqueue records a PENDING move of a record into the source hospital's
// outbox. Without a payload the record is snapshotted from the source. A
// record already on its way yields a conflict.
func (s *TransferService) Enqueue(ctx context.Context, caller model.Caller, req model.TransferRequest) (*model.TransferEntry, error) {
	route, entry, err := s.prepare(ctx, caller, req)
	if err != nil {
		return nil, err
	}

	if err := s.store.Enqueue(ctx, route.DB, entry); err != nil {
		return nil, s.enqueueError(entry, err)
	}

	s.metrics.RecordEnqueue()
	s.logger.Info("Transfer enqueued",
		zap.String("transfer_id", entry.ID),
		zap.String("record_id", entry.RecordID),
		zap.Int64("source_tenant_id", entry.SourceTenantID),
		zap.Int64("target_tenant_id", entry.TargetTenantID))

	return entry, nil
}

// prepare validates a request and builds the PENDING entry for it
func (s *TransferService) prepare(ctx context.Context, caller model.Caller, req model.TransferRequest) (*Route, *model.TransferEntry, error) {
	req.RecordID = strings.TrimSpace(req.RecordID)
	if req.RecordID == "" {
		return nil, nil, apperrors.InvalidArgument("record_id is required", nil)
	}
	if req.TargetTenantID <= 0 {
		return nil, nil, apperrors.InvalidArgument("target_tenant_id is required", nil)
	}

	route, err := s.sourceRoute(ctx, caller, req.SourceTenantID)
	if err != nil {
		return nil, nil, err
	}
	req.SourceTenantID = route.TenantID

	if req.SourceTenantID == req.TargetTenantID {
		return nil, nil, apperrors.InvalidArgument("source and target hospital must differ", nil)
	}
	if _, err := s.tenants.GetActiveTenant(ctx, req.TargetTenantID); err != nil {
		return nil, nil, err
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload, err = s.store.SnapshotRecord(ctx, route.DB, req.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperrors.NotFound("record", err).WithDetail("record_id", req.RecordID)
		}
		if err != nil {
			return nil, nil, apperrors.Connection(req.SourceTenantID, err)
		}
	} else {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, nil, apperrors.InvalidArgument("payload must be a JSON object", err)
		}
		if fields == nil {
			return nil, nil, apperrors.InvalidArgument("payload must be a JSON object", nil)
		}

		// a move needs a source record to remove
		exists, err := s.store.RecordExists(ctx, route.DB, req.RecordID)
		if err != nil {
			return nil, nil, apperrors.Connection(req.SourceTenantID, err)
		}
		if !exists {
			return nil, nil, apperrors.NotFound("record", nil).WithDetail("record_id", req.RecordID)
		}
	}

	return route, &model.TransferEntry{
		ID:             uuid.NewString(),
		RecordID:       req.RecordID,
		SourceTenantID: req.SourceTenantID,
		TargetTenantID: req.TargetTenantID,
		Payload:        payload,
		Status:         model.TransferPending,
	}, nil
}

func (s *TransferService) enqueueError(entry *model.TransferEntry, err error) error {
	switch {
	case errors.Is(err, store.ErrAlreadyResubmitted):
		return apperrors.Conflict("transfer was already resubmitted", err)
	case errors.Is(err, store.ErrConflict):
		return apperrors.Conflict("record already has a transfer in progress", err).
			WithDetail("record_id", entry.RecordID)
	case errors.Is(err, store.ErrNotFound):
		return apperrors.NotFound("record", err).WithDetail("record_id", entry.RecordID)
	default:
		return apperrors.InternalError("failed to enqueue transfer", err)
	}
}

// Get returns one outbox entry of the given hospital
func (s *TransferService) Get(ctx context.Context, caller model.Caller, tenantID int64, entryID string) (*model.TransferEntry, error) {
	route, err := s.sourceRoute(ctx, caller, tenantID)
	if err != nil {
		return nil, err
	}

	entry, err := s.store.GetEntry(ctx, route.DB, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("transfer", err).WithDetail("transfer_id", entryID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to get transfer", err)
	}
	return entry, nil
}

// List returns outbox entries of the given hospital, newest first
func (s *TransferService) List(ctx context.Context, caller model.Caller, tenantID int64, filter store.TransferFilter) ([]*model.TransferEntry, error) {
	if filter.Status != "" {
		switch filter.Status {
		case model.TransferPending, model.TransferInFlight, model.TransferSent, model.TransferFailed:
		default:
			return nil, apperrors.InvalidArgument("unknown transfer status", nil).
				WithDetail("status", string(filter.Status))
		}
	}

	route, err := s.sourceRoute(ctx, caller, tenantID)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.ListEntries(ctx, route.DB, filter)
	if err != nil {
		return nil, apperrors.InternalError("failed to list transfers", err)
	}
	return entries, nil
}

// Resubmit queues a FAILED entry again as a new PENDING entry with the same
// snapshot. The failed entry stays FAILED and records its successor, so it
// can be resubmitted only once.
func (s *TransferService) Resubmit(ctx context.Context, caller model.Caller, tenantID int64, entryID string) (*model.TransferEntry, error) {
	failed, err := s.Get(ctx, caller, tenantID, entryID)
	if err != nil {
		return nil, err
	}
	if !failed.Status.IsTerminal() {
		return nil, apperrors.InvalidArgument("transfer is still in progress", nil).
			WithDetail("status", string(failed.Status))
	}
	if failed.Status != model.TransferFailed {
		return nil, apperrors.InvalidArgument("only FAILED transfers can be resubmitted", nil).
			WithDetail("status", string(failed.Status))
	}
	if failed.ResubmittedAs != "" {
		return nil, apperrors.Conflict("transfer was already resubmitted", nil).
			WithDetail("resubmitted_as", failed.ResubmittedAs)
	}

	route, entry, err := s.prepare(ctx, caller, model.TransferRequest{
		RecordID:       failed.RecordID,
		SourceTenantID: failed.SourceTenantID,
		TargetTenantID: failed.TargetTenantID,
		Payload:        failed.Payload,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Resubmit(ctx, route.DB, failed.ID, entry); err != nil {
		return nil, s.enqueueError(entry, err)
	}

	s.metrics.RecordEnqueue()
	s.logger.Info("Transfer resubmitted",
		zap.String("failed_transfer_id", failed.ID),
		zap.String("transfer_id", entry.ID),
		zap.String("record_id", entry.RecordID))
	return entry, nil
}
