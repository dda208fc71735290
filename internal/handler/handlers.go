// Package handler provides HTTP request handlers for the tenantplane admin API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/devrev/tenantplane/internal/errors"
	"github.com/devrev/tenantplane/internal/middleware"
	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; transfer payloads are whole records
const maxBodyBytes = 4 << 20

// maxListLimit caps one page of outbox entries
const maxListLimit = 500

// Provisioner creates and removes hospitals
type Provisioner interface {
	Provision(ctx context.Context, spec model.ProvisionSpec) (*model.ProvisionResult, error)
	Deprovision(ctx context.Context, tenantID int64) error
	SetActive(ctx context.Context, tenantID int64, active bool) (*model.Tenant, error)
}

// TenantReader reads the hospital directory
type TenantReader interface {
	GetTenant(ctx context.Context, tenantID int64) (*model.Tenant, error)
}

// Transfers manages hospital outboxes on behalf of a caller
type Transfers interface {
	Enqueue(ctx context.Context, caller model.Caller, req model.TransferRequest) (*model.TransferEntry, error)
	Get(ctx context.Context, caller model.Caller, tenantID int64, entryID string) (*model.TransferEntry, error)
	List(ctx context.Context, caller model.Caller, tenantID int64, filter store.TransferFilter) ([]*model.TransferEntry, error)
	Resubmit(ctx context.Context, caller model.Caller, tenantID int64, entryID string) (*model.TransferEntry, error)
}

// CycleRunner runs one transfer processor tick
type CycleRunner interface {
	RunCycle(ctx context.Context) model.CycleReport
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	provisioner  Provisioner
	tenants      TenantReader
	transfers    Transfers
	processor    CycleRunner
	errorHandler *apperrors.Handler
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance. processor may be nil when the
// transfer processor is disabled.
func NewHandlers(
	provisioner Provisioner,
	tenants TenantReader,
	transfers Transfers,
	processor CycleRunner,
	errorHandler *apperrors.Handler,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		provisioner:  provisioner,
		tenants:      tenants,
		transfers:    transfers,
		processor:    processor,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// TenantResponse is the public view of a directory row. Credentials are
// never returned.
type TenantResponse struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	NameAr    string    `json:"name_ar"`
	NameEn    string    `json:"name_en"`
	City      string    `json:"city,omitempty"`
	Region    string    `json:"region,omitempty"`
	DBName    string    `json:"db_name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CycleResponse reports a manually triggered processor tick
type CycleResponse struct {
	Tenants      int   `json:"tenants"`
	Claimed      int   `json:"claimed"`
	Sent         int   `json:"sent"`
	Failed       int   `json:"failed"`
	TenantErrors int   `json:"tenant_errors"`
	Skipped      bool  `json:"skipped"`
	DurationMs   int64 `json:"duration_ms"`
}

// TransferListResponse wraps a page of outbox entries
type TransferListResponse struct {
	Transfers []*model.TransferEntry `json:"transfers"`
	Count     int                    `json:"count"`
}

// CreateHospital handles POST /v1/admin/hospitals requests.
func (h *Handlers) CreateHospital(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var spec model.ProvisionSpec
	if !h.decode(w, r, &spec) {
		return
	}

	result, err := h.provisioner.Provision(r.Context(), spec)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, result)
}

// GetHospital handles GET /v1/admin/hospitals/{id} requests.
func (h *Handlers) GetHospital(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	tenantID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	tenant, err := h.tenants.GetTenant(r.Context(), tenantID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, newTenantResponse(tenant))
}

// ActivateHospital handles POST /v1/admin/hospitals/{id}/activate requests.
func (h *Handlers) ActivateHospital(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DeactivateHospital handles POST /v1/admin/hospitals/{id}/deactivate requests.
func (h *Handlers) DeactivateHospital(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	if !h.requireAdmin(w, r) {
		return
	}
	tenantID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	tenant, err := h.provisioner.SetActive(r.Context(), tenantID, active)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, newTenantResponse(tenant))
}

func newTenantResponse(tenant *model.Tenant) TenantResponse {
	return TenantResponse{
		ID:        tenant.ID,
		Code:      tenant.Code,
		NameAr:    tenant.NameAr,
		NameEn:    tenant.NameEn,
		City:      tenant.City,
		Region:    tenant.Region,
		DBName:    tenant.DBName,
		Active:    tenant.Active,
		CreatedAt: tenant.CreatedAt,
		UpdatedAt: tenant.UpdatedAt,
	}
}

// DeleteHospital handles DELETE /v1/admin/hospitals/{id} requests.
func (h *Handlers) DeleteHospital(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	tenantID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.provisioner.Deprovision(r.Context(), tenantID); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "deleted",
		"tenant_id": tenantID,
	})
}

// CreateTransfer handles POST /v1/transfers requests.
func (h *Handlers) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req model.TransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.transfers.Enqueue(r.Context(), middleware.CallerFromContext(r.Context()), req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusAccepted, entry)
}

// ListTransfers handles GET /v1/hospitals/{id}/transfers requests.
func (h *Handlers) ListTransfers(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	filter := store.TransferFilter{
		Status: model.TransferStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
	}
	if filter.Limit, ok = h.queryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset, ok = h.queryInt(w, r, "offset"); !ok {
		return
	}

	entries, err := h.transfers.List(r.Context(), middleware.CallerFromContext(r.Context()), tenantID, filter)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*model.TransferEntry{}
	}

	h.writeJSONResponse(w, http.StatusOK, TransferListResponse{Transfers: entries, Count: len(entries)})
}

// GetTransfer handles GET /v1/hospitals/{id}/transfers/{transfer_id} requests.
func (h *Handlers) GetTransfer(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.transfers.Get(r.Context(), middleware.CallerFromContext(r.Context()), tenantID, mux.Vars(r)["transfer_id"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, entry)
}

// ResubmitTransfer handles POST /v1/hospitals/{id}/transfers/{transfer_id}/resubmit requests.
func (h *Handlers) ResubmitTransfer(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.transfers.Resubmit(r.Context(), middleware.CallerFromContext(r.Context()), tenantID, mux.Vars(r)["transfer_id"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusAccepted, entry)
}

// RunTransfers handles POST /v1/admin/transfers/run requests.
func (h *Handlers) RunTransfers(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	if h.processor == nil {
		h.errorHandler.WriteErrorResponse(w, http.StatusServiceUnavailable, apperrors.ErrCodeInternal,
			"transfer processor is disabled", r.Header.Get("X-Request-ID"))
		return
	}

	report := h.processor.RunCycle(r.Context())
	h.writeJSONResponse(w, http.StatusOK, CycleResponse{
		Tenants:      report.Tenants,
		Claimed:      report.Claimed,
		Sent:         report.Sent,
		Failed:       report.Failed,
		TenantErrors: report.TenantErrors,
		Skipped:      report.Skipped,
		DurationMs:   report.Duration.Milliseconds(),
	})
}

func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	caller := middleware.CallerFromContext(r.Context())
	if caller.Role == model.RoleClusterAdmin {
		return true
	}
	h.errorHandler.HandleError(w, r, apperrors.Forbidden("cluster administrator role required").
		WithDetail("role", string(caller.Role)))
	return false
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid request body: %v", err), r.Header.Get("X-Request-ID"))
		return false
	}
	return true
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid hospital id %q", raw), r.Header.Get("X-Request-ID"))
		return 0, false
	}
	return id, true
}

func (h *Handlers) queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid %s %q", name, raw), r.Header.Get("X-Request-ID"))
		return 0, false
	}
	return n, true
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
