package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Handler writes TenantErrors as JSON HTTP responses
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// HandleError maps err to a TenantError and writes it. Errors that carry no
// code are reported as INTERNAL_ERROR without their cause.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	te := asTenantError(err)
	requestID := r.Header.Get("X-Request-ID")
	status := te.HTTPStatus()

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("error_code", te.Code.String()),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	h.write(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: te.Code.String(),
		Message:   te.Message,
		Details:   te.Details,
		RequestID: requestID,
	})
}

// WriteErrorResponse writes a formatted error response
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", errorCode.String()),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	h.write(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode.String(),
		Message:   message,
		RequestID: requestID,
	})
}

// WriteValidationError writes a 400 INVALID_ARGUMENT response
func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidArgument, message, requestID)
}

func (h *Handler) write(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("Failed to encode error response", zap.Error(err))
	}
}

func asTenantError(err error) *TenantError {
	var te *TenantError
	if stderrors.As(err, &te) {
		return te
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Timeout("request timed out", err)
	}
	return InternalError("internal server error", err)
}
