package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for data-plane operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors (4xx equivalent)
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeTenantNotConfigured ErrorCode = 1001
	ErrCodeForbidden           ErrorCode = 1002
	ErrCodeTenantExists        ErrorCode = 1003
	ErrCodeNotFound            ErrorCode = 1004
	ErrCodeConflict            ErrorCode = 1005

	// Server errors (5xx equivalent)
	ErrCodeInternal                   ErrorCode = 2000
	ErrCodeConnection                 ErrorCode = 2001
	ErrCodeProvisioningPartialFailure ErrorCode = 2002
	ErrCodeTransferFailure            ErrorCode = 2003
	ErrCodeTimeout                    ErrorCode = 2004
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                         "OK",
	ErrCodeInvalidArgument:            "INVALID_ARGUMENT",
	ErrCodeTenantNotConfigured:        "TENANT_NOT_CONFIGURED",
	ErrCodeForbidden:                  "FORBIDDEN",
	ErrCodeTenantExists:               "TENANT_EXISTS",
	ErrCodeNotFound:                   "NOT_FOUND",
	ErrCodeConflict:                   "CONFLICT",
	ErrCodeInternal:                   "INTERNAL_ERROR",
	ErrCodeConnection:                 "CONNECTION_ERROR",
	ErrCodeProvisioningPartialFailure: "PROVISIONING_PARTIAL_FAILURE",
	ErrCodeTransferFailure:            "TRANSFER_FAILURE",
	ErrCodeTimeout:                    "TIMEOUT",
}

// String returns the wire name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", int(c))
}

// TenantError represents a structured error with code and context
type TenantError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *TenantError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *TenantError) Unwrap() error {
	return e.Cause
}

// Is matches another TenantError by code, so errors.Is(err, Forbidden("")) works.
func (e *TenantError) Is(target error) bool {
	t, ok := target.(*TenantError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error code to an HTTP status
func (e *TenantError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeTenantNotConfigured, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeTenantExists, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeConnection:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewTenantError creates a new TenantError
func NewTenantError(code ErrorCode, message string, cause error) *TenantError {
	return &TenantError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *TenantError) WithDetail(key string, value interface{}) *TenantError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *TenantError {
	return NewTenantError(ErrCodeInvalidArgument, message, cause)
}

func TenantNotConfigured(tenantID int64, cause error) *TenantError {
	return NewTenantError(ErrCodeTenantNotConfigured, fmt.Sprintf("hospital %d is not configured or inactive", tenantID), cause).
		WithDetail("tenant_id", tenantID)
}

func Forbidden(message string) *TenantError {
	return NewTenantError(ErrCodeForbidden, message, nil)
}

func TenantExists(code string) *TenantError {
	return NewTenantError(ErrCodeTenantExists, fmt.Sprintf("hospital code %q already exists", code), nil).
		WithDetail("code", code)
}

func NotFound(what string, cause error) *TenantError {
	return NewTenantError(ErrCodeNotFound, fmt.Sprintf("%s not found", what), cause)
}

// Conflict reports a write that clashes with the current state of a resource
func Conflict(message string, cause error) *TenantError {
	return NewTenantError(ErrCodeConflict, message, cause)
}

func Connection(tenantID int64, cause error) *TenantError {
	return NewTenantError(ErrCodeConnection, fmt.Sprintf("cannot reach storage for hospital %d", tenantID), cause).
		WithDetail("tenant_id", tenantID)
}

func ProvisioningPartialFailure(step string, cause error) *TenantError {
	return NewTenantError(ErrCodeProvisioningPartialFailure, fmt.Sprintf("provisioning failed at step %s", step), cause).
		WithDetail("step", step)
}

func TransferFailure(transferID string, cause error) *TenantError {
	return NewTenantError(ErrCodeTransferFailure, fmt.Sprintf("transfer %s failed", transferID), cause).
		WithDetail("transfer_id", transferID)
}

func InternalError(message string, cause error) *TenantError {
	return NewTenantError(ErrCodeInternal, message, cause)
}

func Timeout(message string, cause error) *TenantError {
	return NewTenantError(ErrCodeTimeout, message, cause)
}

// IsTenantError checks if an error chain contains a TenantError
func IsTenantError(err error) bool {
	var te *TenantError
	return stderrors.As(err, &te)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var te *TenantError
	if stderrors.As(err, &te) {
		return te.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether the error chain carries the given code
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
