package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantError_WrapsCause(t *testing.T) {
	cause := stderrors.New("dial tcp: connection refused")
	err := Connection(7, cause)

	assert.Equal(t, ErrCodeConnection, err.Code)
	assert.Contains(t, err.Error(), "hospital 7")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, int64(7), err.Details["tenant_id"])
}

func TestGetCode_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("resolve pool: %w", TenantNotConfigured(5, nil))

	assert.Equal(t, ErrCodeTenantNotConfigured, GetCode(err))
	assert.True(t, IsTenantError(err))
	assert.True(t, HasCode(err, ErrCodeTenantNotConfigured))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
	assert.Equal(t, ErrCodeOK, GetCode(nil))
}

func TestTenantError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("router: %w", Forbidden("hospital mismatch"))

	assert.True(t, stderrors.Is(err, Forbidden("")))
	assert.False(t, stderrors.Is(err, TenantExists("KAH")))
}

func TestTenantError_HTTPStatus(t *testing.T) {
	tests := []struct {
		err    *TenantError
		status int
	}{
		{InvalidArgument("bad", nil), http.StatusBadRequest},
		{TenantNotConfigured(1, nil), http.StatusNotFound},
		{NotFound("transfer", nil), http.StatusNotFound},
		{Forbidden("no"), http.StatusForbidden},
		{TenantExists("KAH"), http.StatusConflict},
		{Conflict("record already has a live transfer", nil), http.StatusConflict},
		{Connection(1, nil), http.StatusServiceUnavailable},
		{Timeout("slow", nil), http.StatusGatewayTimeout},
		{ProvisioningPartialFailure("create_database", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code.String(), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
		})
	}
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "FORBIDDEN", ErrCodeForbidden.String())
	assert.Equal(t, "UNKNOWN_42", ErrorCode(42).String())
}
