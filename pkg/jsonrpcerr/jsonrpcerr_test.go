package jsonrpcerr

import (
	"fmt"
	"net/http"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"

	"github.com/toolmesh/runtime/pkg/auth"
	"github.com/toolmesh/runtime/pkg/toolsvc"
	"github.com/toolmesh/runtime/pkg/toolworker"
)

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
		expectMsg  string
	}{
		{
			name:       "session not found maps to 404",
			err:        ErrSessionNotFound,
			expectCode: http.StatusNotFound,
			expectMsg:  "session not found",
		},
		{
			name:       "invalid session id maps to 400",
			err:        ErrInvalidSessionID,
			expectCode: http.StatusBadRequest,
			expectMsg:  "invalid session id",
		},
		{
			name:       "origin rejected maps to 403",
			err:        ErrOriginRejected,
			expectCode: http.StatusForbidden,
			expectMsg:  "origin rejected",
		},
		{
			name:       "protocol version unsupported maps to 400",
			err:        fmt.Errorf("%w: 1999-01-01", ErrProtocolVersionUnsupported),
			expectCode: http.StatusBadRequest,
			expectMsg:  "protocol version unsupported",
		},
		{
			name:       "permanent auth failure maps to 401",
			err:        &auth.PermanentAuthenticationError{Reason: "revoked"},
			expectCode: http.StatusUnauthorized,
		},
		{
			name:       "transient auth failure maps to 401",
			err:        &auth.TransientAuthenticationError{Reason: "bus unreachable"},
			expectCode: http.StatusUnauthorized,
		},
		{
			name:       "unknown error maps to 500",
			err:        fmt.Errorf("something unexpected happened"),
			expectCode: http.StatusInternalServerError,
			expectMsg:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := ToHTTPError(tt.err)
			assert.IsType(t, &echo.HTTPError{}, he)
			assert.Equal(t, tt.expectCode, he.Code)
			if tt.expectMsg != "" {
				assert.Contains(t, he.Error(), tt.expectMsg)
			}
		})
	}
}

func TestFromToolError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
	}{
		{
			name:       "tool not found maps to MethodNotFound",
			err:        toolsvc.ErrToolNotFound,
			expectCode: CodeMethodNotFound,
		},
		{
			name:       "tool call timed out maps to InternalError",
			err:        fmt.Errorf("wrapped: %w", toolsvc.ErrToolCallTimedOut),
			expectCode: CodeInternalError,
		},
		{
			name:       "tool server unavailable maps to InternalError",
			err:        toolworker.ErrToolServerUnavailable,
			expectCode: CodeInternalError,
		},
		{
			name:       "schema validation error maps to InvalidParams",
			err:        &SchemaValidationError{Tool: "get_pods", Detail: "missing required field \"namespace\""},
			expectCode: CodeInvalidParams,
		},
		{
			name:       "unknown error maps to InternalError",
			err:        fmt.Errorf("boom"),
			expectCode: CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := FromToolError(tt.err)
			assert.Equal(t, tt.expectCode, rpcErr.Code)
		})
	}
}

func TestIsToolSurfaceError(t *testing.T) {
	assert.True(t, IsToolSurfaceError(toolworker.ErrToolServerUnavailable))
	assert.True(t, IsToolSurfaceError(fmt.Errorf("wrapped: %w", toolsvc.ErrToolCallTimedOut)))
	assert.False(t, IsToolSurfaceError(toolsvc.ErrToolNotFound))
	assert.False(t, IsToolSurfaceError(fmt.Errorf("boom")))
}
