// Package jsonrpcerr implements spec.md §7's error taxonomy and its two
// boundary mappings: JSON-RPC error envelope (MCP handlers) and HTTP status
// (the SSE/Streamable transports), grounded on the teacher's
// pkg/api/errors.go mapServiceError table.
package jsonrpcerr

import (
	"errors"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/toolmesh/runtime/pkg/auth"
	"github.com/toolmesh/runtime/pkg/toolsvc"
	"github.com/toolmesh/runtime/pkg/toolworker"
)

// Standard JSON-RPC 2.0 error codes (the ones spec §7 names).
const (
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// HTTP-transport-only error kinds (spec §7's SessionNotFound,
// InvalidSessionId, OriginRejected, ProtocolVersionUnsupported rows) —
// none of these ever cross a JSON-RPC boundary, only an HTTP one.
var (
	ErrSessionNotFound          = errors.New("session not found")
	ErrInvalidSessionID         = errors.New("invalid session id")
	ErrOriginRejected           = errors.New("origin rejected")
	ErrProtocolVersionUnsupported = errors.New("protocol version unsupported")
)

// SchemaValidationError wraps a tool-call argument that failed its input
// schema's validation (spec §7's SchemaValidationError row, source "MCP
// handlers").
type SchemaValidationError struct {
	Tool   string
	Detail string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for tool %q: %s", e.Tool, e.Detail)
}

// RPCError is the JSON-RPC 2.0 error object (code + message), returned by
// FromToolError for a handler to embed in its response envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// FromToolError maps an error raised while serving tools/call or tools/list
// to the JSON-RPC error spec §7 prescribes. Unrecognized errors default to
// InternalError, same as the teacher's mapServiceError falling through to
// 500 for anything it doesn't recognize.
func FromToolError(err error) *RPCError {
	var schemaErr *SchemaValidationError
	switch {
	case errors.As(err, &schemaErr):
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, toolsvc.ErrToolNotFound):
		return &RPCError{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, toolsvc.ErrToolCallTimedOut),
		errors.Is(err, toolworker.ErrToolServerUnavailable):
		return &RPCError{Code: CodeInternalError, Message: err.Error()}
	default:
		return &RPCError{Code: CodeInternalError, Message: "internal error"}
	}
}

// IsToolSurfaceError reports whether err should be surfaced to the calling
// skill as a tool result with isError:true (ToolServerUnavailable,
// ToolCallTimedOut per spec §7) rather than as a transport-level failure.
func IsToolSurfaceError(err error) bool {
	return errors.Is(err, toolsvc.ErrToolCallTimedOut) || errors.Is(err, toolworker.ErrToolServerUnavailable)
}

// ToHTTPError maps an error crossing the HTTP transport boundary to an
// echo.HTTPError, the same mapServiceError idiom as the teacher's
// pkg/api/errors.go, generalized to this runtime's own error kinds.
func ToHTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidSessionID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrOriginRejected):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrProtocolVersionUnsupported):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var permanent *auth.PermanentAuthenticationError
	var transient *auth.TransientAuthenticationError
	if errors.As(err, &permanent) || errors.As(err, &transient) {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
