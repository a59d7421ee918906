package httpserver

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/toolmesh/runtime/pkg/auth"
	"github.com/toolmesh/runtime/pkg/identity"
	"github.com/toolmesh/runtime/pkg/jsonrpcerr"
	"github.com/toolmesh/runtime/pkg/session"
)

type identityCtxKeyType struct{}

var identityCtxKey = identityCtxKeyType{}

func withIdentity(ctx context.Context, id *identity.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey, id)
}

func identityFromContext(ctx context.Context) (*identity.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey).(*identity.Identity)
	return id, ok
}

// sessionIDHeader is the header both MCP HTTP transports use to carry an
// established session's ID after the initializing request (spec §4.8).
const sessionIDHeader = "mcp-session-id"

// authMiddleware authenticates a skill session the first time it connects
// (no mcp-session-id header and no sessionId query parameter yet) via the
// header/query credential extraction of spec §4.4, and stashes the resulting
// Identity on the request context for the MCP server factory to pick up. A
// request that already carries a session ID is trusted to the SDK
// transport's own session lookup — it rejects an unrecognized ID with 404
// before tool dispatch is ever reached.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		req := c.Request()
		if req.Header.Get(sessionIDHeader) != "" || req.URL.Query().Get("sessionId") != "" {
			return next(c)
		}

		cred, ok := auth.ExtractSkillCredential(req)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing skill credential")
		}

		ctx, cancel := context.WithTimeout(req.Context(), auth.DefaultHandshakeTimeout)
		defer cancel()
		id, err := auth.Handshake(ctx, s.busCli, cred, identity.NatureSkill, "", auth.DefaultHandshakeTimeout)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}

		c.SetRequest(req.WithContext(withIdentity(req.Context(), id)))
		return next(c)
	}
}

// validSessionIDMiddleware rejects a request-scoped sessionId query
// parameter (used by the SSE transport's POST /messages) whose format
// falls outside visible ASCII 0x21-0x7E, per spec §4.8's 400 rule.
func validSessionIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().URL.Query().Get("sessionId")
		if id == "" {
			return jsonrpcerr.ToHTTPError(jsonrpcerr.ErrSessionNotFound)
		}
		if !session.ValidSessionID(id) {
			return jsonrpcerr.ToHTTPError(jsonrpcerr.ErrInvalidSessionID)
		}
		return next(c)
	}
}
