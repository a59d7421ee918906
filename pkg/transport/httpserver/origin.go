package httpserver

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/toolmesh/runtime/pkg/jsonrpcerr"
)

// isLocalhost reports whether host (without port) is a loopback address or
// the literal "localhost", matching spec §4.8's "localhost origins are
// always accepted" rule regardless of allowedOrigins.
func isLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// originAllowed implements spec §4.8's origin policy: localhost is always
// accepted; any other origin is accepted only if it is both listed in
// allowedOrigins and preventDNSRebinding is enabled.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		// No Origin header — not a browser request (stdio clients, curl,
		// server-to-server). Nothing to rebind-attack, so allow it.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if isLocalhost(u.Host) {
		return true
	}
	if !s.preventDNSRebinding {
		return false
	}
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// originMiddleware enforces the origin policy ahead of the SSE/Streamable
// routes. A rejection is a JSON-RPC error envelope when the request declares
// a JSON-RPC content type, else a plain 403.
func (s *Server) originMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		origin := c.Request().Header.Get("Origin")
		if s.originAllowed(origin) {
			return next(c)
		}
		if strings.Contains(c.Request().Header.Get("Content-Type"), "application/json") {
			return c.JSON(http.StatusForbidden, jsonRPCError{
				JSONRPC: "2.0",
				Error:   jsonRPCErrorBody{Code: -32000, Message: jsonrpcerr.ErrOriginRejected.Error()},
			})
		}
		return jsonrpcerr.ToHTTPError(jsonrpcerr.ErrOriginRejected)
	}
}

type jsonRPCErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCError struct {
	JSONRPC string           `json:"jsonrpc"`
	Error   jsonRPCErrorBody `json:"error"`
}

// protocolVersionMiddleware rejects any mcp-protocol-version outside the
// configured supported set (spec §4.8, default {2024-11-05}). The header is
// optional on the very first (initializing) request, i.e. one that carries
// no mcp-session-id yet.
func (s *Server) protocolVersionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		v := c.Request().Header.Get("mcp-protocol-version")
		if v == "" {
			if c.Request().Header.Get(sessionIDHeader) != "" {
				return jsonrpcerr.ToHTTPError(fmt.Errorf("%w: missing mcp-protocol-version header", jsonrpcerr.ErrProtocolVersionUnsupported))
			}
			return next(c)
		}
		if !s.supportedProtocolVersions[v] {
			return jsonrpcerr.ToHTTPError(fmt.Errorf("%w: %s", jsonrpcerr.ErrProtocolVersionUnsupported, v))
		}
		return next(c)
	}
}
