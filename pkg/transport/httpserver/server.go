// Package httpserver implements spec.md §4.8's HTTP Transport Manager: one
// listener exposing the SSE and Streamable-HTTP MCP transports side by
// side, grounded on the teacher's pkg/api/server.go (single listener, route
// registration before Start, ValidateWiring fail-fast wiring check) using
// labstack/echo/v5.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	echo "github.com/labstack/echo/v5"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmesh/runtime/pkg/bus"
	"github.com/toolmesh/runtime/pkg/session"
)

// Config is the set of origin/protocol knobs spec §4.8 leaves to the
// deployment environment (mirrors pkg/config.Startup's corresponding
// fields, kept decoupled so this package has no import on pkg/config).
type Config struct {
	AllowedOrigins            []string
	PreventDNSRebinding       bool
	SupportedProtocolVersions []string // empty = default {"2024-11-05"}
	ServerVersion             string
}

// Server owns exactly one net/http listener and mounts the SSE and
// Streamable HTTP transports on it, each with its own session map
// (spec §4.8).
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	busCli  *bus.Client
	catalog session.ToolCatalog

	allowedOrigins            []string
	preventDNSRebinding       bool
	supportedProtocolVersions map[string]bool
	serverVersion             string

	connMu sync.Mutex
	conns  map[*mcpsdk.Server]*connection
}

// NewServer wires a Server and registers all routes. Routes must be
// registered before Start to avoid racing an incoming connection against
// route setup (spec §4.8; teacher's pkg/api.NewServer calls setupRoutes
// synchronously in the constructor for the same reason).
func NewServer(busCli *bus.Client, catalog session.ToolCatalog, cfg Config) *Server {
	versions := cfg.SupportedProtocolVersions
	if len(versions) == 0 {
		versions = []string{session.ProtocolVersion}
	}
	versionSet := make(map[string]bool, len(versions))
	for _, v := range versions {
		versionSet[v] = true
	}

	s := &Server{
		echo:                      echo.New(),
		busCli:                    busCli,
		catalog:                   catalog,
		allowedOrigins:            cfg.AllowedOrigins,
		preventDNSRebinding:       cfg.PreventDNSRebinding,
		supportedProtocolVersions: versionSet,
		serverVersion:             cfg.ServerVersion,
		conns:                     map[*mcpsdk.Server]*connection{},
	}
	s.setupRoutes()
	return s
}

// ValidateWiring checks that all services this manager depends on were
// supplied at construction time, the same fail-fast idiom as the teacher's
// Server.ValidateWiring.
func (s *Server) ValidateWiring() error {
	var errs []error
	if s.busCli == nil {
		errs = append(errs, fmt.Errorf("bus client not set"))
	}
	if s.catalog == nil {
		errs = append(errs, fmt.Errorf("tool catalog not set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("httpserver wiring incomplete: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.echo.Use(corsMiddleware)
	s.echo.GET("/health", s.healthHandler)

	mcpGroup := s.echo.Group("")
	mcpGroup.Use(s.originMiddleware, s.protocolVersionMiddleware, s.authMiddleware)

	sseHandler := mcpsdk.NewSSEHandler(s.getServer, nil)
	mcpGroup.Any("/sse", echo.WrapHandler(sseHandler))
	mcpGroup.Any("/messages", echo.WrapHandler(sseHandler), validSessionIDMiddleware)

	streamableHandler := mcpsdk.NewStreamableHTTPHandler(s.getServer, nil)
	mcpGroup.Any("/mcp", echo.WrapHandler(streamableHandler))
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start starts the HTTP server on addr (blocking, like net/http.ListenAndServe).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener. Used
// by tests to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server and closes every tracked
// MCP session's skill surface.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connMu.Lock()
	for srv, conn := range s.conns {
		conn.close()
		delete(s.conns, srv)
	}
	s.connMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
