package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmesh/runtime/pkg/identity"
	"github.com/toolmesh/runtime/pkg/jsonrpcerr"
	"github.com/toolmesh/runtime/pkg/session"
	"github.com/toolmesh/runtime/pkg/toolworker"
)

// connection pairs the MCP SDK server instance handed to a transport with
// the Session/SkillSurface it projects tools from, and keeps the server's
// registered tool set in sync with the surface as it changes.
type connection struct {
	mcpServer *mcpsdk.Server
	sess      *session.Session

	mu       sync.Mutex
	byName   map[string]struct{}
}

// newConnection builds a fresh per-session MCP server bound to id, starts
// its SkillSurface, performs an initial tool sync, and wires future catalog
// changes to incremental AddTool/RemoveTools calls — the same add/remove
// diffing the teacher's kubectl-style prompt-reload loop performs.
func (s *Server) newConnection(ctx context.Context, id *identity.Identity) (*connection, error) {
	surface := session.NewSkillSurface(s.busCli, s.catalog, id)
	if err := surface.Start(ctx); err != nil {
		return nil, err
	}

	sess := session.New(session.NewSessionID(), surface)

	mcpServer := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    id.Name,
		Version: s.serverVersion,
	}, nil)

	c := &connection{mcpServer: mcpServer, sess: sess, byName: map[string]struct{}{}}

	if err := surface.WaitReady(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	c.sync(surface.Tools())

	surface.OnChange(c.sync)
	return c, nil
}

// sync diffs the incoming descriptor list against what's currently
// registered on the SDK server and applies the minimal set of
// AddTool/RemoveTools calls, which is what drives the SDK's own
// notifications/tools/list_changed emission to the client.
func (c *connection) sync(tools []toolworker.ToolDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wanted := make(map[string]toolworker.ToolDescriptor, len(tools))
	for _, t := range tools {
		wanted[t.Name] = t
	}

	var stale []string
	for name := range c.byName {
		if _, ok := wanted[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		c.mcpServer.RemoveTools(stale...)
		for _, name := range stale {
			delete(c.byName, name)
		}
	}

	for name, desc := range wanted {
		if _, ok := c.byName[name]; ok {
			continue
		}
		desc := desc
		c.mcpServer.AddTool(&mcpsdk.Tool{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
			Annotations: desc.Annotations,
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			if req.Params != nil {
				args = req.Params.Arguments
			}
			result, err := c.sess.CallTool(ctx, desc.Name, args)
			if err != nil {
				if jsonrpcerr.IsToolSurfaceError(err) {
					return &mcpsdk.CallToolResult{
						Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
						IsError: true,
					}, nil
				}
				return nil, jsonrpcerr.FromToolError(err)
			}
			return &mcpsdk.CallToolResult{Content: result.Content, IsError: result.IsError}, nil
		})
		c.byName[name] = struct{}{}
	}
}

func (c *connection) close() { c.sess.Close() }

// getServer is handed to mcpsdk.NewSSEHandler/NewStreamableHTTPHandler. It
// is invoked once per new session (the initializing GET /sse or the
// session-less POST /mcp); authMiddleware has already performed the
// handshake and stashed the resulting Identity on the request context by
// the time this runs.
func (s *Server) getServer(req *http.Request) *mcpsdk.Server {
	id, ok := identityFromContext(req.Context())
	if !ok {
		slog.Error("mcp session factory invoked without an authenticated identity")
		return mcpsdk.NewServer(&mcpsdk.Implementation{Name: "unauthenticated", Version: s.serverVersion}, nil)
	}

	conn, err := s.newConnection(req.Context(), id)
	if err != nil {
		slog.Error("failed to build mcp session", "identity", id.ID, "error", err)
		return mcpsdk.NewServer(&mcpsdk.Implementation{Name: "unavailable", Version: s.serverVersion}, nil)
	}

	s.connMu.Lock()
	s.conns[conn.mcpServer] = conn
	s.connMu.Unlock()

	return conn.mcpServer
}
