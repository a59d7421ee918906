// Package stdiotransport implements spec.md §4.9's stdio transport: one
// implicit MCP session bound to the launching credential, active only in
// MCP_STDIO mode. No multiplexing, no session IDs, no HTTP — just the MCP
// SDK's stdio server transport wrapping this process's own stdin/stdout,
// the same way the teacher's pkg/mcp/transport.go wraps a child process's
// stdio as an MCP *client* transport.
package stdiotransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmesh/runtime/pkg/auth"
	"github.com/toolmesh/runtime/pkg/bus"
	"github.com/toolmesh/runtime/pkg/identity"
	"github.com/toolmesh/runtime/pkg/jsonrpcerr"
	"github.com/toolmesh/runtime/pkg/session"
	"github.com/toolmesh/runtime/pkg/toolworker"
)

// Runner owns the single implicit session a MCP_STDIO process exposes to
// its one connected client over stdin/stdout.
type Runner struct {
	busCli        *bus.Client
	catalog       session.ToolCatalog
	cred          identity.Credential
	serverVersion string

	mu     sync.Mutex
	byName map[string]struct{}
}

// NewRunner builds a Runner for the given launch credential (resolved from
// the environment by pkg/config, same as any other mode).
func NewRunner(busCli *bus.Client, catalog session.ToolCatalog, cred identity.Credential, serverVersion string) *Runner {
	return &Runner{
		busCli:        busCli,
		catalog:       catalog,
		cred:          cred,
		serverVersion: serverVersion,
		byName:        map[string]struct{}{},
	}
}

// Run performs the handshake for the implicit session, builds its
// SkillSurface, blocks until the first tool list is populated, and then
// serves MCP over stdin/stdout until ctx is canceled or the peer closes the
// pipe. It returns once the stdio transport's Run loop exits.
func (r *Runner) Run(ctx context.Context) error {
	id, err := auth.Handshake(ctx, r.busCli, r.cred, identity.NatureSkill, "", auth.DefaultHandshakeTimeout)
	if err != nil {
		return fmt.Errorf("stdiotransport: handshake failed: %w", err)
	}

	surface := session.NewSkillSurface(r.busCli, r.catalog, id)
	if err := surface.Start(ctx); err != nil {
		return fmt.Errorf("stdiotransport: starting skill surface: %w", err)
	}
	defer surface.Stop()

	if err := surface.WaitReady(ctx); err != nil {
		return fmt.Errorf("stdiotransport: waiting for tool catalog: %w", err)
	}

	sess := session.New(session.NewSessionID(), surface)
	defer sess.Close()

	mcpServer := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    id.Name,
		Version: r.serverVersion,
	}, nil)

	r.sync(mcpServer, surface.Tools(), sess)
	surface.OnChange(func(tools []toolworker.ToolDescriptor) {
		r.sync(mcpServer, tools, sess)
	})

	slog.Info("stdio transport serving", "identity", id.ID, "skill", id.Name)
	return mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// sync mirrors httpserver's connection.sync: diff the incoming descriptor
// list against what's registered on the SDK server and apply the minimal
// set of AddTool/RemoveTools calls.
func (r *Runner) sync(mcpServer *mcpsdk.Server, tools []toolworker.ToolDescriptor, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]toolworker.ToolDescriptor, len(tools))
	for _, t := range tools {
		wanted[t.Name] = t
	}

	var stale []string
	for name := range r.byName {
		if _, ok := wanted[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		mcpServer.RemoveTools(stale...)
		for _, name := range stale {
			delete(r.byName, name)
		}
	}

	for name, desc := range wanted {
		if _, ok := r.byName[name]; ok {
			continue
		}
		desc := desc
		mcpServer.AddTool(&mcpsdk.Tool{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
			Annotations: desc.Annotations,
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			if req.Params != nil {
				args = req.Params.Arguments
			}
			result, err := sess.CallTool(ctx, desc.Name, args)
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
		r.byName[name] = struct{}{}
	}
}
