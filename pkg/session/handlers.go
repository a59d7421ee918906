package session

import (
	"context"

	"github.com/toolmesh/runtime/pkg/toolworker"
)

// ProtocolVersion is the MCP protocol version this runtime speaks.
const ProtocolVersion = "2024-11-05"

// ToolsCapability advertises that this server emits
// notifications/tools/list_changed.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// Capabilities is the capabilities object returned from initialize.
type Capabilities struct {
	Tools ToolsCapability `json:"tools"`
}

// ServerInfo identifies this runtime to the connecting client.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the response to the MCP initialize request.
type InitializeResult struct {
	ServerInfo      ServerInfo   `json:"serverInfo"`
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
}

// Initialize blocks until the session's SkillSurface has populated its first
// tool list, guaranteeing the tools/list call that follows is never empty
// due to a startup race, then returns the server handshake payload.
func (s *Session) Initialize(ctx context.Context, serverVersion string) (*InitializeResult, error) {
	if err := s.Surface.WaitReady(ctx); err != nil {
		return nil, err
	}
	return &InitializeResult{
		ServerInfo:      ServerInfo{Name: s.Surface.Identity().Name, Version: serverVersion},
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: ToolsCapability{ListChanged: true}},
	}, nil
}

// ListTools returns the session's current tool descriptor snapshot.
func (s *Session) ListTools(_ context.Context) []toolworker.ToolDescriptor {
	return s.Surface.Tools()
}

// CallTool dispatches a tool call via Tool Service, scoped to this
// session's identity.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*toolworker.CallResult, error) {
	return s.Surface.CallTool(ctx, name, args)
}
