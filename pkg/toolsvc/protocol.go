package toolsvc

import mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

// ToolCallRequest is published as a bus request to runtime.<ownerId>.call
// when a tool resolves to a worker owned by a peer runtime (spec §4.6 step
// 3). CallToolResult already round-trips through JSON for the MCP wire
// protocol, so the response envelope carries it directly rather than a
// bespoke shape.
type ToolCallRequest struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
	CallerID string         `json:"callerId"`
}

// ToolCallResponse is the reply to a ToolCallRequest. ErrorMessage is set
// when the remote runtime could not complete the call at all (as opposed
// to the call completing with Result.IsError == true, which is a normal
// tool-level failure that still rides back as a successful response).
type ToolCallResponse struct {
	Result       *mcpsdk.CallToolResult `json:"result,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
}
