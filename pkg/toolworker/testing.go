package toolworker

import mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

// InjectSession wires a pre-connected MCP SDK session into a worker,
// transitioning it straight to READY. Intended for test infrastructure that
// needs to wire in-memory MCP servers without going through Start's real
// transport-creation path (mirrors the teacher's pkg/mcp/testing.go
// InjectSession).
func (w *Worker) InjectSession(client *mcpsdk.Client, session *mcpsdk.ClientSession, tools []ToolDescriptor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.client = client
	w.session = session
	w.tools = tools
	w.state = StateReady
}
