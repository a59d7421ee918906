package toolworker

import (
	"encoding/json"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// OriginKind identifies where a ToolDescriptor's implementation lives.
type OriginKind string

const (
	OriginMCPServer   OriginKind = "mcpServer"
	OriginSmartSkill  OriginKind = "smartSkill"
	OriginPeerRuntime OriginKind = "peerRuntime"
)

// ToolDescriptor is the unified shape a SkillSurface advertises regardless
// of which kind of origin actually implements the tool (spec §3).
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Annotations *mcpsdk.ToolAnnotations
	OriginKind  OriginKind
	OriginRef   string
}

func descriptorsFromTools(tools []*mcpsdk.Tool, originRef string) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Annotations: t.Annotations,
			OriginKind:  OriginMCPServer,
			OriginRef:   originRef,
		})
	}
	return out
}

// CallResult is what callTool returns (spec §4.7: "{content, isError}").
type CallResult struct {
	Content []mcpsdk.Content
	IsError bool
}
