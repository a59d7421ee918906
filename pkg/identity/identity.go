// Package identity defines the runtime's operational mode and the identity
// it acquires from the bus during the auth handshake.
package identity

// Mode is the operational mode the runtime composes its services around.
// Immutable after startup (decided once in pkg/config from the environment).
type Mode string

const (
	// ModeMCPStdio exposes a single implicit MCP session over stdin/stdout.
	ModeMCPStdio Mode = "mcp_stdio"
	// ModeEdge connects to the bus and runs Tool Service but exposes no
	// inbound MCP transport of its own.
	ModeEdge Mode = "edge"
	// ModeEdgeMCPStream is ModeEdge plus an HTTP listener exposing the SSE
	// and Streamable-HTTP MCP transports.
	ModeEdgeMCPStream Mode = "edge_mcp_stream"
	// ModeStandaloneMCPStream exposes only the HTTP MCP transports; Tool
	// Service (and the bus-backed tool reconciliation it performs) is absent.
	ModeStandaloneMCPStream Mode = "standalone_mcp_stream"
)

// Nature distinguishes the two kinds of bus identity: a long-lived runtime
// process, or a single skill session authenticating over HTTP/stdio.
type Nature string

const (
	NatureRuntime Nature = "runtime"
	NatureSkill   Nature = "skill"
)

// CredentialKind enumerates the mutually-exclusive credential shapes a
// startup environment (or an inbound session) may present.
type CredentialKind string

const (
	CredentialSystemKey    CredentialKind = "system_key"
	CredentialWorkspaceKey CredentialKind = "workspace_key"
	CredentialRuntimeKey   CredentialKind = "runtime_key"
	CredentialSkillKey     CredentialKind = "skill_key"
)

// Credential is the startup (or per-session) secret presented to Auth.
// Consumed once by the handshake; never stored past identity acquisition.
type Credential struct {
	Kind CredentialKind
	// Key is the bearer secret itself (SYSTEM_KEY, WORKSPACE_KEY, RUNTIME_KEY
	// or SKILL_KEY depending on Kind).
	Key string
	// Name pairs with the key: RuntimeName for SystemKey and RuntimeKey and
	// SkillName for WorkspaceKey (all required), or the SkillName that may
	// optionally accompany a SkillKey.
	Name string
}

// Identity is the durable handle a runtime or skill session acquires from
// the bus after a successful handshake. Exclusively owned by Auth Service;
// every other component holds a read-only copy (copy-on-write on re-auth).
type Identity struct {
	ID          string
	Nature      Nature
	WorkspaceID string
	Name        string
	Hostname    string
	ProcessID   int
	HostIP      string
}

// Clone returns a value copy, safe to hand to readers while the owner
// replaces its own copy in place (copy-on-write).
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}
