package auth

import "github.com/toolmesh/runtime/pkg/identity"

// ConnectRequest is published as a bus request on "runtime.connect" (spec
// §4.4 step 2, §6's logical subject list) to trade a startup Credential for
// an Identity.
type ConnectRequest struct {
	CredentialKind identity.CredentialKind `json:"credentialKind"`
	CredentialKey  string                  `json:"credentialKey"`
	Name           string                  `json:"name"`
	PID            int                     `json:"pid"`
	Hostname       string                  `json:"hostname"`
	HostIP         string                  `json:"hostIp"`
	WorkspaceHint  string                  `json:"workspaceHint,omitempty"`
	Nature         identity.Nature         `json:"nature"`
}

// ConnectAck is the success reply: the Identity the control plane minted
// for this credential.
type ConnectAck struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

// ConnectReject is the failure reply. Recoverable distinguishes a transient
// condition (bus hiccup, control plane restarting) from a permanent one
// (bad credential, revoked key).
type ConnectReject struct {
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
}
