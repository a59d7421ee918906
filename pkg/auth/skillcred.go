package auth

import (
	"net/http"

	"github.com/toolmesh/runtime/pkg/identity"
)

// HeaderWorkspaceKey, HeaderSkillKey and HeaderSkillName are the inbound
// auth headers recognized on the MCP HTTP transports (spec §4.8, §6).
const (
	HeaderWorkspaceKey = "workspace_key"
	HeaderSkillKey     = "skill_key"
	HeaderSkillName    = "skill_name"
	QueryKeyFallback   = "key"
)

// ExtractSkillCredential resolves a skill session's Credential from inbound
// request headers, falling back to the `?key=` query parameter (spec §4.4):
// workspace_key+skill_name takes priority over skill_key, which takes
// priority over the query fallback. Mirrors the header-priority pattern of
// the teacher's extractAuthor (X-Forwarded-User > X-Forwarded-Email >
// default), generalized from a single string to a full Credential.
func ExtractSkillCredential(r *http.Request) (identity.Credential, bool) {
	if ws := r.Header.Get(HeaderWorkspaceKey); ws != "" {
		return identity.Credential{
			Kind: identity.CredentialWorkspaceKey,
			Key:  ws,
			Name: r.Header.Get(HeaderSkillName),
		}, true
	}
	if sk := r.Header.Get(HeaderSkillKey); sk != "" {
		return identity.Credential{Kind: identity.CredentialSkillKey, Key: sk}, true
	}
	if key := r.URL.Query().Get(QueryKeyFallback); key != "" {
		return identity.Credential{Kind: identity.CredentialSkillKey, Key: key}, true
	}
	return identity.Credential{}, false
}
