// Package config turns the startup environment into a RuntimeMode and a
// Credential, failing fast (before the bus is touched) on any combination
// spec §4.1 does not recognize.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/toolmesh/runtime/pkg/identity"
)

// Env variable names recognized by the runtime (spec §6, complete enumeration).
const (
	VarSystemKey    = "SYSTEM_KEY"
	VarWorkspaceKey = "WORKSPACE_KEY"
	VarSkillKey     = "SKILL_KEY"
	VarRuntimeKey   = "RUNTIME_KEY"
	VarSkillName    = "SKILL_NAME"
	VarRuntimeName  = "RUNTIME_NAME"
	VarRemotePort   = "REMOTE_PORT"

	VarNATSServers = "NATS_SERVERS"
	VarNATSName    = "NATS_NAME"

	VarHeartbeatInterval  = "HEARTBEAT_INTERVAL"
	VarHeartbeatCacheTTL  = "HEARTBEAT_CACHE_TTL"
	VarEphemeralCacheTTL  = "EPHEMERAL_CACHE_TTL"
	VarOAuthNonceCacheTTL = "OAUTH_NONCE_CACHE_TTL"
	VarRateLimitCacheTTL  = "RATE_LIMIT_CACHE_TTL"

	VarLogLevel  = "LOG_LEVEL"
	VarLogLevels = "LOG_LEVELS"

	VarAllowedOrigins       = "ALLOWED_ORIGINS"
	VarPreventDNSRebinding  = "PREVENT_DNS_REBINDING"
	VarForwardStderr        = "FORWARD_STDERR"
)

// Defaults (spec §6).
const (
	DefaultHeartbeatInterval = 5000 * time.Millisecond
	DefaultHeartbeatTTL      = 15 * time.Second
	DefaultEphemeralTTL      = 5 * time.Minute
	DefaultOAuthNonceTTL     = 10 * time.Minute
	DefaultRateLimitTTL      = 5 * time.Minute
)

// Startup is the fully resolved startup configuration: mode, credential and
// the ambient runtime settings every service composed under that mode needs.
type Startup struct {
	Mode       identity.Mode
	Credential identity.Credential

	RemotePort int // 0 when no HTTP listener is configured

	NATSServers string
	NATSName    string

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	EphemeralTTL      time.Duration
	OAuthNonceTTL     time.Duration
	RateLimitTTL      time.Duration

	LogLevel  string
	LogLevels map[string]string

	AllowedOrigins        []string
	PreventDNSRebinding   bool
	ForwardStderr         bool
}

// Load reads the process environment and resolves it into a Startup. Every
// error it returns wraps ErrConfigInvalid: a *ConflictError or *MissingError
// when credential variables conflict or a companion variable is missing, and
// a plain wrapped error for an unparsable REMOTE_PORT or for no credential
// and no REMOTE_PORT at all.
func Load() (*Startup, error) {
	cred, err := resolveCredential()
	if err != nil {
		return nil, err
	}

	remotePortRaw := os.Getenv(VarRemotePort)
	var remotePort int
	if remotePortRaw != "" {
		p, err := strconv.Atoi(remotePortRaw)
		if err != nil || p <= 0 {
			return nil, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrConfigInvalid, VarRemotePort, remotePortRaw)
		}
		remotePort = p
	}

	mode, err := resolveMode(cred, remotePort)
	if err != nil {
		return nil, err
	}

	s := &Startup{
		Mode:                mode,
		Credential:          cred,
		RemotePort:          remotePort,
		NATSServers:         os.Getenv(VarNATSServers),
		NATSName:            os.Getenv(VarNATSName),
		HeartbeatInterval:   durationMsEnv(VarHeartbeatInterval, DefaultHeartbeatInterval),
		HeartbeatTTL:        durationMsEnv(VarHeartbeatCacheTTL, DefaultHeartbeatTTL),
		EphemeralTTL:        durationMsEnv(VarEphemeralCacheTTL, DefaultEphemeralTTL),
		OAuthNonceTTL:       durationMsEnv(VarOAuthNonceCacheTTL, DefaultOAuthNonceTTL),
		RateLimitTTL:        durationMsEnv(VarRateLimitCacheTTL, DefaultRateLimitTTL),
		LogLevel:            envOr(VarLogLevel, "info"),
		LogLevels:           parseLogLevels(os.Getenv(VarLogLevels)),
		AllowedOrigins:      splitCSV(os.Getenv(VarAllowedOrigins)),
		PreventDNSRebinding: os.Getenv(VarPreventDNSRebinding) == "true",
		ForwardStderr:       os.Getenv(VarForwardStderr) == "true",
	}
	return s, nil
}

// resolveCredential applies the key-precedence rule of spec §4.1: a narrower
// key (SkillKey, RuntimeKey, WorkspaceKey) silently shadows a broader one
// (SystemKey); multiple narrow keys is a fatal configuration error.
func resolveCredential() (identity.Credential, error) {
	system := os.Getenv(VarSystemKey)
	workspace := os.Getenv(VarWorkspaceKey)
	skill := os.Getenv(VarSkillKey)
	runtime := os.Getenv(VarRuntimeKey)
	skillName := os.Getenv(VarSkillName)
	runtimeName := os.Getenv(VarRuntimeName)

	narrow := map[identity.CredentialKind]string{}
	if workspace != "" {
		narrow[identity.CredentialWorkspaceKey] = workspace
	}
	if skill != "" {
		narrow[identity.CredentialSkillKey] = skill
	}
	if runtime != "" {
		narrow[identity.CredentialRuntimeKey] = runtime
	}

	if len(narrow) > 1 {
		vars := make([]string, 0, len(narrow))
		for k := range narrow {
			vars = append(vars, credentialVarName(k))
		}
		return identity.Credential{}, NewConflictError("at most one narrow credential (WORKSPACE_KEY, SKILL_KEY, RUNTIME_KEY) may be set", vars...)
	}

	switch {
	case skill != "":
		return identity.Credential{Kind: identity.CredentialSkillKey, Key: skill, Name: skillName}, nil
	case runtime != "":
		if runtimeName == "" {
			return identity.Credential{}, NewMissingError(VarRuntimeName, "required alongside RUNTIME_KEY")
		}
		return identity.Credential{Kind: identity.CredentialRuntimeKey, Key: runtime, Name: runtimeName}, nil
	case workspace != "":
		if skillName == "" {
			return identity.Credential{}, NewMissingError(VarSkillName, "required alongside WORKSPACE_KEY")
		}
		return identity.Credential{Kind: identity.CredentialWorkspaceKey, Key: workspace, Name: skillName}, nil
	case system != "":
		// A narrow key would have shadowed SYSTEM_KEY above; reaching here
		// means SYSTEM_KEY is the sole credential.
		if runtimeName == "" {
			return identity.Credential{}, NewMissingError(VarRuntimeName, "required alongside SYSTEM_KEY")
		}
		return identity.Credential{Kind: identity.CredentialSystemKey, Key: system, Name: runtimeName}, nil
	default:
		return identity.Credential{}, fmt.Errorf("%w: no credential set (one of SYSTEM_KEY, WORKSPACE_KEY, SKILL_KEY, RUNTIME_KEY is required)", ErrConfigInvalid)
	}
}

func credentialVarName(k identity.CredentialKind) string {
	switch k {
	case identity.CredentialSystemKey:
		return VarSystemKey
	case identity.CredentialWorkspaceKey:
		return VarWorkspaceKey
	case identity.CredentialSkillKey:
		return VarSkillKey
	case identity.CredentialRuntimeKey:
		return VarRuntimeKey
	default:
		return string(k)
	}
}

// resolveMode implements spec §4.1's mode table exactly.
func resolveMode(cred identity.Credential, remotePort int) (identity.Mode, error) {
	switch cred.Kind {
	case identity.CredentialSkillKey, identity.CredentialWorkspaceKey:
		if remotePort != 0 {
			return "", NewConflictError(
				"SKILL_NAME/SKILL_KEY (or WORKSPACE_KEY+SKILL_NAME) credentials run in MCP_STDIO mode and are incompatible with REMOTE_PORT",
				credentialVarName(cred.Kind), VarRemotePort)
		}
		return identity.ModeMCPStdio, nil
	case identity.CredentialRuntimeKey, identity.CredentialSystemKey:
		if remotePort != 0 {
			return identity.ModeEdgeMCPStream, nil
		}
		return identity.ModeEdge, nil
	case "":
		if remotePort != 0 {
			return identity.ModeStandaloneMCPStream, nil
		}
		return "", fmt.Errorf("%w: no credential and no REMOTE_PORT set; nothing to run", ErrConfigInvalid)
	default:
		return "", fmt.Errorf("%w: unrecognized credential kind %q", ErrConfigInvalid, cred.Kind)
	}
}

func durationMsEnv(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if s := trimSpace(raw[start:i]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// parseLogLevels parses LOG_LEVELS="component=level,component2=level2" into a
// map, mirroring the teacher's per-package log-level override convention.
func parseLogLevels(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range splitCSV(raw) {
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				out[pair[:i]] = pair[i+1:]
				break
			}
		}
	}
	return out
}
