package config

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/runtime/pkg/identity"
)

// withEnv sets env vars for the duration of the test, clearing the full set
// of recognized credential/mode variables first so tests never see leakage
// from the outer process environment.
func withEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	managed := []string{
		VarSystemKey, VarWorkspaceKey, VarSkillKey, VarRuntimeKey,
		VarSkillName, VarRuntimeName, VarRemotePort,
	}
	for _, k := range managed {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_ModeTable(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		mode identity.Mode
		kind identity.CredentialKind
	}{
		{
			name: "skill key alone is MCP_STDIO",
			env:  map[string]string{VarSkillKey: "sk-1"},
			mode: identity.ModeMCPStdio,
			kind: identity.CredentialSkillKey,
		},
		{
			name: "workspace key plus skill name is MCP_STDIO",
			env:  map[string]string{VarWorkspaceKey: "wk-1", VarSkillName: "reader"},
			mode: identity.ModeMCPStdio,
			kind: identity.CredentialWorkspaceKey,
		},
		{
			name: "runtime key plus runtime name is EDGE",
			env:  map[string]string{VarRuntimeKey: "rk-1", VarRuntimeName: "edge-a"},
			mode: identity.ModeEdge,
			kind: identity.CredentialRuntimeKey,
		},
		{
			name: "system key plus runtime name is EDGE",
			env:  map[string]string{VarSystemKey: "sys-1", VarRuntimeName: "edge-b"},
			mode: identity.ModeEdge,
			kind: identity.CredentialSystemKey,
		},
		{
			name: "runtime key plus remote port is EDGE_MCP_STREAM",
			env:  map[string]string{VarRuntimeKey: "rk-1", VarRuntimeName: "edge-c", VarRemotePort: "8080"},
			mode: identity.ModeEdgeMCPStream,
			kind: identity.CredentialRuntimeKey,
		},
		{
			name: "remote port alone is STANDALONE_MCP_STREAM",
			env:  map[string]string{VarRemotePort: "9090"},
			mode: identity.ModeStandaloneMCPStream,
			kind: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.env)
			s, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.mode, s.Mode)
			assert.Equal(t, tt.kind, s.Credential.Kind)
		})
	}
}

func TestLoad_Conflicts(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "two narrow keys",
			env:  map[string]string{VarSkillKey: "sk-1", VarRuntimeKey: "rk-1"},
		},
		{
			name: "skill key with remote port",
			env:  map[string]string{VarSkillKey: "sk-1", VarRemotePort: "8080"},
		},
		{
			name: "workspace key with remote port",
			env:  map[string]string{VarWorkspaceKey: "wk-1", VarSkillName: "reader", VarRemotePort: "8080"},
		},
		{
			name: "workspace and runtime both set",
			env:  map[string]string{VarWorkspaceKey: "wk-1", VarSkillName: "reader", VarRuntimeKey: "rk-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.env)
			_, err := Load()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigInvalid))
			var conflict *ConflictError
			assert.True(t, errors.As(err, &conflict), "expected *ConflictError, got %T: %v", err, err)
		})
	}
}

func TestLoad_MissingCompanionName(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "runtime key without runtime name",
			env:  map[string]string{VarRuntimeKey: "rk-1"},
			want: VarRuntimeName,
		},
		{
			name: "system key without runtime name",
			env:  map[string]string{VarSystemKey: "sys-1"},
			want: VarRuntimeName,
		},
		{
			name: "workspace key without skill name",
			env:  map[string]string{VarWorkspaceKey: "wk-1"},
			want: VarSkillName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.env)
			_, err := Load()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigInvalid))
			var missing *MissingError
			require.True(t, errors.As(err, &missing))
			assert.Equal(t, tt.want, missing.Variable)
		})
	}
}

func TestLoad_NoCredentialNoPort(t *testing.T) {
	withEnv(t, nil)
	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}

func TestLoad_SkillKeyShadowsSystemKey(t *testing.T) {
	withEnv(t, map[string]string{
		VarSystemKey: "sys-1", VarRuntimeName: "edge-a",
		VarSkillKey: "sk-1",
	})
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, identity.CredentialSkillKey, s.Credential.Kind)
	assert.Equal(t, identity.ModeMCPStdio, s.Mode)
}

func TestLoad_Defaults(t *testing.T) {
	withEnv(t, map[string]string{VarSkillKey: "sk-1"})
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultHeartbeatInterval, s.HeartbeatInterval)
	assert.Equal(t, DefaultHeartbeatTTL, s.HeartbeatTTL)
	assert.Equal(t, DefaultEphemeralTTL, s.EphemeralTTL)
	assert.Equal(t, DefaultOAuthNonceTTL, s.OAuthNonceTTL)
	assert.Equal(t, DefaultRateLimitTTL, s.RateLimitTTL)
	assert.Equal(t, "info", s.LogLevel)
}

func TestLoad_InvalidRemotePort(t *testing.T) {
	withEnv(t, map[string]string{VarRemotePort: "not-a-number"})
	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}
