package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/toolmesh/runtime/pkg/auth"
	"github.com/toolmesh/runtime/pkg/bus"
	"github.com/toolmesh/runtime/pkg/config"
	"github.com/toolmesh/runtime/pkg/identity"
	"github.com/toolmesh/runtime/pkg/toolsvc"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

func testBus(t *testing.T) *bus.Client {
	t.Helper()
	ctx := context.Background()

	containerOnce.Do(func() {
		c, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("coordinator_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		connStr, err := c.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr = connStr
	})
	require.NoError(t, containerErr)

	client, err := bus.Connect(ctx, sharedConnStr, "coordinator_test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

// respondOnce plays the control plane, answering the first ConnectRequest
// seen on auth.ConnectSubject with the given reply.
func respondOnce(t *testing.T, client *bus.Client, replyType string, reply any) {
	t.Helper()
	requests, cancel, err := client.Subscribe(context.Background(), auth.ConnectSubject)
	require.NoError(t, err)
	go func() {
		defer cancel()
		req := <-requests
		resp, err := bus.NewEnvelope(replyType, reply)
		if err != nil {
			return
		}
		_ = client.Reply(context.Background(), req, resp)
	}()
	time.Sleep(200 * time.Millisecond)
}

func TestScopeFor(t *testing.T) {
	require.Equal(t, toolsvc.Scope{AgentCapable: true}, scopeFor(identity.ModeMCPStdio))
	require.Equal(t, toolsvc.Scope{EdgeCapable: true}, scopeFor(identity.ModeEdge))
	require.Equal(t, toolsvc.Scope{EdgeCapable: true}, scopeFor(identity.ModeEdgeMCPStream))
	require.Equal(t, toolsvc.Scope{}, scopeFor(identity.ModeStandaloneMCPStream))
}

func TestNoToolsCatalog(t *testing.T) {
	var c noToolsCatalog
	require.Empty(t, c.Descriptors())
	result, err := c.CallTool(context.Background(), "anything", nil, nil)
	require.Nil(t, result)
	require.ErrorIs(t, err, toolsvc.ErrToolNotFound)
}

// TestRunOnce_CleanShutdownOnContextCancel drives runOnce through a full
// ModeEdge service graph (bus, auth, health, tool service; no HTTP listener
// or stdio transport) and confirms canceling the parent context unwinds
// every service without error.
func TestRunOnce_CleanShutdownOnContextCancel(t *testing.T) {
	b := testBus(t)
	respondOnce(t, b, bus.TypeConnectAck, auth.ConnectAck{ID: "runtime-edge-1", WorkspaceID: "ws-1", Name: "edge-a"})

	cfg := &config.Startup{
		Mode:              identity.ModeEdge,
		Credential:        identity.Credential{Kind: identity.CredentialRuntimeKey, Key: "rk-1", Name: "edge-a"},
		NATSServers:       sharedConnStr,
		NATSName:          "coordinator_test",
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTTL:      time.Second,
		EphemeralTTL:      time.Minute,
		OAuthNonceTTL:     time.Minute,
		RateLimitTTL:      time.Minute,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- runOnce(ctx, cfg) }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runOnce did not return after context deadline")
	}
}

// TestRun_PermanentAuthFailureAbortsImmediately confirms Run does not retry
// when the control plane rejects the credential outright.
func TestRun_PermanentAuthFailureAbortsImmediately(t *testing.T) {
	b := testBus(t)
	respondOnce(t, b, bus.TypeConnectReject, auth.ConnectReject{Reason: "revoked", Recoverable: false})

	cfg := &config.Startup{
		Mode:        identity.ModeEdge,
		Credential:  identity.Credential{Kind: identity.CredentialRuntimeKey, Key: "rk-1", Name: "edge-a"},
		NATSServers: sharedConnStr,
		NATSName:    "coordinator_test",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code := Run(ctx, cfg)
	require.Equal(t, ExitPermanentAuth, code)
}
