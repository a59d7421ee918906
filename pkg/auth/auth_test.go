package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/toolmesh/runtime/pkg/bus"
	"github.com/toolmesh/runtime/pkg/identity"
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
			postgres.WithDatabase("auth_test"),
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

	client, err := bus.Connect(ctx, sharedConnStr, "auth_test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

// respondOnce plays the role of the control plane: it answers the first
// ConnectRequest seen on ConnectSubject with the given reply.
func respondOnce(t *testing.T, client *bus.Client, replyType string, reply any) {
	t.Helper()
	requests, cancel, err := client.Subscribe(context.Background(), ConnectSubject)
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

func TestHandshake_Ack(t *testing.T) {
	client := testBus(t)
	respondOnce(t, client, bus.TypeConnectAck, ConnectAck{ID: "runtime-123", WorkspaceID: "ws-1", Name: "edge-a"})

	cred := identity.Credential{Kind: identity.CredentialRuntimeKey, Key: "rk-1", Name: "edge-a"}
	id, err := Handshake(context.Background(), client, cred, identity.NatureRuntime, "", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "runtime-123", id.ID)
	require.Equal(t, "ws-1", id.WorkspaceID)
	require.Equal(t, identity.NatureRuntime, id.Nature)
}

func TestHandshake_RejectPermanent(t *testing.T) {
	client := testBus(t)
	respondOnce(t, client, bus.TypeConnectReject, ConnectReject{Reason: "revoked", Recoverable: false})

	cred := identity.Credential{Kind: identity.CredentialRuntimeKey, Key: "rk-1", Name: "edge-a"}
	_, err := Handshake(context.Background(), client, cred, identity.NatureRuntime, "", 5*time.Second)
	require.Error(t, err)
	var permErr *PermanentAuthenticationError
	require.ErrorAs(t, err, &permErr)
}

func TestHandshake_RejectRecoverable(t *testing.T) {
	client := testBus(t)
	respondOnce(t, client, bus.TypeConnectReject, ConnectReject{Reason: "control plane restarting", Recoverable: true})

	cred := identity.Credential{Kind: identity.CredentialRuntimeKey, Key: "rk-1", Name: "edge-a"}
	_, err := Handshake(context.Background(), client, cred, identity.NatureRuntime, "", 5*time.Second)
	require.Error(t, err)
	var transientErr *TransientAuthenticationError
	require.ErrorAs(t, err, &transientErr)
}

func TestHandshake_Timeout(t *testing.T) {
	client := testBus(t)
	// No responder subscribed — the request should time out.
	cred := identity.Credential{Kind: identity.CredentialRuntimeKey, Key: "rk-1", Name: "edge-a"}
	_, err := Handshake(context.Background(), client, cred, identity.NatureRuntime, "", 300*time.Millisecond)
	require.Error(t, err)
	var transientErr *TransientAuthenticationError
	require.ErrorAs(t, err, &transientErr)
}

func TestService_ConnectAndReconnect(t *testing.T) {
	client := testBus(t)
	respondOnce(t, client, bus.TypeConnectAck, ConnectAck{ID: "runtime-456", WorkspaceID: "ws-2", Name: "edge-b"})

	cred := identity.Credential{Kind: identity.CredentialRuntimeKey, Key: "rk-2", Name: "edge-b"}
	svc := NewService(client, cred)
	defer svc.Close()

	id, err := svc.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "runtime-456", id.ID)
	require.NotNil(t, svc.Identity())

	env, err := bus.NewEnvelope(bus.TypeRuntimeReconnect, map[string]string{})
	require.NoError(t, err)
	require.NoError(t, client.Publish(context.Background(), "runtime.runtime-456.reconnect", env))

	require.Eventually(t, func() bool {
		return svc.Identity() == nil
	}, 3*time.Second, 50*time.Millisecond, "identity should be cleared after RuntimeReconnect")
}
