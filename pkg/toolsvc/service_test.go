package toolsvc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/toolmesh/runtime/pkg/bus"
	"github.com/toolmesh/runtime/pkg/identity"
	"github.com/toolmesh/runtime/pkg/toolworker"
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
			postgres.WithDatabase("toolsvc_test"),
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

	client, err := bus.Connect(ctx, sharedConnStr, "toolsvc_test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

var emptySchema = json.RawMessage(`{"type":"object"}`)

func startInMemoryTool(t *testing.T, toolName string, handler mcpsdk.ToolHandler) *mcpsdk.InMemoryTransport {
	t.Helper()
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "test-server", Version: "test"}, nil)
	server.AddTool(&mcpsdk.Tool{Name: toolName, Description: "test tool", InputSchema: emptySchema}, handler)

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() { _ = server.Run(context.Background(), serverTransport) }()
	return clientTransport
}

// injectWorker builds a toolworker.Worker wired to an in-memory transport
// and registers it directly with svc, bypassing reconcile/Start (which
// would otherwise try to really spawn a STDIO child).
func injectWorker(t *testing.T, svc *Service, configID, toolName string, transport *mcpsdk.InMemoryTransport) {
	t.Helper()
	ctx := context.Background()

	cfg := toolworker.Config{Name: configID, Transport: toolworker.TransportSTDIO, RegistryRef: configID, RunOn: toolworker.RunOnGlobal}
	w := toolworker.NewWorker(cfg)

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := sdkClient.Connect(ctx, transport, nil)
	require.NoError(t, err)

	result, err := session.ListTools(ctx, nil)
	require.NoError(t, err)

	descriptors := make([]toolworker.ToolDescriptor, 0, len(result.Tools))
	for _, tl := range result.Tools {
		descriptors = append(descriptors, toolworker.ToolDescriptor{Name: tl.Name, OriginKind: toolworker.OriginMCPServer, OriginRef: configID})
	}
	w.InjectSession(sdkClient, session, descriptors)

	svc.mu.Lock()
	svc.workers[configID] = &localEntry{worker: w, signature: cfg.Signature()}
	svc.mu.Unlock()
	svc.registerLocalTools(configID, descriptors)

	t.Cleanup(func() { _ = w.Stop(context.Background()) })
}

func testIdentity(id string) *identity.Identity {
	return &identity.Identity{ID: id, Nature: identity.NatureRuntime}
}

func TestCallTool_Local(t *testing.T) {
	b := testBus(t)
	svc := New(b, testIdentity("runtime-a"), "ws-1", Scope{AgentCapable: true})

	transport := startInMemoryTool(t, "get_pods", func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pod-1"}}}, nil
	})
	injectWorker(t, svc, "k8s", "get_pods", transport)

	result, err := svc.CallTool(context.Background(), "get_pods", map[string]any{}, testIdentity("skill-1"))
	require.NoError(t, err)
	require.False(t, result.IsError)
	tc, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	require.Equal(t, "pod-1", tc.Text)
}

func TestCallTool_UnknownName(t *testing.T) {
	b := testBus(t)
	svc := New(b, testIdentity("runtime-a"), "ws-1", Scope{AgentCapable: true})

	_, err := svc.CallTool(context.Background(), "nonexistent", nil, nil)
	require.ErrorIs(t, err, ErrToolNotFound)
}

func TestCallTool_Peer(t *testing.T) {
	b := testBus(t)

	owner := New(b, testIdentity("runtime-owner"), "ws-1", Scope{AgentCapable: true})
	transport := startInMemoryTool(t, "get_logs", func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "log line"}}}, nil
	})
	injectWorker(t, owner, "logs-server", "get_logs", transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, owner.Start(ctx))
	defer owner.Stop(context.Background())

	caller := New(b, testIdentity("runtime-caller"), "ws-1", Scope{EdgeCapable: true})
	caller.RegisterPeerTool("get_logs", "runtime-owner")

	result, err := caller.CallTool(context.Background(), "get_logs", map[string]any{}, testIdentity("skill-2"))
	require.NoError(t, err)
	require.False(t, result.IsError)
	tc, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	require.Equal(t, "log line", tc.Text)
}

func TestRegisterLocalTools_CollisionKeepsLexicographicallySmallerRef(t *testing.T) {
	b := testBus(t)
	svc := New(b, testIdentity("runtime-a"), "ws-1", Scope{})

	svc.registerLocalTools("zzz-server", []toolworker.ToolDescriptor{{Name: "shared_tool", OriginRef: "zzz-server"}})
	svc.registerLocalTools("aaa-server", []toolworker.ToolDescriptor{{Name: "shared_tool", OriginRef: "aaa-server"}})

	svc.mu.Lock()
	winner := svc.byTool["shared_tool"]
	svc.mu.Unlock()
	require.Equal(t, "aaa-server", winner)
}

func TestDescriptors_MergesLocalAndPeer(t *testing.T) {
	b := testBus(t)
	svc := New(b, testIdentity("runtime-a"), "ws-1", Scope{AgentCapable: true})

	transport := startInMemoryTool(t, "ping", func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pong"}}}, nil
	})
	injectWorker(t, svc, "local-server", "ping", transport)
	svc.RegisterPeerTool("remote_tool", "runtime-b")

	descriptors := svc.Descriptors()
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.Name
	}
	require.Contains(t, names, "ping")
	require.Contains(t, names, "remote_tool")
}
