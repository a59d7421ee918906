// Package coordinator implements the Main Coordinator of spec.md §4.1: mode
// detection (done by pkg/config before this package is ever invoked),
// service composition in dependency order, the reconnect loop, and signal
// handling with a graceful-shutdown watchdog. Grounded on the teacher's
// pkg/queue/pool.go Start/Stop shape (logged graceful drain, WaitGroup) and
// other_examples/6782516a_stacklok-toolhive's signal.NotifyContext +
// context.WithTimeout(10*time.Second) shutdown pattern.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/toolmesh/runtime/pkg/auth"
	"github.com/toolmesh/runtime/pkg/backoff"
	"github.com/toolmesh/runtime/pkg/bus"
	"github.com/toolmesh/runtime/pkg/cache"
	"github.com/toolmesh/runtime/pkg/config"
	"github.com/toolmesh/runtime/pkg/health"
	"github.com/toolmesh/runtime/pkg/identity"
	"github.com/toolmesh/runtime/pkg/session"
	"github.com/toolmesh/runtime/pkg/toolsvc"
	"github.com/toolmesh/runtime/pkg/toolworker"
	"github.com/toolmesh/runtime/pkg/transport/httpserver"
	"github.com/toolmesh/runtime/pkg/transport/stdiotransport"
	"github.com/toolmesh/runtime/pkg/version"
)

// Exit codes (spec §6).
const (
	ExitClean         = 0
	ExitConfigInvalid = 1
	ExitPermanentAuth = 2
	ExitFatal         = 3
)

// shutdownWatchdog bounds graceful shutdown, matching spec §4.1's "10s
// hard-kill watchdog".
const shutdownWatchdog = 10 * time.Second

// identityPollInterval is how often Run notices that pkg/auth.Service's
// cached Identity was cleared by an inbound RuntimeReconnect — Service's
// own doc comment says this polling is the caller's responsibility.
const identityPollInterval = time.Second

// Run drives the full startup → serve → reconnect-or-shutdown lifecycle
// until a signal arrives or a PermanentAuthenticationError aborts it, and
// returns the process exit code spec §6 prescribes. A SIGINT/SIGTERM that
// isn't unwound within shutdownWatchdog forces ExitFatal rather than
// hanging the process indefinitely.
func Run(ctx context.Context, cfg *config.Startup) int {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	failures := 0
	for {
		done := make(chan error, 1)
		go func() { done <- runOnce(sigCtx, cfg) }()

		var err error
		select {
		case err = <-done:
		case <-sigCtx.Done():
			select {
			case err = <-done:
			case <-time.After(shutdownWatchdog):
				slog.Error("coordinator: graceful shutdown exceeded watchdog, forcing exit")
				return ExitFatal
			}
		}

		if err == nil || sigCtx.Err() != nil {
			slog.Info("coordinator: shutdown complete")
			return ExitClean
		}

		var permanent *auth.PermanentAuthenticationError
		if errors.As(err, &permanent) {
			slog.Error("coordinator: permanent authentication failure, aborting", "error", err)
			return ExitPermanentAuth
		}

		failures++
		delay := backoff.DefaultDelay(failures)
		slog.Error("coordinator: service run failed, reconnecting",
			"attempt", failures, "delay", delay, "error", err)

		select {
		case <-sigCtx.Done():
			return ExitClean
		case <-time.After(delay):
		}
	}
}

// runOnce builds the full service graph in spec §4.1's dependency order
// (Bus → Auth → Health → Tool → HTTP Manager → SSE/Streamable routes →
// HTTP listen → Stdio transport), runs until ctx is canceled or a
// reconnect/failure condition is observed, and tears everything down in
// reverse order under the shutdown watchdog.
func runOnce(ctx context.Context, cfg *config.Startup) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	busClient, err := bus.Connect(runCtx, cfg.NATSServers, cfg.NATSName)
	if err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	defer busClient.Close(context.Background())

	authSvc := auth.NewService(busClient, cfg.Credential)
	id, err := authSvc.Connect(runCtx)
	if err != nil {
		return err
	}
	defer authSvc.Close()

	cacheSvc := cache.New(busClient, map[string]time.Duration{
		cache.BucketHeartbeat:    cfg.HeartbeatTTL,
		cache.BucketEphemeral:    cfg.EphemeralTTL,
		cache.BucketOAuthNonce:   cfg.OAuthNonceTTL,
		cache.BucketRateLimitKey: cfg.RateLimitTTL,
		cache.BucketRateLimitIP:  cfg.RateLimitTTL,
	})

	healthSvc := health.NewService(cacheSvc, id, cfg.HeartbeatInterval)
	if err := healthSvc.Start(runCtx); err != nil {
		return fmt.Errorf("health start: %w", err)
	}
	defer healthSvc.Stop(context.Background())

	var catalog session.ToolCatalog = noToolsCatalog{}
	if cfg.Mode != identity.ModeStandaloneMCPStream {
		toolSvc := toolsvc.New(busClient, id, id.WorkspaceID, scopeFor(cfg.Mode))
		if err := toolSvc.Start(runCtx); err != nil {
			return fmt.Errorf("tool service start: %w", err)
		}
		defer toolSvc.Stop(context.Background())
		catalog = toolSvc
	}

	errCh := make(chan error, 2)

	var httpSrv *httpserver.Server
	if cfg.Mode == identity.ModeEdgeMCPStream || cfg.Mode == identity.ModeStandaloneMCPStream {
		httpSrv = httpserver.NewServer(busClient, catalog, httpserver.Config{
			AllowedOrigins:      cfg.AllowedOrigins,
			PreventDNSRebinding: cfg.PreventDNSRebinding,
			ServerVersion:       version.Full(),
		})
		if err := httpSrv.ValidateWiring(); err != nil {
			return fmt.Errorf("http manager wiring: %w", err)
		}
		go func() {
			if err := httpSrv.Start(":" + strconv.Itoa(cfg.RemotePort)); err != nil {
				select {
				case errCh <- fmt.Errorf("http listen: %w", err):
				default:
				}
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownWatchdog)
			defer shutdownCancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				slog.Error("coordinator: http manager shutdown error", "error", err)
			}
		}()
	}

	if cfg.Mode == identity.ModeMCPStdio {
		runner := stdiotransport.NewRunner(busClient, catalog, cfg.Credential, version.Full())
		go func() {
			if err := runner.Run(runCtx); err != nil && runCtx.Err() == nil {
				select {
				case errCh <- fmt.Errorf("stdio transport: %w", err):
				default:
				}
			}
		}()
	}

	go watchReconnect(runCtx, authSvc, errCh)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// watchReconnect polls authSvc.Identity() until it observes a cleared
// Identity (an inbound RuntimeReconnect) or ctx is canceled.
func watchReconnect(ctx context.Context, authSvc *auth.Service, errCh chan<- error) {
	ticker := time.NewTicker(identityPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if authSvc.Identity() == nil {
				select {
				case errCh <- errors.New("coordinator: runtime reconnect requested"):
				default:
				}
				return
			}
		}
	}
}

// scopeFor derives a runtime's ToolServerConfig.RunOn capability from its
// mode: MCP_STDIO runtimes are embedded in an agent's own skill session
// (agent-capable); EDGE and EDGE_MCP_STREAM runtimes host edge tools.
// Neither spec.md nor SPEC_FULL.md states this mapping explicitly — see
// DESIGN.md's Open Question decision for internal/coordinator.
func scopeFor(mode identity.Mode) toolsvc.Scope {
	switch mode {
	case identity.ModeMCPStdio:
		return toolsvc.Scope{AgentCapable: true}
	case identity.ModeEdge, identity.ModeEdgeMCPStream:
		return toolsvc.Scope{EdgeCapable: true}
	default:
		return toolsvc.Scope{}
	}
}

// noToolsCatalog backs session.SkillSurface in STANDALONE_MCP_STREAM mode,
// where spec §4.1 explicitly excludes the Tool Service ("if mode !=
// STANDALONE_MCP_STREAM"). Every tool call in that mode fails as not found
// rather than the HTTP Manager being unable to start at all.
type noToolsCatalog struct{}

func (noToolsCatalog) Descriptors() []toolworker.ToolDescriptor { return nil }

func (noToolsCatalog) CallTool(context.Context, string, map[string]any, *identity.Identity) (*toolworker.CallResult, error) {
	return nil, toolsvc.ErrToolNotFound
}
