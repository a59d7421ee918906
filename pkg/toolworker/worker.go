package toolworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmesh/runtime/pkg/version"
)

// State is the worker's lifecycle state (spec §3 ToolServerWorker).
// READY → STOPPED is irreversible; a config change creates a new worker
// rather than resurrecting a stopped one.
type State string

const (
	StateStarting State = "STARTING"
	StateReady    State = "READY"
	StateFailed   State = "FAILED"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
)

// ErrToolServerUnavailable is returned by CallTool when the worker is not
// READY. Per spec §4.7 the worker never attempts a reconnect inline —
// restarting a FAILED worker is Tool Service's job.
var ErrToolServerUnavailable = errors.New("tool server unavailable")

// Worker supervises one running MCP child (spec §4.7). Safe for concurrent
// use: ListTools/CallTool may be called from any inbound session's
// goroutine while onToolsChanged updates the cache in the background.
type Worker struct {
	config Config

	mu      sync.RWMutex
	state   State
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
	tools   []ToolDescriptor
	lastErr error

	cmd *exec.Cmd // set only for STDIO, for our own SIGTERM/SIGKILL sequencing

	changedMu sync.Mutex
	onChanged func([]ToolDescriptor)
}

// NewWorker builds a worker in state STARTING; call Start to connect it.
func NewWorker(cfg Config) *Worker {
	return &Worker{config: cfg, state: StateStarting}
}

// Config returns the declarative config this worker was built from.
func (w *Worker) Config() Config {
	return w.config
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// LastError returns the error that caused a FAILED transition, if any.
func (w *Worker) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// Start connects to the MCP child: spawns it for STDIO, dials it for
// SSE/STREAM, then calls initialize and tools/list and caches the
// descriptors. Transitions STARTING → READY or STARTING → FAILED.
func (w *Worker) Start(ctx context.Context) error {
	transport, err := createTransport(w.config)
	if err != nil {
		w.fail(err)
		return err
	}

	if ct, ok := transport.(*mcpsdk.CommandTransport); ok {
		w.mu.Lock()
		w.cmd = ct.Command
		w.mu.Unlock()
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(ctx context.Context, cs *mcpsdk.ClientSession, p *mcpsdk.ToolListChangedParams) {
			w.refreshTools(context.Background())
		},
	})

	initCtx, cancel := context.WithTimeout(ctx, MCPInitTimeout)
	defer cancel()

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		w.fail(fmt.Errorf("connect to tool server %q: %w", w.config.Name, err))
		return w.lastErr
	}

	result, err := session.ListTools(initCtx, nil)
	if err != nil {
		_ = session.Close()
		w.fail(fmt.Errorf("list tools from %q: %w", w.config.Name, err))
		return w.lastErr
	}

	w.mu.Lock()
	w.client = client
	w.session = session
	w.tools = descriptorsFromTools(result.Tools, w.config.Name)
	w.state = StateReady
	w.lastErr = nil
	w.mu.Unlock()

	return nil
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.state = StateFailed
	w.lastErr = err
	w.mu.Unlock()
	slog.Error("tool server worker failed to start", "server", w.config.Name, "error", err)
}

// ListTools returns the cached descriptor list.
func (w *Worker) ListTools() []ToolDescriptor {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]ToolDescriptor, len(w.tools))
	copy(out, w.tools)
	return out
}

// CallTool forwards name/args to the MCP child. It never retries: per spec
// §4.7 a transport failure here is surfaced to the caller (Tool Service),
// which owns the restart-with-backoff decision.
func (w *Worker) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*CallResult, error) {
	w.mu.RLock()
	state := w.state
	session := w.session
	w.mu.RUnlock()

	if state != StateReady {
		return nil, ErrToolServerUnavailable
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if Classify(err) == TransportError {
			w.mu.Lock()
			if w.state == StateReady {
				w.state = StateFailed
				w.lastErr = err
			}
			w.mu.Unlock()
		}
		return nil, fmt.Errorf("call %q.%s: %w", w.config.Name, name, err)
	}

	return &CallResult{Content: result.Content, IsError: result.IsError}, nil
}

// OnToolsChanged registers cb to be invoked (with the refreshed descriptor
// list) whenever the child sends notifications/tools/list_changed.
func (w *Worker) OnToolsChanged(cb func([]ToolDescriptor)) {
	w.changedMu.Lock()
	defer w.changedMu.Unlock()
	w.onChanged = cb
}

func (w *Worker) refreshTools(ctx context.Context) {
	w.mu.RLock()
	session := w.session
	state := w.state
	w.mu.RUnlock()
	if state != StateReady || session == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		slog.Warn("tool server worker failed to refresh tool list", "server", w.config.Name, "error", err)
		return
	}

	descriptors := descriptorsFromTools(result.Tools, w.config.Name)
	w.mu.Lock()
	w.tools = descriptors
	w.mu.Unlock()

	w.changedMu.Lock()
	cb := w.onChanged
	w.changedMu.Unlock()
	if cb != nil {
		cb(descriptors)
	}
}

// Stop closes the MCP client and, for STDIO, terminates the child with
// SIGTERM followed by SIGKILL after a 5s grace period.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateStopped || w.state == StateStopping {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	session := w.session
	cmd := w.cmd
	w.mu.Unlock()

	var firstErr error
	if session != nil {
		if err := session.Close(); err != nil {
			firstErr = err
		}
	}

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && firstErr == nil {
			firstErr = err
		}

		done := make(chan struct{})
		go func() {
			_, _ = cmd.Process.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(StopGracePeriod):
			_ = cmd.Process.Kill()
			<-done
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		}
	}

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()

	return firstErr
}
