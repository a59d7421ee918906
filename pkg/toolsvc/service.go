// Package toolsvc implements the Tool Service (spec §4.6): it reconciles a
// declarative list of ToolServerConfigs into running toolworker.Workers and
// routes tool calls, locally or to a peer runtime over the bus.
package toolsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmesh/runtime/pkg/backoff"
	"github.com/toolmesh/runtime/pkg/bus"
	"github.com/toolmesh/runtime/pkg/identity"
	"github.com/toolmesh/runtime/pkg/toolworker"
)

// Scope describes which ToolServerConfig.RunOn values this runtime hosts
// locally (spec §4.6: GLOBAL → any runtime; AGENT → agent-capable; EDGE →
// edge-capable).
type Scope struct {
	AgentCapable bool
	EdgeCapable  bool
}

func (s Scope) appliesTo(cfg toolworker.Config) bool {
	return cfg.AppliesTo(s.AgentCapable, s.EdgeCapable)
}

// ToolsConfigUpdate is the payload of a bus.TypeToolsConfig publication on
// workspace.<wsId>.tools-config.
type ToolsConfigUpdate struct {
	Servers []toolworker.Config `json:"servers"`
}

// peerOrigin records that a tool name is owned by another runtime. Nothing
// in ToolServerConfig (spec §3) carries an explicit owner, so this is
// populated out-of-band by whatever layer resolves workspace topology —
// see DESIGN.md's Open Question decision for pkg/toolsvc.
type peerOrigin struct {
	runtimeID string
}

type localEntry struct {
	worker    *toolworker.Worker
	signature string
	failures  int
	cancel    context.CancelFunc
}

// CallRecord is a transient record of one in-flight or completed tool call
// (spec §3 ToolCallRecord). Exists only in memory; never persisted.
type CallRecord struct {
	CallID       string
	ToolName     string
	Arguments    map[string]any
	CalledBy     string
	TargetWorker string
	Status       string
	Err          error
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Service holds the configId → Worker map and the unified tool-name →
// origin directory used for routing.
type Service struct {
	busClient   *bus.Client
	id          *identity.Identity
	workspaceID string
	scope       Scope

	mu      sync.Mutex
	workers map[string]*localEntry // configID → entry
	peers   map[string]peerOrigin  // toolName → peer origin
	byTool  map[string]string      // toolName → configID, for locally-hosted tools

	updateCh chan []toolworker.Config
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	ledgerMu sync.Mutex
	ledger   map[string]*CallRecord

	callTimeout time.Duration
}

// New builds a Tool Service for this runtime's identity and scope.
func New(busClient *bus.Client, id *identity.Identity, workspaceID string, scope Scope) *Service {
	return &Service{
		busClient:   busClient,
		id:          id,
		workspaceID: workspaceID,
		scope:       scope,
		workers:     make(map[string]*localEntry),
		peers:       make(map[string]peerOrigin),
		byTool:      make(map[string]string),
		updateCh:    make(chan []toolworker.Config, 1),
		ledger:      make(map[string]*CallRecord),
		callTimeout: toolworker.OperationTimeout,
	}
}

func configSubject(workspaceID string) string {
	return "workspace." + workspaceID + ".tools-config"
}

func (s *Service) callSubject() string {
	return "runtime." + s.id.ID + ".call"
}

// Start subscribes to workspace.<wsId>.tools-config, launches the
// single-writer reconciliation loop, and begins serving peer tool-call
// requests addressed to this runtime.
func (s *Service) Start(ctx context.Context) error {
	configs, cancelConfigs, err := s.busClient.Subscribe(ctx, configSubject(s.workspaceID))
	if err != nil {
		return fmt.Errorf("toolsvc: subscribe to tools-config: %w", err)
	}

	calls, cancelCalls, err := s.busClient.Subscribe(ctx, s.callSubject())
	if err != nil {
		cancelConfigs()
		return fmt.Errorf("toolsvc: subscribe to call subject: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		defer cancelConfigs()
		s.watchConfig(loopCtx, configs)
	}()
	go func() {
		defer s.wg.Done()
		defer cancelCalls()
		s.servePeerCalls(loopCtx, calls)
	}()
	go func() {
		defer s.wg.Done()
		s.reconcileLoop(loopCtx)
	}()

	return nil
}

// Stop cancels all background loops and stops every running worker.
func (s *Service) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	entries := make([]*localEntry, 0, len(s.workers))
	for _, e := range s.workers {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		if e.cancel != nil {
			e.cancel()
		}
		_ = e.worker.Stop(ctx)
	}
}

func (s *Service) watchConfig(ctx context.Context, envelopes <-chan bus.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			var update ToolsConfigUpdate
			if err := env.Decode(&update); err != nil {
				slog.Error("toolsvc: failed to decode ToolsConfig envelope", "error", err)
				continue
			}
			select {
			case s.updateCh <- update.Servers:
			case <-ctx.Done():
				return
			}
		}
	}
}

// reconcileLoop is the single writer for s.workers: updates queue behind
// whichever reconciliation is in flight (spec §4.6: "Reconciliation is
// single-writer; updates queue behind the in-flight change").
func (s *Service) reconcileLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case configs := <-s.updateCh:
			s.reconcile(ctx, configs)
		}
	}
}

func (s *Service) reconcile(ctx context.Context, configs []toolworker.Config) {
	wanted := make(map[string]toolworker.Config, len(configs))
	for _, cfg := range configs {
		if !s.scope.appliesTo(cfg) {
			continue
		}
		wanted[cfg.ID()] = cfg
	}

	s.mu.Lock()
	var toStop []*localEntry
	var toStart []toolworker.Config
	var toRestart []struct {
		old *localEntry
		cfg toolworker.Config
	}

	for id, e := range s.workers {
		cfg, stillWanted := wanted[id]
		if !stillWanted {
			toStop = append(toStop, e)
			continue
		}
		if cfg.Signature() != e.signature {
			toRestart = append(toRestart, struct {
				old *localEntry
				cfg toolworker.Config
			}{e, cfg})
		}
	}
	for id, cfg := range wanted {
		if _, exists := s.workers[id]; !exists {
			toStart = append(toStart, cfg)
		}
	}
	s.mu.Unlock()

	for _, e := range toStop {
		s.stopWorker(ctx, e)
	}
	for _, r := range toRestart {
		s.stopWorker(ctx, r.old)
		s.startWorker(ctx, r.cfg)
	}
	for _, cfg := range toStart {
		s.startWorker(ctx, cfg)
	}
}

func (s *Service) stopWorker(ctx context.Context, e *localEntry) {
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.worker.Stop(ctx); err != nil {
		slog.Error("toolsvc: error stopping tool server worker", "server", e.worker.Config().Name, "error", err)
	}

	s.mu.Lock()
	delete(s.workers, e.worker.Config().ID())
	for name, id := range s.byTool {
		if id == e.worker.Config().ID() {
			delete(s.byTool, name)
		}
	}
	s.mu.Unlock()
}

func (s *Service) startWorker(ctx context.Context, cfg toolworker.Config) {
	w := toolworker.NewWorker(cfg)
	entryCtx, cancel := context.WithCancel(ctx)
	entry := &localEntry{worker: w, signature: cfg.Signature(), cancel: cancel}

	s.mu.Lock()
	s.workers[cfg.ID()] = entry
	s.mu.Unlock()

	w.OnToolsChanged(func(descriptors []toolworker.ToolDescriptor) {
		s.registerLocalTools(cfg.ID(), descriptors)
	})

	go s.superviseWorker(entryCtx, entry)
}

// superviseWorker runs Start, and on FAILED retries with per-worker backoff
// identical to Main's formula, capped at 10 minutes (spec §4.6). It is the
// only place in the codebase that restarts a FAILED toolworker.Worker —
// toolworker.Worker itself never retries (spec §4.7 invariant).
func (s *Service) superviseWorker(ctx context.Context, e *localEntry) {
	for attempt := 1; ; attempt++ {
		if err := e.worker.Start(ctx); err != nil {
			slog.Warn("toolsvc: tool server worker failed to start", "server", e.worker.Config().Name, "attempt", attempt, "error", err)
		} else {
			s.registerLocalTools(e.worker.Config().ID(), e.worker.ListTools())
			e.failures = 0
		}

		if e.worker.State() != toolworker.StateFailed {
			return
		}

		e.failures++
		delay := backoff.DefaultDelay(e.failures)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Service) registerLocalTools(configID string, descriptors []toolworker.ToolDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range descriptors {
		if existingID, ok := s.byTool[d.Name]; ok && existingID != configID {
			// spec §3 invariant (iv): lexicographically smaller originRef wins.
			if existingID < configID {
				slog.Warn("toolsvc: tool name collision, keeping existing origin", "tool", d.Name, "kept", existingID, "dropped", configID)
				continue
			}
			slog.Warn("toolsvc: tool name collision, replacing origin", "tool", d.Name, "kept", configID, "dropped", existingID)
		}
		s.byTool[d.Name] = configID
	}
}

// RegisterPeerTool records that toolName is owned by a peer runtime, so
// this runtime's own Descriptors()/CallTool route to it by bus request
// instead of trying to resolve it locally.
func (s *Service) RegisterPeerTool(toolName, ownerRuntimeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[toolName] = peerOrigin{runtimeID: ownerRuntimeID}
}

// UnregisterPeerTool removes a previously registered peer tool mapping.
func (s *Service) UnregisterPeerTool(toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, toolName)
}

// Descriptors returns the merged, locally-known tool list: tools from this
// runtime's own workers plus whatever peer tools have been registered. A
// name lists once: the local origin registerLocalTools chose for it, and a
// peer tool only when no local worker provides that name.
func (s *Service) Descriptors() []toolworker.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]toolworker.ToolDescriptor, 0, len(s.byTool)+len(s.peers))
	for configID, e := range s.workers {
		for _, d := range e.worker.ListTools() {
			if s.byTool[d.Name] == configID {
				out = append(out, d)
			}
		}
	}
	for name, p := range s.peers {
		if _, local := s.byTool[name]; local {
			continue
		}
		out = append(out, toolworker.ToolDescriptor{
			Name:       name,
			OriginKind: toolworker.OriginPeerRuntime,
			OriginRef:  p.runtimeID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallTool resolves name in the unified descriptor list and dispatches it
// (spec §4.6's callTool algorithm).
func (s *Service) CallTool(ctx context.Context, name string, args map[string]any, caller *identity.Identity) (*toolworker.CallResult, error) {
	s.mu.Lock()
	configID, local := s.byTool[name]
	var worker *toolworker.Worker
	if local {
		if e, ok := s.workers[configID]; ok {
			worker = e.worker
		} else {
			local = false
		}
	}
	peer, isPeer := s.peers[name]
	s.mu.Unlock()

	record := &CallRecord{
		CallID:    uuid.NewString(),
		ToolName:  name,
		Arguments: args,
		StartedAt: time.Now(),
	}
	if caller != nil {
		record.CalledBy = caller.ID
	}
	defer s.recordCall(record)

	switch {
	case local:
		record.TargetWorker = configID
		result, err := worker.CallTool(ctx, name, args, s.callTimeout)
		if err != nil {
			record.Err = classifyCallError(err)
			record.Status = "failed"
			return nil, record.Err
		}
		record.Status = "completed"
		return result, nil

	case isPeer:
		record.TargetWorker = peer.runtimeID
		result, err := s.callPeer(ctx, peer.runtimeID, name, args, record.CalledBy)
		if err != nil {
			record.Err = err
			record.Status = "failed"
			return nil, err
		}
		record.Status = "completed"
		return result, nil

	default:
		record.Status = "failed"
		record.Err = ErrToolNotFound
		return nil, ErrToolNotFound
	}
}

func classifyCallError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrToolCallTimedOut, err)
	}
	return fmt.Errorf("%w: %w", ErrToolCallFailed, err)
}

func (s *Service) callPeer(ctx context.Context, ownerID, name string, args map[string]any, callerID string) (*toolworker.CallResult, error) {
	env, err := bus.NewEnvelope(bus.TypeCallRequest, ToolCallRequest{ToolName: name, Args: args, CallerID: callerID})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrToolCallFailed, err)
	}

	reply, err := s.busClient.Request(ctx, "runtime."+ownerID+".call", env, s.callTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrToolCallTimedOut, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrToolCallFailed, err)
	}

	var resp ToolCallResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode peer response: %w", ErrToolCallFailed, err)
	}
	if resp.ErrorMessage != "" {
		return nil, fmt.Errorf("%w: %s", ErrToolCallFailed, resp.ErrorMessage)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("%w: peer returned no result", ErrToolCallFailed)
	}
	return &toolworker.CallResult{Content: resp.Result.Content, IsError: resp.Result.IsError}, nil
}

// servePeerCalls answers ToolCallRequests addressed to this runtime's own
// call subject: a peer resolved one of our locally-hosted tools and is
// asking us to run it.
func (s *Service) servePeerCalls(ctx context.Context, requests <-chan bus.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			go s.handlePeerCall(ctx, req)
		}
	}
}

func (s *Service) handlePeerCall(ctx context.Context, req bus.Envelope) {
	var call ToolCallRequest
	if err := req.Decode(&call); err != nil {
		slog.Error("toolsvc: failed to decode ToolCallRequest", "error", err)
		return
	}

	s.mu.Lock()
	configID, local := s.byTool[call.ToolName]
	var worker *toolworker.Worker
	if local {
		if e, ok := s.workers[configID]; ok {
			worker = e.worker
		} else {
			local = false
		}
	}
	s.mu.Unlock()

	var resp ToolCallResponse
	if !local {
		resp.ErrorMessage = ErrToolNotFound.Error()
	} else if result, err := worker.CallTool(ctx, call.ToolName, call.Args, s.callTimeout); err != nil {
		resp.ErrorMessage = err.Error()
	} else {
		resp.Result = &mcpsdk.CallToolResult{Content: result.Content, IsError: result.IsError}
	}

	replyEnv, err := bus.NewEnvelope(bus.TypeCallResponse, resp)
	if err != nil {
		slog.Error("toolsvc: failed to build ToolCallResponse envelope", "error", err)
		return
	}
	if err := s.busClient.Reply(ctx, req, replyEnv); err != nil {
		slog.Error("toolsvc: failed to reply to peer ToolCallRequest", "error", err)
	}
}

func (s *Service) recordCall(r *CallRecord) {
	r.CompletedAt = time.Now()
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	s.ledger[r.CallID] = r
}
