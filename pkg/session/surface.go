// Package session implements the per-connection Session and SkillSurface
// entities shared by every inbound MCP transport (stdio, SSE, Streamable
// HTTP), plus the three MCP request handlers they all dispatch to.
package session

import (
	"context"
	"sync"

	"github.com/toolmesh/runtime/pkg/bus"
	"github.com/toolmesh/runtime/pkg/identity"
	"github.com/toolmesh/runtime/pkg/toolworker"
)

// ToolCatalog is the Tool Service surface a SkillSurface projects from.
// Satisfied by *toolsvc.Service.
type ToolCatalog interface {
	Descriptors() []toolworker.ToolDescriptor
	CallTool(ctx context.Context, name string, args map[string]any, caller *identity.Identity) (*toolworker.CallResult, error)
}

func configSubject(workspaceID string) string {
	return "workspace." + workspaceID + ".tools-config"
}

// SkillSurface is the per-session projection of "what tools are available
// to this client". It subscribes to the same workspace tools-config stream
// Tool Service reconciles against and re-snapshots the catalog whenever a
// config update is published, notifying the owning session only when the
// descriptor list actually changed.
type SkillSurface struct {
	id      *identity.Identity
	catalog ToolCatalog
	busCli  *bus.Client

	mu    sync.RWMutex
	tools []toolworker.ToolDescriptor

	readyOnce sync.Once
	ready     chan struct{}

	changeMu sync.Mutex
	onChange func([]toolworker.ToolDescriptor)

	cancel func()
	wg     sync.WaitGroup
}

// NewSkillSurface builds a surface bound to an authenticated identity and a
// tool catalog. Call Start to begin tracking config updates.
func NewSkillSurface(busCli *bus.Client, catalog ToolCatalog, id *identity.Identity) *SkillSurface {
	return &SkillSurface{
		id:      id,
		catalog: catalog,
		busCli:  busCli,
		ready:   make(chan struct{}),
	}
}

// Identity returns the skill's authenticated identity.
func (s *SkillSurface) Identity() *identity.Identity { return s.id }

// Start takes an initial catalog snapshot and subscribes to the workspace's
// tools-config subject, refreshing the snapshot on every update it sees.
func (s *SkillSurface) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	envelopes, unsubscribe, err := s.busCli.Subscribe(runCtx, configSubject(s.id.WorkspaceID))
	if err != nil {
		cancel()
		return err
	}
	// Closing the subscription ends the goroutine's range loop below.
	s.cancel = func() {
		cancel()
		unsubscribe()
	}

	s.refresh()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		for range envelopes {
			s.refresh()
		}
	}()
	return nil
}

// Stop cancels the config subscription and waits for its goroutine to exit.
func (s *SkillSurface) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// refresh re-snapshots the catalog and, if the descriptor list changed,
// invokes the registered change callback. It also marks the surface ready
// on its first call regardless of whether the snapshot is non-empty — an
// empty catalog is a legitimate steady state, not a startup race.
func (s *SkillSurface) refresh() {
	tools := s.catalog.Descriptors()

	s.mu.Lock()
	changed := !equalDescriptors(s.tools, tools)
	s.tools = tools
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })

	if !changed {
		return
	}
	s.changeMu.Lock()
	cb := s.onChange
	s.changeMu.Unlock()
	if cb != nil {
		cb(tools)
	}
}

// OnChange registers the callback invoked when the tool list mutates. Only
// one callback is supported; a session owns exactly one surface.
func (s *SkillSurface) OnChange(cb func([]toolworker.ToolDescriptor)) {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	s.onChange = cb
}

// WaitReady blocks until the surface has completed its first catalog
// snapshot, or ctx is done.
func (s *SkillSurface) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tools returns the current descriptor snapshot.
func (s *SkillSurface) Tools() []toolworker.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]toolworker.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// CallTool dispatches a call through the catalog on behalf of this surface's
// identity.
func (s *SkillSurface) CallTool(ctx context.Context, name string, args map[string]any) (*toolworker.CallResult, error) {
	return s.catalog.CallTool(ctx, name, args, s.id)
}

func equalDescriptors(a, b []toolworker.ToolDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].OriginRef != b[i].OriginRef || a[i].Description != b[i].Description {
			return false
		}
	}
	return true
}
