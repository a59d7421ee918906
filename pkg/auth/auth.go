// Package auth implements the Credential→Identity handshake: publish a
// ConnectRequest as a bus request, interpret the ConnectAck/ConnectReject
// reply, and expose the resulting Identity as a read-only, copy-on-write
// value the rest of the runtime can read without touching the bus again.
package auth

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/toolmesh/runtime/pkg/bus"
	"github.com/toolmesh/runtime/pkg/identity"
)

// ConnectSubject is the logical bus subject ConnectRequests are published
// to (spec §6's "Bus subjects (logical)" table).
const ConnectSubject = "runtime.connect"

// DefaultHandshakeTimeout is the default bound on a ConnectRequest
// round-trip (spec §5: "every outbound bus request carries a default 30s
// deadline").
const DefaultHandshakeTimeout = 30 * time.Second

// Handshake trades cred for an Identity by publishing a ConnectRequest as a
// bus request and interpreting the reply (spec §4.4, steps 2-6). Usable
// both for the runtime-level handshake (Service.Connect) and for a single
// skill session's per-connection auth.
func Handshake(ctx context.Context, client *bus.Client, cred identity.Credential, nature identity.Nature, workspaceHint string, timeout time.Duration) (*identity.Identity, error) {
	req := ConnectRequest{
		CredentialKind: cred.Kind,
		CredentialKey:  cred.Key,
		Name:           cred.Name,
		PID:            os.Getpid(),
		Hostname:       hostname(),
		HostIP:         localIP(),
		WorkspaceHint:  workspaceHint,
		Nature:         nature,
	}

	env, err := bus.NewEnvelope(bus.TypeConnectRequest, req)
	if err != nil {
		return nil, fmt.Errorf("auth: build ConnectRequest: %w", err)
	}

	reply, err := client.Request(ctx, ConnectSubject, env, timeout)
	if err != nil {
		return nil, &TransientAuthenticationError{Reason: "ConnectRequest round-trip failed", Cause: err}
	}

	switch reply.Type {
	case bus.TypeConnectAck:
		var ack ConnectAck
		if err := reply.Decode(&ack); err != nil {
			return nil, &TransientAuthenticationError{Reason: "malformed ConnectAck", Cause: err}
		}
		return &identity.Identity{
			ID:          ack.ID,
			Nature:      nature,
			WorkspaceID: ack.WorkspaceID,
			Name:        ack.Name,
			Hostname:    req.Hostname,
			ProcessID:   req.PID,
			HostIP:      req.HostIP,
		}, nil
	case bus.TypeConnectReject:
		var rej ConnectReject
		if err := reply.Decode(&rej); err != nil {
			return nil, &TransientAuthenticationError{Reason: "malformed ConnectReject", Cause: err}
		}
		if !rej.Recoverable {
			return nil, &PermanentAuthenticationError{Reason: rej.Reason}
		}
		return nil, &TransientAuthenticationError{Reason: rej.Reason}
	default:
		return nil, &TransientAuthenticationError{Reason: fmt.Sprintf("unexpected reply type %q", reply.Type)}
	}
}

// Service owns the runtime-level Identity: the single handshake performed
// at startup (and redone whenever a RuntimeReconnect arrives). Exclusively
// owned by Auth (spec §3's Identity entity doc); every other component
// reads a Clone().
type Service struct {
	bus        *bus.Client
	credential identity.Credential

	mu sync.RWMutex
	id *identity.Identity

	watchCancel func()
}

// NewService builds an auth Service for the given startup credential.
func NewService(client *bus.Client, cred identity.Credential) *Service {
	return &Service{bus: client, credential: cred}
}

// Connect performs the handshake and, on success, starts watching this
// runtime's reconnect subject.
func (s *Service) Connect(ctx context.Context) (*identity.Identity, error) {
	id, err := Handshake(ctx, s.bus, s.credential, identity.NatureRuntime, "", DefaultHandshakeTimeout)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.id = id
	s.mu.Unlock()

	s.watchReconnect(id.ID)
	return id.Clone(), nil
}

// Identity returns a read-only copy of the currently cached Identity, or
// nil if Connect has not succeeded yet.
func (s *Service) Identity() *identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id.Clone()
}

// reconnectSubject is the per-runtime subject a RuntimeReconnect publish
// arrives on (spec §6: "runtime.<RID>.reconnect (publish)").
func reconnectSubject(runtimeID string) string {
	return "runtime." + runtimeID + ".reconnect"
}

// watchReconnect subscribes to this runtime's reconnect subject. Receiving
// a RuntimeReconnect clears the cached Identity; Main's coordinator is
// expected to notice the next time it reads Identity() returns nil and
// re-run Connect (spec §4.4: "forces the identity to be cleared and
// re-acquired").
func (s *Service) watchReconnect(runtimeID string) {
	if s.watchCancel != nil {
		s.watchCancel()
	}

	envelopes, cancel, err := s.bus.Subscribe(context.Background(), reconnectSubject(runtimeID))
	if err != nil {
		// Non-fatal: the subscribe error is dropped without being logged or
		// returned, Connect still succeeds, and a forced reconnect publish
		// goes unnoticed until the next full restart.
		return
	}
	s.watchCancel = cancel

	go func() {
		for env := range envelopes {
			if env.Type != bus.TypeRuntimeReconnect {
				continue
			}
			s.mu.Lock()
			s.id = nil
			s.mu.Unlock()
		}
	}()
}

// Close stops watching the reconnect subject.
func (s *Service) Close() {
	if s.watchCancel != nil {
		s.watchCancel()
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// localIP returns the first non-loopback IPv4 address found on any
// interface, or "" if none is found. Best-effort: ConnectRequest.HostIP is
// informational (used by the control plane for routing diagnostics), not
// load-bearing for the handshake itself.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
