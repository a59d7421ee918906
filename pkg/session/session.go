package session

import (
	"time"

	"github.com/google/uuid"
)

// ValidSessionID reports whether id consists only of visible ASCII
// characters (0x21-0x7E), the wire format spec.md's Session entity
// requires. uuid.New().String() always satisfies this, but session IDs
// arriving from a transport's query string or header must be checked
// before use.
func ValidSessionID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7E {
			return false
		}
	}
	return true
}

// NewSessionID mints a fresh session ID.
func NewSessionID() string { return uuid.New().String() }

// Session is a single inbound MCP connection: one transport handle, one
// skill surface, one lifetime. No session outlives its transport.
type Session struct {
	ID        string
	Surface   *SkillSurface
	CreatedAt time.Time
}

// New wires a session around an already-started surface. The transport
// package is responsible for calling surface.Start before constructing the
// Session and surface.Stop (via Close) after the transport tears down.
func New(id string, surface *SkillSurface) *Session {
	return &Session{
		ID:        id,
		Surface:   surface,
		CreatedAt: time.Now(),
	}
}

// Close tears down the session's skill surface, draining its bus
// subscription.
func (s *Session) Close() {
	s.Surface.Stop()
}
