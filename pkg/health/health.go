// Package health implements the heartbeat/presence mechanism: after Auth
// succeeds, write HEARTBEAT[identity.id] immediately and then on every
// tick, deleting the key on shutdown (spec §4.5).
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/toolmesh/runtime/pkg/cache"
	"github.com/toolmesh/runtime/pkg/identity"
)

// Heartbeat is the {i, t} value shape stored in the HEARTBEAT bucket (spec
// §3's CacheBucket doc: `value = {i: id, t: now-ms}`).
type Heartbeat struct {
	I string `json:"i"`
	T int64  `json:"t"`
}

// nowFn is the clock heartbeat timestamps are read from.
var nowFn = func() time.Time { return time.Now() }

// Service periodically writes this runtime's presence key to the
// HEARTBEAT bucket, following the same Start/Stop/loop/done-channel shape
// as the teacher's pkg/mcp/health.go HealthMonitor.
type Service struct {
	cache    *cache.Service
	id       *identity.Identity
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds a heartbeat Service for id, writing every interval.
func NewService(c *cache.Service, id *identity.Identity, interval time.Duration) *Service {
	return &Service{cache: c, id: id, interval: interval}
}

// Start writes the first heartbeat immediately, then launches the ticking
// loop in a background goroutine.
func (s *Service) Start(ctx context.Context) error {
	if err := s.write(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.loop(loopCtx)
	}()
	return nil
}

// Stop halts the ticking loop and deletes this runtime's presence key
// (spec §4.5: "on shutdown, deletes its key").
func (s *Service) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	if err := s.cache.Delete(ctx, cache.BucketHeartbeat, s.id.ID); err != nil {
		slog.Error("health: failed to delete heartbeat key on shutdown", "id", s.id.ID, "error", err)
	}
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx); err != nil {
				slog.Error("health: heartbeat write failed", "id", s.id.ID, "error", err)
			}
		}
	}
}

func (s *Service) write(ctx context.Context) error {
	hb := Heartbeat{I: s.id.ID, T: nowFn().UnixMilli()}
	if err := s.cache.Put(ctx, cache.BucketHeartbeat, s.id.ID, hb); err != nil {
		return err
	}
	return nil
}
