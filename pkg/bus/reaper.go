package bus

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically deletes expired bus_kv rows. PostgreSQL has no native
// TTL; this sweep is what makes "entries expire server-side" (spec §4.2)
// true in practice, the same ticker-loop shape the teacher uses for its MCP
// health monitor (pkg/mcp/health.go: Start/Stop/loop/done-channel).
type Reaper struct {
	client   *Client
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper builds a Reaper that sweeps bus_kv every interval.
func NewReaper(client *Client, interval time.Duration) *Reaper {
	return &Reaper{client: client, interval: interval}
}

// Start launches the sweep loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.loop(loopCtx)
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	tag, err := r.client.pool.Exec(ctx, `DELETE FROM bus_kv WHERE expires_at <= now()`)
	if err != nil {
		slog.Error("bus: KV reap failed", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Debug("bus: reaped expired KV entries", "count", n)
	}
}
