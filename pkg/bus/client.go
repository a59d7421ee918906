package bus

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyPayloadLimit mirrors PostgreSQL's 8000-byte NOTIFY payload limit,
// with the same safety margin the teacher's publisher.go leaves for
// surrounding routing fields.
const notifyPayloadLimit = 7900

// listenCmd is a LISTEN/UNLISTEN command executed by the receive loop, the
// sole goroutine permitted to touch the dedicated LISTEN connection.
type listenCmd struct {
	sql     string
	channel string
	gen     uint64 // generation captured at Unsubscribe time; 0 for LISTEN
	result  chan error
}

type subscription struct {
	ch     chan Envelope
	cancel func()
}

// Client is a connection to the bus: a pgxpool for queries/publish/KV and a
// dedicated pgx connection for LISTEN, serialized through a command channel
// the same way the teacher's NotifyListener serializes LISTEN/UNLISTEN
// against concurrent WaitForNotification calls.
type Client struct {
	pool *pgxpool.Pool
	dsn  string

	conn   *pgx.Conn
	connMu sync.Mutex

	subs   map[string]map[*subscription]struct{}
	subsMu sync.RWMutex

	listening   map[string]bool
	listeningMu sync.RWMutex

	listenGen   map[string]uint64
	listenGenMu sync.Mutex

	cmdCh   chan listenCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// Connect opens the bus connection, applies the bus_kv schema migration and
// starts the NOTIFY receive loop. databaseName is used only to namespace the
// golang-migrate schema-history table.
func Connect(ctx context.Context, dsn, databaseName string) (*Client, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("bus: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bus: ping: %w", err)
	}

	sqlDB, err := stdsql.Open("pgx", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("bus: open migration connection: %w", err)
	}
	migrateErr := runMigrations(sqlDB, databaseName)
	_ = sqlDB.Close()
	if migrateErr != nil {
		pool.Close()
		return nil, migrateErr
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("bus: connect LISTEN connection: %w", err)
	}

	c := &Client{
		pool:      pool,
		dsn:       dsn,
		conn:      conn,
		subs:      make(map[string]map[*subscription]struct{}),
		listening: make(map[string]bool),
		listenGen: make(map[string]uint64),
		cmdCh:     make(chan listenCmd, 32),
	}
	c.running.Store(true)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelLoop = cancel
	c.loopDone = make(chan struct{})
	go func() {
		defer close(c.loopDone)
		c.receiveLoop(loopCtx)
	}()

	return c, nil
}

// Pool exposes the underlying connection pool for KV and future storage
// needs layered on top of the bus.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// Close stops the receive loop and releases both connections.
func (c *Client) Close(ctx context.Context) {
	c.running.Store(false)
	if c.cancelLoop != nil {
		c.cancelLoop()
	}
	if c.loopDone != nil {
		<-c.loopDone
	}
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(ctx)
		c.conn = nil
	}
	c.connMu.Unlock()
	c.pool.Close()
}

// Publish sends an envelope on subject. Envelopes exceeding PostgreSQL's
// NOTIFY payload limit are rejected rather than silently truncated — unlike
// the teacher's best-effort dashboard event stream, a truncated control
// envelope (a tools-config update, a call request) would silently corrupt
// protocol state.
func (c *Client) Publish(ctx context.Context, subject string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if len(raw) > notifyPayloadLimit {
		return fmt.Errorf("bus: envelope for subject %s is %d bytes, exceeds NOTIFY limit of %d", subject, len(raw), notifyPayloadLimit)
	}
	_, err = c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", subject, string(raw))
	if err != nil {
		return fmt.Errorf("bus: pg_notify(%s): %w", subject, err)
	}
	return nil
}

// Subscribe returns a stream of envelopes published on subject. The returned
// channel is closed, and the subject's LISTEN released once no other
// subscriber remains, when the returned cancel func is called.
func (c *Client) Subscribe(ctx context.Context, subject string) (<-chan Envelope, func(), error) {
	if err := c.ensureListening(ctx, subject); err != nil {
		return nil, nil, err
	}

	sub := &subscription{ch: make(chan Envelope, 64)}
	c.subsMu.Lock()
	if c.subs[subject] == nil {
		c.subs[subject] = make(map[*subscription]struct{})
	}
	c.subs[subject][sub] = struct{}{}
	c.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs[subject], sub)
			remaining := len(c.subs[subject])
			if remaining == 0 {
				delete(c.subs, subject)
			}
			c.subsMu.Unlock()
			close(sub.ch)
			if remaining == 0 {
				_ = c.unlisten(context.Background(), subject)
			}
		})
	}
	sub.cancel = cancel
	return sub.ch, cancel, nil
}

// Request publishes env on subject with a private, uuid-derived reply
// subject, and waits up to timeout for a single reply envelope.
func (c *Client) Request(ctx context.Context, subject string, env Envelope, timeout time.Duration) (Envelope, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replySubject := "_reply." + uuid.NewString()
	replies, unsubscribe, err := c.Subscribe(reqCtx, replySubject)
	if err != nil {
		return Envelope{}, fmt.Errorf("bus: subscribe reply subject: %w", err)
	}
	defer unsubscribe()

	env.ReplyTo = replySubject
	env.CorrelationID = uuid.NewString()
	if err := c.Publish(reqCtx, subject, env); err != nil {
		return Envelope{}, err
	}

	select {
	case reply, ok := <-replies:
		if !ok {
			return Envelope{}, fmt.Errorf("bus: reply subject closed before a reply arrived")
		}
		return reply, nil
	case <-reqCtx.Done():
		return Envelope{}, fmt.Errorf("bus: request on %s timed out after %s: %w", subject, timeout, reqCtx.Err())
	}
}

// Reply publishes resp on the ReplyTo subject of a request envelope,
// carrying forward its CorrelationID.
func (c *Client) Reply(ctx context.Context, req Envelope, resp Envelope) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("bus: envelope has no ReplyTo subject")
	}
	resp.CorrelationID = req.CorrelationID
	return c.Publish(ctx, req.ReplyTo, resp)
}

func (c *Client) ensureListening(ctx context.Context, channel string) error {
	if !c.running.Load() {
		return fmt.Errorf("bus: client is closed")
	}
	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "LISTEN " + sanitized, channel: channel, result: make(chan error, 1)}
	select {
	case c.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("bus: LISTEN %s: %w", channel, err)
		}
		c.listeningMu.Lock()
		c.listening[channel] = true
		c.listeningMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) unlisten(ctx context.Context, channel string) error {
	c.listeningMu.RLock()
	active := c.listening[channel]
	c.listeningMu.RUnlock()
	if !active || !c.running.Load() {
		return nil
	}

	c.listenGenMu.Lock()
	gen := c.listenGen[channel]
	c.listenGenMu.Unlock()

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "UNLISTEN " + sanitized, channel: channel, gen: gen, result: make(chan error, 1)}
	select {
	case c.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("bus: UNLISTEN %s: %w", channel, err)
		}
		c.listenGenMu.Lock()
		stale := c.listenGen[channel] != gen
		c.listenGenMu.Unlock()
		if !stale {
			c.listeningMu.Lock()
			delete(c.listening, channel)
			c.listeningMu.Unlock()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop is the sole goroutine that touches c.conn: it alternates
// between draining pending LISTEN/UNLISTEN commands and waiting briefly for
// a notification, avoiding the "conn busy" race between WaitForNotification
// and Exec that a second goroutine would hit.
func (c *Client) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.processPendingCmds(ctx)

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			c.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("bus: NOTIFY receive error", "error", err)
			c.reconnect(ctx)
			continue
		}

		c.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

func (c *Client) dispatch(channel string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("bus: dropping malformed envelope", "channel", channel, "error", err)
		return
	}

	c.subsMu.RLock()
	subs := make([]*subscription, 0, len(c.subs[channel]))
	for s := range c.subs[channel] {
		subs = append(subs, s)
	}
	c.subsMu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		default:
			slog.Warn("bus: subscriber channel full, dropping envelope", "channel", channel, "type", env.Type)
		}
	}
}

func (c *Client) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-c.cmdCh:
			if cmd.gen > 0 {
				c.listenGenMu.Lock()
				stale := c.listenGen[cmd.channel] != cmd.gen
				c.listenGenMu.Unlock()
				if stale {
					cmd.result <- nil
					continue
				}
			}

			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			if err == nil && cmd.gen == 0 && cmd.channel != "" {
				c.listenGenMu.Lock()
				c.listenGen[cmd.channel]++
				c.listenGenMu.Unlock()
			}
			cmd.result <- err
		default:
			return
		}
	}
}

func (c *Client) reconnect(ctx context.Context) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close(ctx)
		c.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, c.dsn)
		if err != nil {
			slog.Error("bus: LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		c.conn = conn

		c.listeningMu.RLock()
		for ch := range c.listening {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("bus: re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		c.listeningMu.RUnlock()

		slog.Info("bus: LISTEN connection reconnected")
		return
	}
}
