package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// KVEvent is what Watch delivers: a bucket key that was just put or deleted.
type KVEvent struct {
	Bucket  string          `json:"bucket"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

func kvChannel(bucket string) string { return "kv." + bucket }

// KVPut upserts key in bucket with the given TTL, then notifies watchers;
// the notification is skipped when the encoded event exceeds
// notifyPayloadLimit.
func (c *Client) KVPut(ctx context.Context, bucket, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bus: marshal KV value: %w", err)
	}
	expiresAt := time.Now().Add(ttl)

	_, err = c.pool.Exec(ctx, `
		INSERT INTO bus_kv (bucket, key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (bucket, key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()
	`, bucket, key, raw, expiresAt)
	if err != nil {
		return fmt.Errorf("bus: KVPut(%s, %s): %w", bucket, key, err)
	}

	event, err := json.Marshal(KVEvent{Bucket: bucket, Key: key, Value: raw})
	if err != nil {
		return fmt.Errorf("bus: marshal KV event: %w", err)
	}
	if len(event) <= notifyPayloadLimit {
		if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", kvChannel(bucket), string(event)); err != nil {
			return fmt.Errorf("bus: notify KVPut(%s, %s): %w", bucket, key, err)
		}
	}
	return nil
}

// KVGet fetches key from bucket. Returns found=false if absent or expired
// (expiry is also enforced server-side by the reaper; this guards the
// window between expiry and the next reap).
func (c *Client) KVGet(ctx context.Context, bucket, key string, dest any) (found bool, err error) {
	var raw []byte
	err = c.pool.QueryRow(ctx, `
		SELECT value FROM bus_kv
		WHERE bucket = $1 AND key = $2 AND expires_at > now()
	`, bucket, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("bus: KVGet(%s, %s): %w", bucket, key, err)
	}
	if dest != nil {
		if err := json.Unmarshal(raw, dest); err != nil {
			return false, fmt.Errorf("bus: unmarshal KV value(%s, %s): %w", bucket, key, err)
		}
	}
	return true, nil
}

// KVDelete removes key from bucket, then notifies watchers.
func (c *Client) KVDelete(ctx context.Context, bucket, key string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM bus_kv WHERE bucket = $1 AND key = $2`, bucket, key)
	if err != nil {
		return fmt.Errorf("bus: KVDelete(%s, %s): %w", bucket, key, err)
	}

	event, err := json.Marshal(KVEvent{Bucket: bucket, Key: key, Deleted: true})
	if err != nil {
		return fmt.Errorf("bus: marshal KV delete event: %w", err)
	}
	if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", kvChannel(bucket), string(event)); err != nil {
		return fmt.Errorf("bus: notify KVDelete(%s, %s): %w", bucket, key, err)
	}
	return nil
}

// KVWatch streams KVEvents for every put/delete in bucket.
func (c *Client) KVWatch(ctx context.Context, bucket string) (<-chan KVEvent, func(), error) {
	envelopes, cancel, err := c.Subscribe(ctx, kvChannel(bucket))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan KVEvent, 64)
	go func() {
		defer close(out)
		for env := range envelopes {
			var evt KVEvent
			if err := json.Unmarshal(env.Data, &evt); err != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
