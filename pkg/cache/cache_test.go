package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/toolmesh/runtime/pkg/bus"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

func testService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()

	containerOnce.Do(func() {
		c, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("cache_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		connStr, err := c.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr = connStr
	})
	require.NoError(t, containerErr)

	client, err := bus.Connect(ctx, sharedConnStr, "cache_test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(context.Background()) })

	return New(client, map[string]time.Duration{
		BucketHeartbeat: 15 * time.Second,
		BucketEphemeral: 5 * time.Minute,
	})
}

func TestPutGetDelete(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, BucketHeartbeat, "runtime-1", map[string]any{"i": "runtime-1", "t": 1000}))

	var got map[string]any
	found, err := s.Get(ctx, BucketHeartbeat, "runtime-1", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "runtime-1", got["i"])

	require.NoError(t, s.Delete(ctx, BucketHeartbeat, "runtime-1"))
	found, err = s.Get(ctx, BucketHeartbeat, "runtime-1", &got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestUndeclaredBucketRejected(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	err := s.Put(ctx, "NOT_DECLARED", "k", "v")
	require.Error(t, err)

	_, err = s.Get(ctx, "NOT_DECLARED", "k", nil)
	require.Error(t, err)

	err = s.Delete(ctx, "NOT_DECLARED", "k")
	require.Error(t, err)
}

func TestWatch(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	events, cancel, err := s.Watch(ctx, BucketEphemeral)
	require.NoError(t, err)
	defer cancel()
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, s.Put(ctx, BucketEphemeral, "handshake-1", "pending"))

	select {
	case evt := <-events:
		require.Equal(t, "handshake-1", evt.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}
