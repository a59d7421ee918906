// Package cache is a thin wrapper over the bus KV facility: buckets and
// their default TTLs are declared once at startup, and callers address a
// bucket by name instead of threading a TTL through every call site.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/toolmesh/runtime/pkg/bus"
)

// Bucket names (spec §3's CacheBucket enumeration).
const (
	BucketHeartbeat    = "HEARTBEAT"
	BucketEphemeral    = "EPHEMERAL"
	BucketOAuthNonce   = "OAUTH_NONCE"
	BucketRateLimitKey = "RATE_LIMIT_KEY"
	BucketRateLimitIP  = "RATE_LIMIT_IP"
)

// Service is the declared set of buckets and their default TTLs, backed by
// a bus.Client's KV facility.
type Service struct {
	bus   *bus.Client
	ttls  map[string]time.Duration
}

// New declares the bucket→TTL table used for the lifetime of the process.
func New(client *bus.Client, ttls map[string]time.Duration) *Service {
	return &Service{bus: client, ttls: ttls}
}

func (s *Service) ttl(bucket string) (time.Duration, error) {
	ttl, ok := s.ttls[bucket]
	if !ok {
		return 0, fmt.Errorf("cache: bucket %q was not declared at startup", bucket)
	}
	return ttl, nil
}

// Put writes key in bucket using that bucket's declared TTL.
func (s *Service) Put(ctx context.Context, bucket, key string, value any) error {
	ttl, err := s.ttl(bucket)
	if err != nil {
		return err
	}
	return s.bus.KVPut(ctx, bucket, key, value, ttl)
}

// Get reads key from bucket into dest, reporting whether it was present.
func (s *Service) Get(ctx context.Context, bucket, key string, dest any) (bool, error) {
	if _, err := s.ttl(bucket); err != nil {
		return false, err
	}
	return s.bus.KVGet(ctx, bucket, key, dest)
}

// Delete removes key from bucket.
func (s *Service) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.ttl(bucket); err != nil {
		return err
	}
	return s.bus.KVDelete(ctx, bucket, key)
}

// Watch streams put/delete events for bucket.
func (s *Service) Watch(ctx context.Context, bucket string) (<-chan bus.KVEvent, func(), error) {
	if _, err := s.ttl(bucket); err != nil {
		return nil, nil, err
	}
	return s.bus.KVWatch(ctx, bucket)
}
