package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/intake-agent/internal/kv"
)

// Bucket names.
const (
	BucketSessions  = "intake_sessions"
	BucketSchemas   = "intake_schemas"
	BucketRateLimit = "intake_ratelimit"
)

// EnsureBucket opens bucket, creating it when missing. A non-zero ttl
// applies to every entry in the bucket.
func (c *Client) EnsureBucket(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	js := c.JetStream()

	store, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return store, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}

	store, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		History: 1,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return store, nil
}

// KVStore adapts a JetStream key-value bucket to kv.Store. Expiry is the
// bucket TTL; the per-call ttl is ignored.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore wraps bucket.
func NewKVStore(bucket jetstream.KeyValue) *KVStore {
	return &KVStore{bucket: bucket}
}

// Get returns the value stored at key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return entry.Value(), nil
}

// Put stores value at key.
func (s *KVStore) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := s.bucket.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}
