// Package redis provides the Redis-backed remote cache tier.
//
// The tier namespaces every key under a configurable prefix so several
// PolyVox instances (or several caches within one) can share a database.
// Clear and Keys operate only within the namespace — the tier never flushes
// the whole database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polyvox/polyvox/pkg/cache"
)

// DefaultKeyPrefix namespaces tier keys when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "polyvox:cache:"

// Config holds connection settings for the tier.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is optional.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys. Defaults to [DefaultKeyPrefix].
	KeyPrefix string

	// DialTimeout bounds the initial connection. Defaults to 5s.
	DialTimeout time.Duration
}

// Tier implements [cache.RemoteTier] on a Redis client.
type Tier struct {
	client *redis.Client
	prefix string
}

var _ cache.RemoteTier = (*Tier)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Tier, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache redis: ping %s: %w", cfg.Addr, err)
	}
	return NewFromClient(client, cfg.KeyPrefix), nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client *redis.Client, keyPrefix string) *Tier {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Tier{client: client, prefix: keyPrefix}
}

// Get implements [cache.RemoteTier].
func (t *Tier) Get(ctx context.Context, key string) (string, error) {
	val, err := t.client.Get(ctx, t.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", cache.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cache redis: get: %w", err)
	}
	return val, nil
}

// Set implements [cache.RemoteTier]. A non-positive ttl stores without expiry.
func (t *Tier) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := t.client.Set(ctx, t.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache redis: set: %w", err)
	}
	return nil
}

// Delete implements [cache.RemoteTier].
func (t *Tier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache redis: delete: %w", err)
	}
	return nil
}

// Clear implements [cache.RemoteTier]. Only keys under the tier's prefix
// are removed.
func (t *Tier) Clear(ctx context.Context) error {
	keys, err := t.scan(ctx, "*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := t.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache redis: clear: %w", err)
	}
	return nil
}

// Keys implements [cache.RemoteTier], returning keys with the namespace
// prefix stripped.
func (t *Tier) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := t.scan(ctx, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, t.prefix))
	}
	return out, nil
}

// Close releases the underlying client.
func (t *Tier) Close() error {
	return t.client.Close()
}

// scan iterates the namespace with SCAN and returns fully prefixed keys.
func (t *Tier) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := t.client.Scan(ctx, cursor, t.prefix+pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cache redis: scan: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
