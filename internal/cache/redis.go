package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisPrefix namespaces keys written by Redis caches.
const DefaultRedisPrefix = "snagent:"

// Redis shares cached responses across server replicas. Values round-trip
// through JSON, so a hit returns the decoded form (maps, slices, float64).
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	hits   int64
	misses int64
	errors int64
}

// RedisOption customizes a Redis cache.
type RedisOption func(*Redis)

// WithTTL sets the expiry of written entries.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		ttl:    10 * time.Minute,
		prefix: DefaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisFromURL parses a redis:// URL and verifies the server answers.
func NewRedisFromURL(ctx context.Context, url string, opts ...RedisOption) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedis(client, opts...), nil
}

func (r *Redis) Get(ctx context.Context, key string) (any, bool) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			atomic.AddInt64(&r.errors, 1)
		}
		atomic.AddInt64(&r.misses, 1)
		return nil, false
	}
	var out any
	if err := json.Unmarshal(val, &out); err != nil {
		// corrupt entry, treat as miss
		atomic.AddInt64(&r.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&r.hits, 1)
	return out, true
}

func (r *Redis) Set(ctx context.Context, key string, value any) {
	r.SetTTL(ctx, key, value, r.ttl)
}

// SetTTL stores value under key with a per-entry ttl.
func (r *Redis) SetTTL(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		atomic.AddInt64(&r.errors, 1)
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		atomic.AddInt64(&r.errors, 1)
	}
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		atomic.AddInt64(&r.errors, 1)
	}
}

func (r *Redis) Stats() Stats {
	hits := atomic.LoadInt64(&r.hits)
	misses := atomic.LoadInt64(&r.misses)
	s := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Errors counts backend failures swallowed by Get, Set and Delete.
func (r *Redis) Errors() int64 { return atomic.LoadInt64(&r.errors) }

func (r *Redis) Close() error { return r.client.Close() }
