// Package cache memoizes read-only ServiceNow responses and short-lived
// planner artifacts. Implementations are safe for concurrent use.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is the result cache consulted by read-only plan steps.
// A miss and a backend failure look the same to callers.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool)
	Set(ctx context.Context, key string, value any)
}

// Store is a Cache whose entries can carry their own expiry and be removed.
// Plan stores need both.
type Store interface {
	Cache
	SetTTL(ctx context.Context, key string, value any, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)

// KeyPrefix namespaces result cache keys.
const KeyPrefix = "sn:"

// Key derives the cache key of a remote read. encoding/json writes map keys
// in sorted order, so equal inputs always hash the same.
func Key(op, table string, sysID, query any, params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(map[string]any{
		"op":     op,
		"table":  table,
		"sys_id": sysID,
		"query":  query,
		"params": params,
	})
	if err != nil {
		// unmarshalable params still need a stable key
		raw = []byte(fmt.Sprintf("%s|%s|%v|%v|%v", op, table, sysID, query, params))
	}
	sum := sha256.Sum256(raw)
	return KeyPrefix + hex.EncodeToString(sum[:])[:32]
}

type prefixed struct {
	prefix string
	next   Cache
}

// WithPrefix scopes every key of c under prefix, e.g. one namespace per
// browser session sharing a process-wide cache.
func WithPrefix(c Cache, prefix string) Cache {
	if c == nil {
		return nil
	}
	return &prefixed{prefix: prefix, next: c}
}

func (p *prefixed) Get(ctx context.Context, key string) (any, bool) {
	return p.next.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value any) {
	p.next.Set(ctx, p.prefix+key, value)
}
