// Package decisioncache implements the fingerprint -> agent-output
// memoization layer: a TTL-bounded cache that lets the Planner/Generator/
// Validator adapters skip redundant LLM calls when an identical decision
// has already been made for a session.
package decisioncache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"
)

// Fingerprint deterministically hashes an agent's input so that identical
// inputs map to the same cache key regardless of map key ordering.
func Fingerprint(agentKind string, input any) (string, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(agentKind+":"), encoded...))
	return hex.EncodeToString(sum[:]), nil
}

// Store is the pluggable backend contract; implementations must be safe for
// concurrent use and must honor per-entry TTL.
type Store interface {
	Get(ctx context.Context, fingerprint string) (value []byte, ok bool, err error)
	Set(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error
}

// Cache is the orchestration-facing entry point. It wraps a Store and keeps
// hit/miss counters for the orchestrator metrics snapshot.
type Cache struct {
	store   Store
	ttl     time.Duration
	hits    uint64
	misses  uint64
}

// New wraps store with a default TTL applied whenever a caller does not
// specify one explicitly via SetWithTTL.
func New(store Store, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &Cache{store: store, ttl: defaultTTL}
}

// Get looks up fingerprint and unmarshals its value into dest. Reports a
// cache miss (ok=false) both when the key is absent and when it has
// logically expired in backends that enforce TTL server-side (Redis); the
// in-memory backend enforces expiry itself.
func (c *Cache) Get(ctx context.Context, fingerprint string, dest any) (bool, error) {
	raw, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		return false, err
	}
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	atomic.AddUint64(&c.hits, 1)
	return true, nil
}

// Set stores value under fingerprint using the cache's default TTL.
func (c *Cache) Set(ctx context.Context, fingerprint string, value any) error {
	return c.SetWithTTL(ctx, fingerprint, value, c.ttl)
}

// SetWithTTL stores value under fingerprint with an explicit TTL.
func (c *Cache) SetWithTTL(ctx context.Context, fingerprint string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, fingerprint, raw, ttl)
}

// Stats returns cumulative hit/miss counts since the Cache was created.
func (c *Cache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}
