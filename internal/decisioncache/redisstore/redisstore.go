// Package redisstore is a distributed decisioncache.Store backed by
// github.com/go-redis/redis/v8, grounded on itsneelabh/gomind's use of
// go-redis as its distributed cache client. TTL is enforced natively by
// Redis's SETEX rather than tracked in application code.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is a Redis-backed decisioncache.Store.
type Store struct {
	client *redis.Client
	prefix string
}

// Open connects to a Redis instance at addr and verifies reachability.
// keyPrefix namespaces cache keys (e.g. "cadorch:decision:") so the
// orchestrator can share a Redis instance with other subsystems.
func Open(ctx context.Context, addr, password string, db int, keyPrefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: connect: %w", err)
	}

	return &Store{client: client, prefix: keyPrefix}, nil
}

func (s *Store) key(fingerprint string) string { return s.prefix + fingerprint }

// Get fetches the raw value for fingerprint. A missing key is reported as
// ok=false with no error, matching decisioncache.Store's contract.
func (s *Store) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: get: %w", err)
	}
	return val, true, nil
}

// Set stores value under fingerprint with a Redis-native TTL via SETEX.
func (s *Store) Set(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(fingerprint), value, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }
