// Package kvstore implements the key-value store protocol shared by the lock, cache,
// rate limiter and price graph. Values are strings (JSON for structured data) with optional TTLs.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the key-value protocol consumed by the rest of the service. A single
// instance is created by the composition root and shared by every component.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime, or ErrNotFound when the key is missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	// Scan returns every key matching the glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	// CompareAndDelete atomically deletes key if its value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Ping(ctx context.Context) error
	// MemoryUsage reports the store's used memory in bytes, when it exposes one.
	MemoryUsage(ctx context.Context) (int64, error)
	Close() error
}
