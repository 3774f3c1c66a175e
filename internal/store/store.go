// Package store provides the shared key-value stores backing the
// validation result cache: Redis for multi-instance deployments, SQLite
// for single nodes, and an in-memory map for tests and development.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired
var ErrNotFound = errors.New("store: key not found")

// KV is a byte-oriented key-value store with per-key TTLs
type KV interface {
	// Get returns the value stored under key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns keys matching a glob pattern (e.g. "cache:validation:*")
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Close releases underlying resources
	Close() error
}
