// Package store provides the shared key-value store used for availability
// caching and booking locks.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the full contract implemented by Memory and Redis.
// A ttl of zero means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// ExistsMany reports, per key, whether it exists, in one round trip.
	ExistsMany(ctx context.Context, keys ...string) ([]bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	CompareAndExpire(ctx context.Context, key string, old []byte, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
}
