// Package cache stores serialised load results so repeated queries skip the
// upstream round trip.
//
// Two backends exist: an in-process [Memory] map and a shared [Redis]
// instance for nodes running side by side. Both are safe for concurrent use.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a byte-valued TTL store.
type Cache interface {
	// Get returns the value stored under key or [ErrMiss].
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores val for ttl. A non-positive ttl stores without expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Backend names accepted by [Open].
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Options selects and tunes a backend.
type Options struct {
	Backend    string
	MaxEntries int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// Open builds the backend named by opts.Backend. It returns (nil, nil) for
// [BackendNone] or an empty name.
func Open(ctx context.Context, opts Options) (Cache, error) {
	switch opts.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemory(opts.MaxEntries), nil
	case BackendRedis:
		r := NewRedis(RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.KeyPrefix,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("cache: connect redis %s: %w", opts.RedisAddr, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", opts.Backend)
	}
}
