// Package cache provides a small thread-safe TTL cache. Event sources use
// it to remember positive device-lookup answers for a bounded window;
// negative answers are never stored, so an absent device stays re-checkable
// on every event.
package cache

import "errors"

// ErrEmptyKey indicates a Set or Delete with an empty key.
var ErrEmptyKey = errors.New("cache key cannot be empty")

// Cache is a typed key-value cache. Implementations are safe for
// concurrent use.
type Cache[V any] interface {
	// Get retrieves a value by key. The second return is false on a miss
	// or when the entry expired.
	Get(key string) (V, bool)

	// Set stores a value under key. Returns true when a new entry was
	// created, false when an existing one was replaced.
	Set(key string, value V) (bool, error)

	// Delete removes an entry. Returns true when the key was present.
	Delete(key string) (bool, error)

	// Size returns the current number of entries, expired or not.
	Size() int

	// Close stops background maintenance. Safe to call more than once.
	Close() error
}

// NewNoop returns a cache that stores nothing and always misses. It stands
// in when caching is disabled by configuration.
func NewNoop[V any]() Cache[V] {
	return noop[V]{}
}

type noop[V any] struct{}

func (noop[V]) Get(string) (V, bool) {
	var zero V
	return zero, false
}

func (noop[V]) Set(string, V) (bool, error) { return false, nil }
func (noop[V]) Delete(string) (bool, error) { return false, nil }
func (noop[V]) Size() int                   { return 0 }
func (noop[V]) Close() error                { return nil }
