// Package cache provides the expiring key/value capability shared by the
// upload session manager, the short-link resolver and the file-info lookup.
//
// Entries expire a fixed TTL after their last Set. Callers that want sliding
// expiration re-Set on every hit.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is an expiring map. Implementations are safe for concurrent use.
type Cache[K comparable, V any] interface {
	// Get returns the value for key if present and not expired.
	Get(key K) (V, bool)
	// Set stores value and restarts its expiration clock.
	Set(key K, value V)
	// Remove drops key. Removing a missing key is a no-op.
	Remove(key K)
	// Len reports the number of entries held, which may briefly include
	// ones that have just expired.
	Len() int
}

// LRU is a Cache backed by an expirable LRU.
type LRU[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// NewLRU creates a cache holding at most size entries (0 means unbounded)
// that expire ttl after they were last set.
func NewLRU[K comparable, V any](size int, ttl time.Duration) *LRU[K, V] {
	return &LRU[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

// NewLRUWithEvict is NewLRU with a callback invoked when an entry leaves the
// cache, whether by expiry, capacity or Remove.
func NewLRUWithEvict[K comparable, V any](size int, ttl time.Duration, onEvict func(K, V)) *LRU[K, V] {
	return &LRU[K, V]{lru: expirable.NewLRU[K, V](size, onEvict, ttl)}
}

func (c *LRU[K, V]) Get(key K) (V, bool) { return c.lru.Get(key) }

func (c *LRU[K, V]) Set(key K, value V) { c.lru.Add(key, value) }

func (c *LRU[K, V]) Remove(key K) { c.lru.Remove(key) }

func (c *LRU[K, V]) Len() int { return c.lru.Len() }

// Disabled is a Cache that stores nothing. Components must stay correct when
// handed one.
type Disabled[K comparable, V any] struct{}

func (Disabled[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}

func (Disabled[K, V]) Set(K, V) {}

func (Disabled[K, V]) Remove(K) {}

func (Disabled[K, V]) Len() int { return 0 }

var (
	_ Cache[string, int] = (*LRU[string, int])(nil)
	_ Cache[string, int] = Disabled[string, int]{}
)
