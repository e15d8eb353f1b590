// Package store provides a generic, thread-safe, in-memory key-value store
// and a simulated clock shared by the Direct Line twin's registries.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDFunc generates a new identifier for a store entry.
type IDFunc func() string

// UUIDs is an IDFunc producing random RFC 4122 identifiers.
func UUIDs() string {
	return uuid.NewString()
}

// Store is a generic, thread-safe, in-memory store for objects of type T.
// Listing preserves insertion order.
type Store[T any] struct {
	mu     sync.RWMutex
	items  map[string]T
	order  []string
	nextID IDFunc
}

// New creates a Store whose ids are "{prefix}_{counter}", e.g. "conv_000001".
func New[T any](prefix string) *Store[T] {
	var counter atomic.Uint64
	return NewWithIDs[T](func() string {
		return fmt.Sprintf("%s_%06d", prefix, counter.Add(1))
	})
}

// NewWithIDs creates a Store that draws ids from fn.
func NewWithIDs[T any](fn IDFunc) *Store[T] {
	return &Store[T]{
		items:  make(map[string]T),
		order:  make([]string, 0),
		nextID: fn,
	}
}

// NextID returns a fresh id from the store's generator.
func (s *Store[T]) NextID() string {
	return s.nextID()
}

// Set stores an item under id. Overwriting keeps the original insertion position.
func (s *Store[T]) Set(id string, item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		s.order = append(s.order, id)
	}
	s.items[id] = item
}

// SetIfAbsent stores item under id only when id is free. It reports whether
// the item was stored.
func (s *Store[T]) SetIfAbsent(id string, item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; exists {
		return false
	}
	s.order = append(s.order, id)
	s.items[id] = item
	return true
}

// Get retrieves an item by id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// Delete removes an item by id. Returns true if the item existed.
func (s *Store[T]) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		return false
	}
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns all items in insertion order.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]T, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.items[id])
	}
	return result
}

// Count returns the number of items in the store.
func (s *Store[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Find returns the first item, in insertion order, matching predicate.
func (s *Store[T]) Find(predicate func(id string, item T) bool) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if predicate(id, s.items[id]) {
			return s.items[id], true
		}
	}
	var zero T
	return zero, false
}

// Reset clears all items.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T)
	s.order = make([]string, 0)
}

// Snapshot returns a shallow copy of all items keyed by id.
func (s *Store[T]) Snapshot() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]T, len(s.items))
	for k, v := range s.items {
		snapshot[k] = v
	}
	return snapshot
}

// Clock provides a simulated clock. Token expiry, key-cache staleness and
// activity timestamps all read from it so tests can move time forward.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
}

// NewClock creates a new simulated clock with no offset.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the current simulated time. A nil Clock reports wall-clock time.
func (c *Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Advance moves the simulated clock forward by the given duration.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// Reset resets the clock offset to zero.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = 0
}

// Offset returns the current clock offset.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
