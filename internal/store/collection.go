package store

import (
	"iter"
	"maps"
	"slices"
	"sync"
)

// Collection is one keyed map of the snapshot. Every successful mutation is
// counted by the owning Store.
type Collection[T any] struct {
	object string
	count  func()

	mu    sync.RWMutex
	items map[Key]T
}

func newCollection[T any](object string, count func()) *Collection[T] {
	return &Collection[T]{object: object, count: count, items: make(map[Key]T)}
}

// Object returns the persisted object name.
func (c *Collection[T]) Object() string { return c.object }

// Get returns the record stored under key.
func (c *Collection[T]) Get(key Key) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Set stores value under key. It does not persist.
func (c *Collection[T]) Set(key Key, value T) {
	c.mu.Lock()
	c.items[key] = value
	c.mu.Unlock()
	c.count()
}

// Delete removes key and reports whether it existed.
func (c *Collection[T]) Delete(key Key) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	delete(c.items, key)
	c.mu.Unlock()
	if ok {
		c.count()
	}
	return ok
}

// Len returns the number of records.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Scan yields records whose key has prefix, in key order. Keys are captured
// when iteration starts; records removed afterwards are skipped, so callers
// may mutate the collection while ranging.
func (c *Collection[T]) Scan(prefix Key) iter.Seq2[Key, T] {
	return func(yield func(Key, T) bool) {
		c.mu.RLock()
		keys := make([]Key, 0, len(c.items))
		for key := range c.items {
			if key.HasPrefix(prefix) {
				keys = append(keys, key)
			}
		}
		c.mu.RUnlock()
		slices.Sort(keys)
		for _, key := range keys {
			value, ok := c.Get(key)
			if !ok {
				continue
			}
			if !yield(key, value) {
				return
			}
		}
	}
}

// snapshot returns a shallow copy keyed by string for encoding.
func (c *Collection[T]) snapshot() map[string]T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]T, len(c.items))
	for key, value := range c.items {
		out[string(key)] = value
	}
	return out
}

func (c *Collection[T]) replace(items map[Key]T) {
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
}

func (c *Collection[T]) clear() {
	c.replace(make(map[Key]T))
}

// Keys returns every key in order.
func (c *Collection[T]) Keys() []Key {
	c.mu.RLock()
	keys := slices.Collect(maps.Keys(c.items))
	c.mu.RUnlock()
	slices.Sort(keys)
	return keys
}
