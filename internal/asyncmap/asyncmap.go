// Package asyncmap provides a keyed store whose operations are serialized
// through a single FIFO lock and whose entries remember when they were
// inserted. It is the building block for every queue and ledger kept by the
// email transport controller.
package asyncmap

import (
	"slices"
	"time"
)

// Entry is a key/value pair removed from or observed in a Map, together with
// the time the value was inserted.
type Entry[K comparable, V any] struct {
	Key        K
	Value      V
	InsertedAt time.Time
}

// item is the stored form of a value.
type item[V any] struct {
	value      V
	insertedAt time.Time
}

// Option configures a Map.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used to stamp insertions and to
// evaluate expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Map is a mutex-guarded associative store. Every method acquires the map's
// lock; callers contending for the lock are served in arrival order.
//
// Predicates passed to Scan and Transition run while the lock is held and must
// not call back into the same Map.
type Map[K comparable, V any] struct {
	lock    fifoLock
	entries map[K]item[V]
	now     func() time.Time
}

// New creates an empty Map.
func New[K comparable, V any](opts ...Option) *Map[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &Map[K, V]{
		entries: make(map[K]item[V]),
		now:     o.now,
	}
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.lock.lock()
	defer m.lock.unlock()

	it, ok := m.entries[key]
	return it.value, ok
}

// Set stores value under key, replacing any previous value and restamping the
// insertion time.
func (m *Map[K, V]) Set(key K, value V) {
	m.lock.lock()
	defer m.lock.unlock()

	m.entries[key] = item[V]{value: value, insertedAt: m.now()}
}

// Add stores value under key only if the key is absent. It reports whether the
// value was stored.
func (m *Map[K, V]) Add(key K, value V) bool {
	m.lock.lock()
	defer m.lock.unlock()

	if _, ok := m.entries[key]; ok {
		return false
	}
	m.entries[key] = item[V]{value: value, insertedAt: m.now()}

	return true
}

// Restore stores value under key with an explicit insertion time. It is used
// to reload entries that were persisted before a restart.
func (m *Map[K, V]) Restore(key K, value V, insertedAt time.Time) {
	m.lock.lock()
	defer m.lock.unlock()

	m.entries[key] = item[V]{value: value, insertedAt: insertedAt}
}

// Pop atomically returns and removes the value stored under key.
func (m *Map[K, V]) Pop(key K) (V, bool) {
	m.lock.lock()
	defer m.lock.unlock()

	it, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}

	return it.value, ok
}

// Has reports whether key is present.
func (m *Map[K, V]) Has(key K) bool {
	m.lock.lock()
	defer m.lock.unlock()

	_, ok := m.entries[key]
	return ok
}

// Keys returns the keys currently stored, oldest insertion first.
func (m *Map[K, V]) Keys() []K {
	m.lock.lock()
	defer m.lock.unlock()

	sorted := m.sortedLocked()
	keys := make([]K, 0, len(sorted))
	for _, e := range sorted {
		keys = append(keys, e.Key)
	}

	return keys
}

// Entries returns a snapshot of every entry, oldest insertion first.
func (m *Map[K, V]) Entries() []Entry[K, V] {
	m.lock.lock()
	defer m.lock.unlock()

	return m.sortedLocked()
}

// Size returns the number of stored entries.
func (m *Map[K, V]) Size() int {
	m.lock.lock()
	defer m.lock.unlock()

	return len(m.entries)
}

// Scan evaluates pred for every entry under the lock and removes each entry
// for which it returns true. The removed entries are returned, oldest
// insertion first. Observation and removal happen in one critical section, so
// no Set or Pop can interleave between them.
func (m *Map[K, V]) Scan(pred func(K, V) bool) []Entry[K, V] {
	m.lock.lock()
	defer m.lock.unlock()

	var found []Entry[K, V]
	for _, e := range m.sortedLocked() {
		if !pred(e.Key, e.Value) {
			continue
		}
		delete(m.entries, e.Key)
		found = append(found, e)
	}

	return found
}

// Transition evaluates fn for every entry under the lock. When fn returns
// true the entry's value is replaced with the returned value and its
// insertion time is restamped. The replaced entries, carrying their new
// values, are returned oldest first.
func (m *Map[K, V]) Transition(fn func(K, V) (V, bool)) []Entry[K, V] {
	m.lock.lock()
	defer m.lock.unlock()

	now := m.now()

	var changed []Entry[K, V]
	for _, e := range m.sortedLocked() {
		next, ok := fn(e.Key, e.Value)
		if !ok {
			continue
		}
		m.entries[e.Key] = item[V]{value: next, insertedAt: now}
		changed = append(changed, Entry[K, V]{
			Key:        e.Key,
			Value:      next,
			InsertedAt: now,
		})
	}

	return changed
}

// Expire removes and returns every entry inserted more than maxAge ago.
func (m *Map[K, V]) Expire(maxAge time.Duration) []Entry[K, V] {
	m.lock.lock()
	defer m.lock.unlock()

	cutoff := m.now().Add(-maxAge)

	var expired []Entry[K, V]
	for _, e := range m.sortedLocked() {
		if !e.InsertedAt.Before(cutoff) {
			continue
		}
		delete(m.entries, e.Key)
		expired = append(expired, e)
	}

	return expired
}

// sortedLocked returns a snapshot of all entries ordered by insertion time.
// The caller must hold the lock.
func (m *Map[K, V]) sortedLocked() []Entry[K, V] {
	all := make([]Entry[K, V], 0, len(m.entries))
	for k, it := range m.entries {
		all = append(all, Entry[K, V]{
			Key:        k,
			Value:      it.value,
			InsertedAt: it.insertedAt,
		})
	}
	slices.SortStableFunc(all, func(a, b Entry[K, V]) int {
		return a.InsertedAt.Compare(b.InsertedAt)
	})

	return all
}
