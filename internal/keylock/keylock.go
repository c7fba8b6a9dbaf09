// Package keylock provides mutual exclusion scoped to string keys, so work on
// one order or SKU serializes without blocking unrelated keys.
package keylock

import (
	"slices"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are dropped once no goroutine
// holds or waits on them, so the map only grows with live contention.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until key is held by the caller and returns its unlock func.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// LockAll acquires every distinct key in sorted order, which keeps two
// callers with overlapping key sets from deadlocking.
func (m *Map) LockAll(keys []string) (unlock func()) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, k := range sorted {
		unlocks = append(unlocks, m.Lock(k))
	}

	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
