// Package keylock provides a mutex per string key. Entries are dropped once no
// goroutine holds or waits on them, so the map tracks only contended keys.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map keyed mutexes
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New empty lock map
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the matching unlock func
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len number of keys currently held or awaited
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
