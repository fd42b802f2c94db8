// Package keylock provides one mutex per string key, allocated on demand and
// released when the last holder unlocks.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map serializes callers that share a key and lets different keys run in parallel.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Map.
func New() *Map { return &Map{entries: make(map[string]*entry)} }

// Lock blocks until key is held and returns its unlock function.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e := m.entries[key]
	if e == nil {
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

// Len reports how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
