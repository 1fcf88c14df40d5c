// Package keylock provides a registry of mutexes keyed by string, used to
// serialize work on a single patient without blocking other patients.
package keylock

import (
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out one mutex per key. Entries are dropped once no goroutine
// holds or waits for them, so the registry does not grow with the patient count.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Lock blocks until the key's mutex is held and returns the matching unlock func.
func (r *Registry) Lock(key string) (unlock func()) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			r.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(r.locks, key)
			}
			r.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
