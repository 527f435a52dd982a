// internal/room/locks.go
package room

import "sync"

// keyedMutex serializes work per room code. Entries are reference-counted
// and dropped when the last holder releases, so deleted rooms leave nothing
// behind.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for code and returns its release func.
func (k *keyedMutex) Lock(code string) func() {
	k.mu.Lock()
	e, ok := k.entries[code]
	if !ok {
		e = &lockEntry{}
		k.entries[code] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, code)
		}
		k.mu.Unlock()
	}
}
