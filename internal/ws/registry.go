// internal/ws/registry.go
package ws

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks live connections by connection id and by authenticated
// user. It is owned by the service instance and torn down with it; any
// connection's lifecycle events may mutate it concurrently.
type Registry struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]*Conn
	byUser map[uuid.UUID]*Conn
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Conn),
		byUser: make(map[uuid.UUID]*Conn),
	}
}

// Add registers a new connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Bind associates the connection with its authenticated user. A previous
// connection for the same user is superseded: the newer one wins the
// byUser slot and the old one is cancelled.
func (r *Registry) Bind(c *Conn, userID uuid.UUID) (superseded *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byUser[userID]; ok && old != c {
		superseded = old
	}
	r.byUser[userID] = c
	return superseded
}

// Remove drops the connection. The byUser slot is cleared only if this
// connection still holds it.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.ID)
	if uid := c.UserID(); uid != uuid.Nil {
		if cur, ok := r.byUser[uid]; ok && cur == c {
			delete(r.byUser, uid)
		}
	}
}

// Get returns the connection with the given id.
func (r *Registry) Get(id uuid.UUID) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// ByUser returns the live connection for a user, if any.
func (r *Registry) ByUser(userID uuid.UUID) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
