// Package registry tracks which live connection each user is attached to.
//
// The Registry is the single source of truth for whether a user is currently
// reachable. It holds at most one connection per identity; a reconnect
// replaces the previous entry without closing the previous connection.
package registry

import (
	"context"
	"slices"
	"sync"

	"github.com/Tyrowin/chatrelay/internal/models"
)

// Conn is a live outbound channel to one user. Implementations must be
// pointer types: Unregister compares entries by identity.
type Conn interface {
	Identity() models.Identity
	// Send enqueues a frame without waiting for it to be written.
	Send(payload []byte) error
	// Deliver enqueues a frame and returns once it has been written to the
	// transport, or with an error if the connection closed first.
	Deliver(ctx context.Context, payload []byte) error
}

// Registry maps identity ids to connections. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[int64]Conn)}
}

// Register inserts or replaces the connection for id.
func (r *Registry) Register(id int64, conn Conn) {
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()
}

// Unregister removes the entry for id only if it still refers to conn, and
// reports whether it did. A stale connection closing after a reconnect leaves
// the newer entry in place.
func (r *Registry) Unregister(id int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[id]; ok && current == conn {
		delete(r.conns, id)
		return true
	}
	return false
}

// Lookup returns the connection registered for id.
func (r *Registry) Lookup(id int64) (Conn, bool) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	return conn, ok
}

// Snapshot returns the sorted display names of every registered identity at
// this instant.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.conns))
	for _, conn := range r.conns {
		names = append(names, conn.Identity().Name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Conns returns a point-in-time copy of every registered connection.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
