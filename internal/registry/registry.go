// Package registry tracks the live connections known to the relay: at
// most one application connection per application name, plus the set of
// connected client sessions.
//
// The registry is pure state; it performs no I/O. Closing superseded or
// removed connections is the caller's job so that disconnect handling
// stays in one place (the relay's session lifecycle).
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Conn is the write side of a live socket connection. The relay's
// websocket wrapper satisfies it; tests use fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Application is one registered application connection.
type Application struct {
	Name        string
	Conn        Conn
	ConnectedAt time.Time
}

// Registry is the single source of truth for connection lookups.
// All mutations and lookups are atomic relative to each other.
type Registry struct {
	mu      sync.RWMutex
	apps    map[string]*Application
	clients map[Conn]bool
	allowed map[string]bool // nil → accept any name
}

// New creates an empty registry. specs, if non-empty, restricts
// registration to the named applications.
func New(specs []ApplicationSpec) *Registry {
	r := &Registry{
		apps:    make(map[string]*Application),
		clients: make(map[Conn]bool),
	}
	r.SetAllowed(specs)
	return r
}

// SetAllowed replaces the registration allowlist. Passing nil or an
// empty slice removes the restriction. Already-registered applications
// are not evicted; the allowlist gates new registrations only.
func (r *Registry) SetAllowed(specs []ApplicationSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(specs) == 0 {
		r.allowed = nil
		return
	}
	r.allowed = make(map[string]bool, len(specs))
	for _, s := range specs {
		r.allowed[s.Name] = true
	}
}

// RegisterApplication binds conn to name, last registration wins.
// It returns the superseded connection (nil if none); the caller must
// close it and fail its in-flight requests. Returns an error if the
// name is outside a configured allowlist.
func (r *Registry) RegisterApplication(name string, conn Conn) (superseded Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.allowed != nil && !r.allowed[name] {
		return nil, fmt.Errorf("application %q is not in the configured allowlist", name)
	}

	if prev, ok := r.apps[name]; ok {
		superseded = prev.Conn
	}
	r.apps[name] = &Application{
		Name:        name,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	// A promoted client session is no longer a client.
	delete(r.clients, conn)
	return superseded, nil
}

// GetApplication returns the live connection for name.
func (r *Registry) GetApplication(name string) (*Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	return app, ok
}

// RemoveApplication drops the entry for name. Returns false if name
// was not registered.
func (r *Registry) RemoveApplication(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[name]; !ok {
		return false
	}
	delete(r.apps, name)
	return true
}

// RemoveByConn drops whichever application entry owns conn. It returns
// the application name and true if an entry was removed. A conn that
// was superseded by a later registration does not match and is not
// removed, so the new registration stays routable.
func (r *Registry) RemoveByConn(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, app := range r.apps {
		if app.Conn == conn {
			delete(r.apps, name)
			return name, true
		}
	}
	return "", false
}

// AddClient tracks a connected client session.
func (r *Registry) AddClient(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn] = true
}

// RemoveClient forgets a client session. Returns false if conn was not
// tracked (e.g. it had been promoted to an application connection).
func (r *Registry) RemoveClient(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.clients[conn] {
		return false
	}
	delete(r.clients, conn)
	return true
}

// IsClient reports whether conn is a tracked client session.
func (r *Registry) IsClient(conn Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[conn]
}

// Applications returns the registered application names, sorted.
func (r *Registry) Applications() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered applications.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}

// ClientCount returns the number of tracked client sessions.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
