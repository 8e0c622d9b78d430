package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
)

// Binding ties a configured server to the backend session that serves it
type Binding struct {
	Server  string
	Session string
	Window  string
	Backend Backend
}

// Registry tracks the bindings built at startup. It is passed explicitly to
// the executor; there is no process-wide backend.
type Registry struct {
	bySession map[string]Binding
	byServer  map[string]Binding
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		bySession: make(map[string]Binding),
		byServer:  make(map[string]Binding),
	}
}

// Register adds a binding. Server and session names must be unique.
func (r *Registry) Register(b Binding) error {
	if b.Backend == nil {
		return fmt.Errorf("binding %q has no backend", b.Server)
	}
	if b.Session == "" {
		return fmt.Errorf("binding %q has no session name", b.Server)
	}
	if b.Server == "" {
		b.Server = b.Session
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byServer[b.Server]; ok {
		return fmt.Errorf("server %q already registered", b.Server)
	}
	if _, ok := r.bySession[b.Session]; ok {
		return fmt.Errorf("session %q already registered", b.Session)
	}
	r.byServer[b.Server] = b
	r.bySession[b.Session] = b
	return nil
}

// AddSession binds an additional session to an already registered server's
// backend, e.g. after create_session.
func (r *Registry) AddSession(server, sessionName, window string) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	primary, ok := r.byServer[server]
	if !ok {
		return Binding{}, fmt.Errorf("server %q not registered", server)
	}
	if b, ok := r.bySession[sessionName]; ok {
		if b.Server != server {
			return Binding{}, fmt.Errorf("session %q already bound to server %q", sessionName, b.Server)
		}
		return b, nil
	}
	if window == "" {
		window = primary.Window
	}
	b := Binding{Server: server, Session: sessionName, Window: window, Backend: primary.Backend}
	r.bySession[sessionName] = b
	return b, nil
}

// RemoveSession drops a session binding. The server's primary binding stays
// resolvable through ForServer.
func (r *Registry) RemoveSession(sessionName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySession, sessionName)
}

// Lookup returns the binding for a session name
func (r *Registry) Lookup(sessionName string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bySession[sessionName]
	if !ok {
		return Binding{}, execution.SessionNotFound(sessionName)
	}
	return b, nil
}

// ForServer returns the binding for a configured server name
func (r *Registry) ForServer(server string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byServer[server]
	return b, ok
}

// Servers returns all registered server names in sorted order
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byServer))
	for name := range r.byServer {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings returns all bindings sorted by server name
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Binding, 0, len(r.byServer))
	for _, b := range r.byServer {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Server < result[j].Server })
	return result
}

// Count returns the number of bindings
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byServer)
}
