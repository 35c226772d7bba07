package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// closer is the part of *websocket.Conn the registry needs.
type closer interface {
	Close(code websocket.StatusCode, reason string) error
}

type registryEntry struct {
	conn      closer
	sessionID string
	openedAt  time.Time
	lastSeen  time.Time
}

// Registry tracks the active connections of the process.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*registryEntry
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*registryEntry),
		now:    time.Now,
	}
}

// Register adds a connection under its connection id.
func (r *Registry) Register(connID, sessionID string, conn closer) {
	r.mu.Lock()
	var replaced closer
	if existing, exists := r.active[connID]; exists && existing.conn != conn {
		replaced = existing.conn
	}
	now := r.now()
	r.active[connID] = &registryEntry{
		conn:      conn,
		sessionID: sessionID,
		openedAt:  now,
		lastSeen:  now,
	}
	r.mu.Unlock()

	// Close runs a handshake and must not hold the lock.
	if replaced != nil {
		_ = replaced.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	slog.Info("Connection registered", "conn_id", connID, "session_id", sessionID)
}

// Unregister removes a connection if it is still the one registered.
func (r *Registry) Unregister(connID string, conn closer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.active[connID]; exists && current.conn == conn {
		delete(r.active, connID)
		slog.Info("Connection unregistered", "conn_id", connID, "session_id", current.sessionID)
	}
}

// Touch marks a connection as active now.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.active[connID]; ok {
		e.lastSeen = r.now()
	}
}

// Count returns the number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// CloseIdle closes every connection with no inbound traffic for ttl and
// returns their ids. Entries are removed by the connection's own teardown.
func (r *Registry) CloseIdle(ttl time.Duration) []string {
	r.mu.RLock()
	cutoff := r.now().Add(-ttl)
	var idle []string
	var conns []closer
	for id, e := range r.active {
		if e.lastSeen.Before(cutoff) {
			idle = append(idle, id)
			conns = append(conns, e.conn)
		}
	}
	r.mu.RUnlock()

	for i, conn := range conns {
		if err := conn.Close(websocket.StatusGoingAway, "idle timeout"); err != nil {
			slog.Debug("Failed to close idle connection", "conn_id", idle[i], "error", err)
		}
	}
	return idle
}

// CloseAll empties the registry and closes every connection it held.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]*registryEntry)
	r.mu.Unlock()

	for id, e := range active {
		if err := e.conn.Close(websocket.StatusGoingAway, reason); err != nil {
			slog.Debug("Failed to close connection", "conn_id", id, "error", err)
		}
		slog.Info("Connection closed", "conn_id", id, "reason", reason)
	}
}
