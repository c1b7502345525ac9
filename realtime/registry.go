// Package realtime tracks live client channels and delivers dispatch events
// to them. A connection joins one group per garage it represents; group
// membership is the only signal that a garage is reachable.
package realtime

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrNoConnection is returned when addressing a connection that is gone
var ErrNoConnection = errors.New("no live connection")

// Message is the frame exchanged with clients
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client-originated events
const (
	EventPing = "ping"
	EventPong = "pong"
)

// Conn is one live bidirectional channel
type Conn interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// GroupListener is told when a group gains its first or loses its last
// member on this node
type GroupListener interface {
	GroupOccupied(groupID string)
	GroupVacated(groupID string)
}

type connection struct {
	conn   Conn
	userID string
	groups []string
}

// Registry is the in-process view of connected users and garages
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*connection
	groups   map[string]map[string]struct{}
	users    map[string]string
	listener GroupListener
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*connection),
		groups: make(map[string]map[string]struct{}),
		users:  make(map[string]string),
		logger: logger,
	}
}

// SetListener installs a listener for group occupancy changes
func (r *Registry) SetListener(l GroupListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// ParseGroups splits a comma-separated garage id list
func ParseGroups(raw string) []string {
	var groups []string
	seen := make(map[string]struct{})
	for _, g := range strings.Split(raw, ",") {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		groups = append(groups, g)
	}
	return groups
}

// Connect registers a connection, joins it to every garage group in
// garageIDs (comma-separated) and maps userID to it. The most recent
// connection for a user wins.
func (r *Registry) Connect(conn Conn, userID, garageIDs string) []string {
	id := conn.ID()
	groups := ParseGroups(garageIDs)

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		r.Disconnect(id)
		r.mu.Lock()
	}

	entry := &connection{conn: conn, userID: userID}
	var occupied []string
	for _, g := range groups {
		if g == id {
			continue
		}
		members, ok := r.groups[g]
		if !ok {
			members = make(map[string]struct{})
			r.groups[g] = members
		}
		if len(members) == 0 {
			occupied = append(occupied, g)
		}
		members[id] = struct{}{}
		entry.groups = append(entry.groups, g)
	}
	r.conns[id] = entry
	if userID != "" {
		r.users[userID] = id
	}
	listener := r.listener
	total := len(r.conns)
	r.mu.Unlock()

	if listener != nil {
		for _, g := range occupied {
			listener.GroupOccupied(g)
		}
	}
	r.logger.Info("Client connected", "connectionID", id, "userID", userID, "garageIDs", entry.groups, "totalConnections", total)
	return entry.groups
}

// Disconnect forgets a connection. The user mapping is removed only if it
// still points at this connection.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	entry, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	var vacated []string
	for _, g := range entry.groups {
		members := r.groups[g]
		delete(members, connID)
		if len(members) == 0 {
			delete(r.groups, g)
			vacated = append(vacated, g)
		}
	}
	if entry.userID != "" && r.users[entry.userID] == connID {
		delete(r.users, entry.userID)
	}
	listener := r.listener
	total := len(r.conns)
	r.mu.Unlock()

	if listener != nil {
		for _, g := range vacated {
			listener.GroupVacated(g)
		}
	}
	r.logger.Info("Client disconnected", "connectionID", connID, "userID", entry.userID, "totalConnections", total)
}

// ActiveGarageIDs returns, sorted, every group with at least one live
// member. A connection's implicit self-group is never reported.
func (r *Registry) ActiveGarageIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.groups))
	for g, members := range r.groups {
		if len(members) == 0 {
			continue
		}
		if _, self := r.conns[g]; self {
			continue
		}
		ids = append(ids, g)
	}
	sort.Strings(ids)
	return ids
}

// SendToGroup emits event to every connection in groupID and returns how
// many accepted it. An empty group is a no-op. A connection id addresses
// that connection's self-group.
func (r *Registry) SendToGroup(event string, payload any, groupID string) int {
	r.mu.RLock()
	var targets []Conn
	if entry, ok := r.conns[groupID]; ok {
		targets = append(targets, entry.conn)
	}
	for id := range r.groups[groupID] {
		targets = append(targets, r.conns[id].conn)
	}
	r.mu.RUnlock()

	delivered := 0
	msg := Message{Event: event, Data: payload}
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			r.logger.Warn("Failed to send to connection", "event", event, "groupID", groupID, "connectionID", c.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// SocketFor returns the live connection id of a user
func (r *Registry) SocketFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.users[userID]
	return id, ok
}

// EmitTo sends an event to one connection
func (r *Registry) EmitTo(connID, event string, payload any) error {
	r.mu.RLock()
	entry, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoConnection
	}
	return entry.conn.Send(Message{Event: event, Data: payload})
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Clear closes and forgets every connection
func (r *Registry) Clear() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	conns := make([]Conn, 0, len(r.conns))
	for id, entry := range r.conns {
		ids = append(ids, id)
		conns = append(conns, entry.conn)
	}
	r.mu.RUnlock()

	for i, id := range ids {
		r.Disconnect(id)
		_ = conns[i].Close()
	}
}
