package network

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry tracks live connections by id and, once authenticated, by user.
// A user is online iff its connection set is non-empty.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	users map[string]map[string]struct{} // user id -> connection ids
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		users: make(map[string]map[string]struct{}),
	}
}

// Add indexes a connection by id.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID()] = c
	log.Debug().Str("conn_id", c.ID()).Msg("connection registered")
}

// BindUser indexes an authenticated connection under its user and reports
// whether it is the user's first live connection. Connections that were
// already removed are not bound.
func (r *Registry) BindUser(c *Connection) bool {
	id, ok := c.Identity()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[c.ID()] != c {
		return false
	}

	set, exists := r.users[id.UserID]
	if !exists {
		set = make(map[string]struct{})
		r.users[id.UserID] = set
	}
	if _, bound := set[c.ID()]; bound {
		return false
	}
	set[c.ID()] = struct{}{}
	return len(set) == 1
}

// Remove drops a connection from both indices and reports whether its user
// went offline as a result.
func (r *Registry) Remove(c *Connection) bool {
	id, authenticated := c.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[c.ID()] == c {
		delete(r.conns, c.ID())
		log.Debug().Str("conn_id", c.ID()).Msg("connection unregistered")
	}

	if !authenticated {
		return false
	}

	set, ok := r.users[id.UserID]
	if !ok {
		return false
	}
	if _, bound := set[c.ID()]; !bound {
		return false
	}

	delete(set, c.ID())
	if len(set) == 0 {
		delete(r.users, id.UserID)
		return true
	}
	return false
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ByUser returns every live connection of a user.
func (r *Registry) ByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	result := make([]*Connection, 0, len(set))
	for id := range set {
		if c, ok := r.conns[id]; ok {
			result = append(result, c)
		}
	}
	return result
}

// IsUserOnline reports whether the user has at least one live connection.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// FindBySession returns the live connection authenticated with sessionID.
func (r *Registry) FindBySession(sessionID string) (*Connection, bool) {
	if sessionID == "" {
		return nil, false
	}

	for _, c := range r.All() {
		if id, ok := c.Identity(); ok && id.SessionID == sessionID && !c.IsClosed() {
			return c, true
		}
	}
	return nil, false
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c)
	}
	return result
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByTransport returns live connection counts per transport.
func (r *Registry) CountByTransport() map[TransportKind]int {
	counts := make(map[TransportKind]int)
	for _, c := range r.All() {
		counts[c.Kind()]++
	}
	return counts
}

// UserCount returns the number of online users.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// OnlineUserIDs returns the ids of every online user.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every connection.
func (r *Registry) CloseAll() {
	for _, c := range r.All() {
		c.Close()
	}
	log.Info().Msg("all connections closed")
}

// CleanStale closes connections with no inbound traffic for longer than timeout.
func (r *Registry) CleanStale(timeout time.Duration) int {
	cleaned := 0
	cutoff := time.Now().Add(-timeout)

	for _, c := range r.All() {
		if last := c.LastActivity(); last.Before(cutoff) {
			log.Warn().
				Str("conn_id", c.ID()).
				Time("last_activity", last).
				Msg("cleaned stale connection")
			c.Close()
			cleaned++
		}
	}

	return cleaned
}
