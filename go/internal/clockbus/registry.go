package clockbus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry tracks which connections are leaders and which are consorts.
// Membership is a single map from connection to role, so a connection can never
// sit in both sets.
type Registry struct {
	mu      sync.RWMutex
	members map[*Connection]Role
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[*Connection]Role),
	}
}

// Join adds conn under role. Joining again is a no-op, including with a
// different role: a connection's role never changes once assigned.
func (r *Registry) Join(conn *Connection, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.members[conn]; ok {
		if existing != role {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("role", existing.String()).
				Str("requested_role", role.String()).
				Msg("ignoring role change for registered connection")
		}
		return
	}
	r.members[conn] = role
}

// Leave removes conn from whichever set holds it
func (r *Registry) Leave(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, conn)
}

// Snapshot returns a copy of the current members holding role
func (r *Registry) Snapshot(role Role) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]*Connection, 0, len(r.members))
	for conn, memberRole := range r.members {
		if memberRole == role {
			snapshot = append(snapshot, conn)
		}
	}
	return snapshot
}

// Lookup reports the role conn is registered under
func (r *Registry) Lookup(conn *Connection) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.members[conn]
	return role, ok
}

// Counts returns the number of leaders and consorts
func (r *Registry) Counts() (leaders, consorts int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, role := range r.members {
		if role == RoleLeader {
			leaders++
		} else {
			consorts++
		}
	}
	return leaders, consorts
}
