// Package session tracks which users are connected. The Registry is the
// authoritative in-memory map of user identity to live connections; the Store
// mirrors live sessions into Redis so sibling services can inspect them.
package session

import "sync"

// Registry maps authenticated connections to user identities and maintains
// the reverse user -> connection-set index for multi-device support. All
// mutations are serialized by a single mutex; reads return snapshots that may
// trail a concurrent mutation by one event, which is acceptable because
// presence derived from the registry is advisory.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]string              // connection_id -> user_id
	byUser map[string]map[string]struct{} // user_id -> set of connection_ids
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]string),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register associates a connection with a user. Adding a second connection
// for the same user does not replace the first. Registering the same
// connection twice is a no-op. It returns true when this is the user's first
// live connection (the 0 -> 1 population transition).
func (r *Registry) Register(connID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[connID]; ok {
		return false
	}

	r.byConn[connID] = userID
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	return len(conns) == 1
}

// Unregister removes a connection from its user's set. When the set becomes
// empty, the user entry is removed entirely. It returns the user the
// connection belonged to and true when this was the user's last live
// connection (the 1 -> 0 transition). Unregistering an unknown connection
// returns ("", false).
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return userID, true
	}
	return userID, false
}

// UserFor returns the user a connection is registered to, or "" if the
// connection is unknown.
func (r *Registry) UserFor(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ConnectionsFor returns a snapshot of the user's live connection IDs.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// OnlineCount returns the number of distinct users with at least one
// connection. Used by metrics.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
