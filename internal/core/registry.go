package core

import "sync"

// Registry maps usernames to live sessions. It is shared between the
// multiplexer (registration and teardown) and every worker (lookups and
// fan-out), so all access goes through one lock and iteration is only ever
// exposed as snapshot copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Bind attaches a session for username. If the username is already bound
// the existing session is returned and bound reports false; a second
// initialisation is a no-op and the first connection keeps the name.
func (r *Registry) Bind(session *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[session.Username]; ok {
		return existing, false
	}
	r.sessions[session.Username] = session
	return session, true
}

// Get returns the session bound to username.
func (r *Registry) Get(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

// RemoveConn unbinds whichever session holds the connection with connID and
// returns it, or nil if the connection never bound a username.
func (r *Registry) RemoveConn(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for username, s := range r.sessions {
		if s.Conn().ID() == connID {
			delete(r.sessions, username)
			return s
		}
	}
	return nil
}

// InRoom returns a snapshot of sessions whose current room equals room.
func (r *Registry) InRoom(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.CurrentRoom() == room {
			out = append(out, s)
		}
	}
	return out
}

// All returns a snapshot of every bound session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
