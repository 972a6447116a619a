package core

import (
	"sort"
	"sync"

	"github.com/parley-chat/parley-server/internal/proto"
	"github.com/parley-chat/parley-server/internal/store"
)

// Conn is the live connection handle a Session writes to. Implementations
// must make Send safe for concurrent use and give the connection a single
// logical writer; workers never touch sockets directly.
type Conn interface {
	// ID identifies the connection independently of any bound username.
	ID() string
	// Send queues one envelope for delivery. It must never block a worker;
	// implementations drop when the client cannot keep up.
	Send(env *proto.Envelope)
	// RemoteHost returns the peer's host without the port, for rewriting
	// file-transfer signaling.
	RemoteHost() string
	// Closed reports whether the connection has been torn down. Binding
	// re-checks it because teardown may run before the session exists.
	Closed() bool
}

// Session is the live projection of a connected user: the connection plus
// cached room membership and friend-graph state hydrated from the store.
// Fields are guarded by a mutex because any worker may read or mutate them.
type Session struct {
	Username string

	conn Conn

	mu          sync.RWMutex
	currentRoom string
	rooms       map[string]struct{}
	friends     map[string]struct{}
	incoming    map[string]struct{}
	outgoing    map[string]struct{}
}

// NewSession builds a session for conn hydrated from the persisted record.
func NewSession(username string, conn Conn, rec *store.User) *Session {
	s := &Session{
		Username: username,
		conn:     conn,
		rooms:    make(map[string]struct{}),
		friends:  make(map[string]struct{}),
		incoming: make(map[string]struct{}),
		outgoing: make(map[string]struct{}),
	}
	if rec != nil {
		for _, r := range rec.Rooms {
			s.rooms[r] = struct{}{}
		}
		for _, f := range rec.Friends {
			s.friends[f] = struct{}{}
		}
		for _, u := range rec.IncomingFriendRequests {
			s.incoming[u] = struct{}{}
		}
		for _, u := range rec.OutgoingFriendRequests {
			s.outgoing[u] = struct{}{}
		}
	}
	return s
}

// Conn returns the live connection handle.
func (s *Session) Conn() Conn { return s.conn }

// Send forwards an envelope to the session's connection.
func (s *Session) Send(env *proto.Envelope) { s.conn.Send(env) }

// CurrentRoom returns the selected room, or "" when none is selected.
func (s *Session) CurrentRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRoom
}

// SelectRoom sets the current room if the session has access to it.
// Reports whether the switch happened.
func (s *Session) SelectRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return false
	}
	s.currentRoom = room
	return true
}

// ClearCurrentRoom deselects any current room.
func (s *Session) ClearCurrentRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRoom = ""
}

// HasRoom reports standing access to room.
func (s *Session) HasRoom(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

// AddRoom grants standing access to room.
func (s *Session) AddRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = struct{}{}
}

// Rooms returns a sorted snapshot of the session's rooms.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.rooms)
}

// Friends returns a sorted snapshot of the friends set.
func (s *Session) Friends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.friends)
}

// IncomingRequests returns a sorted snapshot of pending incoming requests.
func (s *Session) IncomingRequests() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.incoming)
}

// HasIncomingRequest reports whether user has a pending request to this
// session.
func (s *Session) HasIncomingRequest(user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.incoming[user]
	return ok
}

// AddIncomingRequest records a pending request from user.
func (s *Session) AddIncomingRequest(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming[user] = struct{}{}
}

// AddOutgoingRequest records a pending request to user.
func (s *Session) AddOutgoingRequest(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoing[user] = struct{}{}
}

// AddFriend links user as a friend and clears any pending request entries
// in either direction, mirroring the persisted transition.
func (s *Session) AddFriend(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.incoming, user)
	delete(s.outgoing, user)
	s.friends[user] = struct{}{}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
