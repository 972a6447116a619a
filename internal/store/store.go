package store

import (
	"context"
	"errors"
)

// MaxHistory is the fixed capacity of a room's persisted message history.
const MaxHistory = 10

// User is the persisted record behind users/<username>.json.
type User struct {
	Username               string   `json:"username"`
	Rooms                  []string `json:"rooms"`
	Friends                []string `json:"friends"`
	OutgoingFriendRequests []string `json:"outgoingFriendRequests"`
	IncomingFriendRequests []string `json:"incomingFriendRequests"`
}

// RoomInfo is the persisted record behind rooms/<name>/roomData.json.
type RoomInfo struct {
	RoomName string   `json:"roomName"`
	Users    []string `json:"users"`
}

// HistoryEntry is one element of rooms/<name>/roomMessages.json, ordered
// by timestamp.
type HistoryEntry struct {
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRoomExists is returned by CreateRoom when the room name is taken.
	ErrRoomExists = errors.New("room already exists")
	// ErrAlreadyFriends is returned by SendFriendRequest when the pair is
	// already in each other's friends set.
	ErrAlreadyFriends = errors.New("already friends")
	// ErrNoPendingRequest is returned by AcceptFriendRequest when the
	// accepter holds no incoming request from the requester.
	ErrNoPendingRequest = errors.New("no pending friend request")
)

// UserStore handles user record persistence.
type UserStore interface {
	// CreateUser creates the user record if absent. Creating an existing
	// user is a no-op.
	CreateUser(ctx context.Context, username string) error

	// GetUser reads a user record. Returns ErrNotFound if absent.
	GetUser(ctx context.Context, username string) (*User, error)
}

// RoomStore handles room membership and history persistence.
type RoomStore interface {
	// RoomExists reports whether a room record exists.
	RoomExists(ctx context.Context, name string) (bool, error)

	// RoomMembers lists usernames with standing access to the room.
	// Returns ErrNotFound if the room does not exist.
	RoomMembers(ctx context.Context, name string) ([]string, error)

	// CreateRoom creates the room with the listed members. The existence
	// check and the insert are one atomic step: if the name is already
	// taken nothing is written and ErrRoomExists is returned.
	CreateRoom(ctx context.Context, name string, usernames []string) ([]string, error)

	// AddRoomMembers grants the listed users access to the room, creating
	// the room and any missing user records. Users already members are
	// skipped; the returned slice holds only the newly added ones.
	AddRoomMembers(ctx context.Context, name string, usernames []string) ([]string, error)

	// RoomHistory returns the room's recent messages ordered by timestamp.
	// A missing room yields an empty history.
	RoomHistory(ctx context.Context, name string) ([]HistoryEntry, error)

	// AppendHistory appends one entry, evicting the oldest entry first
	// whenever the history already holds MaxHistory messages.
	AppendHistory(ctx context.Context, name string, entry HistoryEntry) error

	// ListRoomNames returns the names of every persisted room.
	ListRoomNames(ctx context.Context) ([]string, error)
}

// FriendStore handles the friend graph. Both operations touch two user
// records and must be atomic with respect to each other.
type FriendStore interface {
	// SendFriendRequest records a pending request from requester to
	// receiver, creating either record if absent. If the receiver already
	// has an outgoing request to the requester the two become friends
	// instead and the returned flag is true. Returns ErrAlreadyFriends if
	// the pair is already linked.
	SendFriendRequest(ctx context.Context, requester, receiver string) (bool, error)

	// AcceptFriendRequest makes requester and accepter friends and clears
	// the pending entries on both sides. Returns ErrNoPendingRequest if
	// the accepter has no incoming request from the requester.
	AcceptFriendRequest(ctx context.Context, requester, accepter string) error
}

// Store aggregates all persistence interfaces.
type Store interface {
	UserStore
	RoomStore
	FriendStore

	// Close releases any resources held by the store.
	Close() error
}
