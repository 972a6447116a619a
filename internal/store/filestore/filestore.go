// Package filestore implements store.Store on flat JSON files: one file per
// user and one directory per room holding a membership file and a bounded
// history file. Every operation is a locked read-modify-write of whole
// files; multi-record operations lock all involved files in a fixed total
// order.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/parley-chat/parley-server/internal/store"
)

const (
	usersDir         = "users"
	roomsDir         = "rooms"
	roomDataFile     = "roomData.json"
	roomMessagesFile = "roomMessages.json"
)

// FileStore is the file-backed store. It assumes a single server process
// owns the data directory, so cross-file consistency is enforced with an
// in-process lock table rather than OS advisory locks.
type FileStore struct {
	fs    afero.Afero
	root  string
	locks *lockTable
	log   *zerolog.Logger
}

// New creates a FileStore rooted at dir, creating the users/ and rooms/
// directories if needed.
func New(fs afero.Fs, dir string, logger *zerolog.Logger) (*FileStore, error) {
	a := afero.Afero{Fs: fs}
	for _, sub := range []string{usersDir, roomsDir} {
		if err := a.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &FileStore{
		fs:    a,
		root:  dir,
		locks: newLockTable(),
		log:   logger,
	}, nil
}

// Close implements store.Store. Files are written synchronously per
// operation, so there is nothing to flush.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) userPath(username string) string {
	return filepath.Join(s.root, usersDir, username+".json")
}

func (s *FileStore) roomDataPath(name string) string {
	return filepath.Join(s.root, roomsDir, name, roomDataFile)
}

func (s *FileStore) roomMessagesPath(name string) string {
	return filepath.Join(s.root, roomsDir, name, roomMessagesFile)
}

// validName rejects names that would escape the data directory or collide
// with the layout.
func validName(name string) error {
	if name == "" || strings.TrimSpace(name) == "" {
		return fmt.Errorf("blank name")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

// CreateUser writes a fresh user record unless one already exists.
func (s *FileStore) CreateUser(_ context.Context, username string) error {
	if err := validName(username); err != nil {
		return err
	}
	path := s.userPath(username)
	unlock := s.locks.lock(path)
	defer unlock()

	exists, err := s.fs.Exists(path)
	if err != nil {
		return fmt.Errorf("stat user %s: %w", username, err)
	}
	if exists {
		return nil
	}
	return s.writeUser(path, defaultUser(username))
}

// GetUser reads a user record under a shared lock.
func (s *FileStore) GetUser(_ context.Context, username string) (*store.User, error) {
	if err := validName(username); err != nil {
		return nil, err
	}
	path := s.userPath(username)
	unlock := s.locks.rlock(path)
	defer unlock()
	return s.readUser(path, username)
}

// RoomExists reports whether the room's membership file is present.
func (s *FileStore) RoomExists(_ context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	path := s.roomDataPath(name)
	unlock := s.locks.rlock(path)
	defer unlock()
	return s.fs.Exists(path)
}

// RoomMembers reads the room's standing membership.
func (s *FileStore) RoomMembers(_ context.Context, name string) ([]string, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	path := s.roomDataPath(name)
	unlock := s.locks.rlock(path)
	defer unlock()

	info, err := s.readRoomInfo(path, name)
	if err != nil {
		return nil, err
	}
	return info.Users, nil
}

// CreateRoom creates the room atomically: the existence check happens
// under the room file's exclusive lock, so concurrent creates for the same
// name resolve to exactly one winner.
func (s *FileStore) CreateRoom(ctx context.Context, name string, usernames []string) ([]string, error) {
	return s.grantMembers(ctx, name, usernames, true)
}

// AddRoomMembers grants access to the listed users, creating the room and
// any missing user records on the way.
func (s *FileStore) AddRoomMembers(ctx context.Context, name string, usernames []string) ([]string, error) {
	return s.grantMembers(ctx, name, usernames, false)
}

// grantMembers updates the room file and mirrors new memberships onto each
// user record. The room file is updated and released before the per-user
// updates so no user lock is ever acquired while a room lock is held
// together with another user lock.
func (s *FileStore) grantMembers(_ context.Context, name string, usernames []string, mustNotExist bool) ([]string, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := s.fs.MkdirAll(filepath.Join(s.root, roomsDir, name), 0o755); err != nil {
		return nil, fmt.Errorf("create room dir %s: %w", name, err)
	}

	added, err := s.addMembersToRoomFile(name, usernames, mustNotExist)
	if err != nil {
		return nil, err
	}
	if err := s.ensureHistoryFile(name); err != nil {
		return nil, err
	}

	for _, username := range added {
		if err := s.addRoomToUser(username, name); err != nil {
			return added, err
		}
	}
	return added, nil
}

func (s *FileStore) addMembersToRoomFile(name string, usernames []string, mustNotExist bool) ([]string, error) {
	path := s.roomDataPath(name)
	unlock := s.locks.lock(path)
	defer unlock()

	info, err := s.readRoomInfo(path, name)
	if err == store.ErrNotFound {
		info = &store.RoomInfo{RoomName: name, Users: []string{}}
	} else if err != nil {
		return nil, err
	} else if mustNotExist {
		return nil, store.ErrRoomExists
	}

	var added []string
	for _, username := range usernames {
		if err := validName(username); err != nil {
			continue
		}
		if containsStr(info.Users, username) || containsStr(added, username) {
			continue
		}
		added = append(added, username)
	}
	sort.Strings(added)
	info.Users = append(info.Users, added...)

	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode room %s: %w", name, err)
	}
	if err := s.fs.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write room %s: %w", name, err)
	}
	return added, nil
}

func (s *FileStore) ensureHistoryFile(name string) error {
	path := s.roomMessagesPath(name)
	unlock := s.locks.lock(path)
	defer unlock()

	exists, err := s.fs.Exists(path)
	if err != nil {
		return fmt.Errorf("stat history %s: %w", name, err)
	}
	if exists {
		return nil
	}
	return s.fs.WriteFile(path, []byte("[]"), 0o644)
}

func (s *FileStore) addRoomToUser(username, room string) error {
	path := s.userPath(username)
	unlock := s.locks.lock(path)
	defer unlock()

	user, err := s.readUser(path, username)
	if err == store.ErrNotFound {
		user = defaultUser(username)
	} else if err != nil {
		return err
	}
	user.Rooms = addStr(user.Rooms, room)
	return s.writeUser(path, user)
}

// RoomHistory returns the persisted history ordered by timestamp. A room
// with no history file yields an empty slice, matching a freshly created
// room.
func (s *FileStore) RoomHistory(_ context.Context, name string) ([]store.HistoryEntry, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	path := s.roomMessagesPath(name)
	unlock := s.locks.rlock(path)
	defer unlock()

	entries, err := s.readHistory(path)
	if err != nil {
		return nil, err
	}
	sortHistory(entries)
	return entries, nil
}

// AppendHistory inserts one entry with ring-buffer semantics: when the file
// already holds MaxHistory entries the earliest-timestamped one is evicted
// before the insert.
func (s *FileStore) AppendHistory(_ context.Context, name string, entry store.HistoryEntry) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Join(s.root, roomsDir, name), 0o755); err != nil {
		return fmt.Errorf("create room dir %s: %w", name, err)
	}

	path := s.roomMessagesPath(name)
	unlock := s.locks.lock(path)
	defer unlock()

	entries, err := s.readHistory(path)
	if err != nil {
		return err
	}
	sortHistory(entries)
	for len(entries) >= store.MaxHistory {
		entries = entries[1:]
	}
	entries = append(entries, entry)
	sortHistory(entries)

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", name, err)
	}
	return s.fs.WriteFile(path, data, 0o644)
}

// ListRoomNames lists the room directories.
func (s *FileStore) ListRoomNames(_ context.Context) ([]string, error) {
	infos, err := s.fs.ReadDir(filepath.Join(s.root, roomsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rooms dir: %w", err)
	}
	var names []string
	for _, info := range infos {
		if info.IsDir() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SendFriendRequest records a pending request, or upgrades straight to
// friendship when the receiver already asked for the requester (mutual
// intent). Both user files stay locked for the whole transaction.
func (s *FileStore) SendFriendRequest(_ context.Context, requester, receiver string) (bool, error) {
	if err := validName(requester); err != nil {
		return false, err
	}
	if err := validName(receiver); err != nil {
		return false, err
	}

	reqPath, recvPath := s.userPath(requester), s.userPath(receiver)
	unlock := s.locks.lock(reqPath, recvPath)
	defer unlock()

	req, err := s.readOrDefaultUser(reqPath, requester)
	if err != nil {
		return false, err
	}
	recv, err := s.readOrDefaultUser(recvPath, receiver)
	if err != nil {
		return false, err
	}

	if containsStr(req.Friends, receiver) && containsStr(recv.Friends, requester) {
		return false, store.ErrAlreadyFriends
	}

	became := false
	if containsStr(recv.OutgoingFriendRequests, requester) || containsStr(req.IncomingFriendRequests, receiver) {
		linkFriends(req, recv)
		became = true
	} else {
		req.OutgoingFriendRequests = addStr(req.OutgoingFriendRequests, receiver)
		recv.IncomingFriendRequests = addStr(recv.IncomingFriendRequests, requester)
	}

	if err := s.writeUser(reqPath, req); err != nil {
		return false, err
	}
	if err := s.writeUser(recvPath, recv); err != nil {
		return false, err
	}
	return became, nil
}

// AcceptFriendRequest completes a pending request from requester that
// accepter is holding.
func (s *FileStore) AcceptFriendRequest(_ context.Context, requester, accepter string) error {
	if err := validName(requester); err != nil {
		return err
	}
	if err := validName(accepter); err != nil {
		return err
	}

	reqPath, accPath := s.userPath(requester), s.userPath(accepter)
	unlock := s.locks.lock(reqPath, accPath)
	defer unlock()

	req, err := s.readOrDefaultUser(reqPath, requester)
	if err != nil {
		return err
	}
	acc, err := s.readOrDefaultUser(accPath, accepter)
	if err != nil {
		return err
	}

	if !containsStr(acc.IncomingFriendRequests, requester) {
		return store.ErrNoPendingRequest
	}

	linkFriends(req, acc)

	if err := s.writeUser(reqPath, req); err != nil {
		return err
	}
	return s.writeUser(accPath, acc)
}

// linkFriends makes both records friends and clears every pending entry
// between the two, in both directions.
func linkFriends(a, b *store.User) {
	a.IncomingFriendRequests = removeStr(a.IncomingFriendRequests, b.Username)
	a.OutgoingFriendRequests = removeStr(a.OutgoingFriendRequests, b.Username)
	b.IncomingFriendRequests = removeStr(b.IncomingFriendRequests, a.Username)
	b.OutgoingFriendRequests = removeStr(b.OutgoingFriendRequests, a.Username)
	a.Friends = addStr(a.Friends, b.Username)
	b.Friends = addStr(b.Friends, a.Username)
}

func defaultUser(username string) *store.User {
	return &store.User{
		Username:               username,
		Rooms:                  []string{},
		Friends:                []string{},
		OutgoingFriendRequests: []string{},
		IncomingFriendRequests: []string{},
	}
}

func (s *FileStore) readUser(path, username string) (*store.User, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read user %s: %w", username, err)
	}
	user := defaultUser(username)
	if len(data) == 0 {
		return user, nil
	}
	if err := json.Unmarshal(data, user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", username, err)
	}
	user.Username = username
	return user, nil
}

func (s *FileStore) readOrDefaultUser(path, username string) (*store.User, error) {
	user, err := s.readUser(path, username)
	if err == store.ErrNotFound {
		return defaultUser(username), nil
	}
	return user, err
}

func (s *FileStore) writeUser(path string, user *store.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", user.Username, err)
	}
	if err := s.fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write user %s: %w", user.Username, err)
	}
	return nil
}

func (s *FileStore) readRoomInfo(path, name string) (*store.RoomInfo, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read room %s: %w", name, err)
	}
	info := &store.RoomInfo{RoomName: name, Users: []string{}}
	if len(data) == 0 {
		return info, nil
	}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", name, err)
	}
	return info, nil
}

func (s *FileStore) readHistory(path string) ([]store.HistoryEntry, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []store.HistoryEntry{}, nil
		}
		return nil, fmt.Errorf("read history %s: %w", path, err)
	}
	entries := []store.HistoryEntry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", path, err)
	}
	return entries, nil
}

func sortHistory(entries []store.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func addStr(list []string, v string) []string {
	if containsStr(list, v) {
		return list
	}
	return append(list, v)
}

func removeStr(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
