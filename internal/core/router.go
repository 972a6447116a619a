package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/proto"
	"github.com/parley-chat/parley-server/internal/store"
)

// Router executes the protocol state machine. Workers dequeue envelopes,
// mutate the registry and store, and emit replies through each target
// session's connection. Domain rejections go back to the requester as
// plain-text envelopes of the same kind; persistence failures fail the
// single operation and are logged, never fatal to the worker.
type Router struct {
	registry *Registry
	store    store.Store
	queue    *Queue
	log      *zerolog.Logger
}

// NewRouter wires the state machine to its collaborators.
func NewRouter(registry *Registry, st store.Store, queue *Queue, logger *zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		store:    st,
		queue:    queue,
		log:      logger,
	}
}

// Worker runs one consumer loop until the queue is closed.
func (r *Router) Worker(ctx context.Context) error {
	for {
		in, ok := r.queue.Dequeue()
		if !ok {
			return nil
		}
		r.Dispatch(ctx, in)
	}
}

// Dispatch routes a single envelope. Unknown kinds are ignored so newer
// clients can speak to older servers.
func (r *Router) Dispatch(ctx context.Context, in Inbound) {
	env := in.Env

	if env.Kind == proto.KindInitialisation {
		r.handleInit(ctx, in)
		return
	}

	session, ok := r.registry.Get(env.SenderID)
	if !ok {
		r.log.Warn().
			Str("sender", env.SenderID).
			Str("kind", string(env.Kind)).
			Msg("message from unbound sender dropped")
		return
	}

	switch env.Kind {
	case proto.KindText:
		r.handleText(ctx, session, env)
	case proto.KindSelectRoom:
		r.handleSelectRoom(ctx, session, env)
	case proto.KindCreateRoom:
		r.handleCreateRoom(ctx, session, env)
	case proto.KindAddMembers:
		r.handleAddMembers(ctx, session, env)
	case proto.KindRooms:
		r.handleRooms(session)
	case proto.KindOnlineStatuses:
		r.handleOnlineStatuses(session)
	case proto.KindSendFriendRequest:
		r.handleSendFriendRequest(ctx, session, env)
	case proto.KindAcceptFriend:
		r.handleAcceptFriend(ctx, session, env)
	case proto.KindFriendsList:
		r.handleFriendsList(session)
	case proto.KindFriendRequestList:
		r.handleFriendRequestList(session)
	case proto.KindFileSendSignal:
		r.handleFileSendSignal(session, env)
	case proto.KindStreamSignal:
		r.handleStreamSignal(session, env)
	default:
		r.log.Debug().Str("kind", string(env.Kind)).Msg("ignoring unknown kind")
	}
}

// handleInit binds the connection to the claimed username, hydrating the
// session from the store (creating the record on first ever contact).
// A second initialisation for an already-bound username is a no-op.
func (r *Router) handleInit(ctx context.Context, in Inbound) {
	username := in.Env.SenderID
	if _, ok := r.registry.Get(username); ok {
		r.log.Debug().Str("user", username).Msg("duplicate initialisation ignored")
		return
	}

	if err := r.store.CreateUser(ctx, username); err != nil {
		r.log.Error().Err(err).Str("user", username).Msg("create user record")
		return
	}
	rec, err := r.store.GetUser(ctx, username)
	if err != nil {
		r.log.Error().Err(err).Str("user", username).Msg("hydrate user record")
		return
	}

	session := NewSession(username, in.Conn, rec)
	if _, bound := r.registry.Bind(session); !bound {
		r.log.Debug().Str("user", username).Msg("lost bind race, keeping first session")
		return
	}

	// The client may have disconnected while the envelope sat in the queue.
	// Teardown only unbinds sessions it can see, so a close that ran before
	// this bind removed nothing; re-check and unbind here or the username
	// stays wedged to a dead connection.
	if in.Conn.Closed() {
		r.registry.RemoveConn(in.Conn.ID())
		r.log.Debug().Str("user", username).Str("conn", in.Conn.ID()).Msg("connection closed before bind, session discarded")
		return
	}
	r.log.Info().Str("user", username).Str("conn", in.Conn.ID()).Msg("session bound")
}

func (r *Router) handleText(ctx context.Context, s *Session, env *proto.Envelope) {
	room := s.CurrentRoom()
	if room == "" {
		r.reject(s, proto.KindText, "You are not currently in a room!")
		return
	}

	entry := store.HistoryEntry{
		SenderID:  s.Username,
		Timestamp: env.Timestamp,
		Message:   env.Text(),
	}
	if err := r.store.AppendHistory(ctx, room, entry); err != nil {
		r.log.Error().Err(err).Str("room", room).Str("user", s.Username).Msg("append history")
	}

	for _, member := range r.registry.InRoom(room) {
		if member.Username == s.Username {
			continue
		}
		member.Send(env)
	}
}

func (r *Router) handleSelectRoom(ctx context.Context, s *Session, env *proto.Envelope) {
	room := env.TargetID
	if room == "" {
		s.ClearCurrentRoom()
		s.Send(proto.NewText(proto.KindSelectRoom, s.Username, "", "success"))
		return
	}

	if !s.SelectRoom(room) {
		r.reject(s, proto.KindSelectRoom, "You are not part of room: "+room)
		return
	}
	s.Send(proto.NewText(proto.KindSelectRoom, s.Username, room, "success"))

	entries, err := r.store.RoomHistory(ctx, room)
	if err != nil {
		r.log.Error().Err(err).Str("room", room).Msg("read room history")
		return
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		r.log.Error().Err(err).Str("room", room).Msg("encode room history")
		return
	}
	s.Send(proto.New(proto.KindHistory, s.Username, room, payload))
}

func (r *Router) handleCreateRoom(ctx context.Context, s *Session, env *proto.Envelope) {
	room := env.TargetID
	if room == "" {
		r.reject(s, proto.KindCreateRoom, "Room name is required!")
		return
	}
	members, ok := r.decodeMemberList(s, proto.KindCreateRoom, env.Payload)
	if !ok {
		return
	}

	members = append(members, s.Username)
	added, err := r.store.CreateRoom(ctx, room, members)
	if errors.Is(err, store.ErrRoomExists) {
		r.reject(s, proto.KindCreateRoom, "Room already exists!")
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("room", room).Msg("persist room")
		r.reject(s, proto.KindCreateRoom, "Could not create room: "+room)
		return
	}
	r.grantRoomToSessions(room, added)

	s.Send(proto.NewText(proto.KindCreateRoom, s.Username, "", "Room: "+room+" created!"))
}

func (r *Router) handleAddMembers(ctx context.Context, s *Session, env *proto.Envelope) {
	room := env.TargetID
	members, ok := r.decodeMemberList(s, proto.KindAddMembers, env.Payload)
	if !ok {
		return
	}

	exists, err := r.store.RoomExists(ctx, room)
	if err != nil {
		r.log.Error().Err(err).Str("room", room).Msg("check room exists")
		r.reject(s, proto.KindAddMembers, "Could not add members to room: "+room)
		return
	}
	if !exists {
		r.reject(s, proto.KindAddMembers, "Room: "+room+" doesn't exist!")
		return
	}
	if !s.HasRoom(room) {
		r.reject(s, proto.KindAddMembers, "You are not a member of room: "+room+"!")
		return
	}

	added, err := r.store.AddRoomMembers(ctx, room, members)
	if err != nil {
		r.log.Error().Err(err).Str("room", room).Msg("persist room members")
		r.reject(s, proto.KindAddMembers, "Could not add members to room: "+room)
		return
	}
	r.grantRoomToSessions(room, added)

	text := fmt.Sprintf("Added users: [%s] to room: %s!", strings.Join(added, ", "), room)
	s.Send(proto.NewText(proto.KindAddMembers, s.Username, "", text))
}

func (r *Router) handleRooms(s *Session) {
	payload, err := json.Marshal(s.Rooms())
	if err != nil {
		r.log.Error().Err(err).Str("user", s.Username).Msg("encode rooms")
		return
	}
	s.Send(proto.New(proto.KindRooms, s.Username, "", payload))
}

func (r *Router) handleOnlineStatuses(s *Session) {
	var b strings.Builder
	if room := s.CurrentRoom(); room != "" {
		b.WriteString("Users in Room: \n")
		for _, member := range r.registry.InRoom(room) {
			b.WriteString("- " + member.Username + "\n")
		}
	} else {
		b.WriteString("Users in Server: \n")
		for _, member := range r.registry.All() {
			b.WriteString("- " + member.Username + "\n")
		}
	}
	s.Send(proto.NewText(proto.KindOnlineStatuses, s.Username, "", b.String()))
}

func (r *Router) handleSendFriendRequest(ctx context.Context, s *Session, env *proto.Envelope) {
	target := env.Text()
	if target == "" {
		r.reject(s, proto.KindSendFriendRequest, "A username is required!")
		return
	}
	if target == s.Username {
		r.reject(s, proto.KindSendFriendRequest, "You cannot send a friend request to yourself!")
		return
	}

	became, err := r.store.SendFriendRequest(ctx, s.Username, target)
	if errors.Is(err, store.ErrAlreadyFriends) {
		r.reject(s, proto.KindSendFriendRequest, "You are already friends with: "+target)
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("user", s.Username).Str("target", target).Msg("persist friend request")
		r.reject(s, proto.KindSendFriendRequest, "Could not send friend request to: "+target)
		return
	}

	targetSession, online := r.registry.Get(target)
	if became {
		s.AddFriend(target)
		s.Send(proto.NewText(proto.KindSendFriendRequest, s.Username, "", "You have become friends with: "+target))
		if online {
			targetSession.AddFriend(s.Username)
			targetSession.Send(proto.NewText(proto.KindSendFriendRequest, target, "", "You have become friends with: "+s.Username))
		}
		return
	}

	s.AddOutgoingRequest(target)
	s.Send(proto.NewText(proto.KindSendFriendRequest, s.Username, "", "Friend Request sent to: "+target))
	if online {
		targetSession.AddIncomingRequest(s.Username)
		targetSession.Send(proto.NewText(proto.KindSendFriendRequest, target, "", "You've received a friend request from: "+s.Username))
	}
}

func (r *Router) handleAcceptFriend(ctx context.Context, s *Session, env *proto.Envelope) {
	target := env.Text()
	if !s.HasIncomingRequest(target) {
		r.reject(s, proto.KindAcceptFriend, "Request for "+target+" doesn't exist!")
		return
	}

	err := r.store.AcceptFriendRequest(ctx, target, s.Username)
	if errors.Is(err, store.ErrNoPendingRequest) {
		r.reject(s, proto.KindAcceptFriend, "Request for "+target+" doesn't exist!")
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("user", s.Username).Str("target", target).Msg("persist friend accept")
		r.reject(s, proto.KindAcceptFriend, "Could not accept friend request from: "+target)
		return
	}

	s.AddFriend(target)
	s.Send(proto.NewText(proto.KindAcceptFriend, s.Username, "", "You have become friends with: "+target))
	if targetSession, online := r.registry.Get(target); online {
		targetSession.AddFriend(s.Username)
		targetSession.Send(proto.NewText(proto.KindAcceptFriend, target, "", "You have become friends with: "+s.Username))
	}
}

func (r *Router) handleFriendsList(s *Session) {
	friends := s.Friends()
	text := "No friends yet"
	if len(friends) > 0 {
		var b strings.Builder
		b.WriteString("Friends: \n")
		for _, friend := range friends {
			status := "Offline"
			if _, online := r.registry.Get(friend); online {
				status = "Online"
			}
			b.WriteString("- " + friend + " (" + status + ")\n")
		}
		text = b.String()
	}
	s.Send(proto.NewText(proto.KindFriendsList, s.Username, "", text))
}

func (r *Router) handleFriendRequestList(s *Session) {
	requests := s.IncomingRequests()
	text := "No Friend Requests"
	if len(requests) > 0 {
		var b strings.Builder
		b.WriteString("Requests: \n")
		for _, from := range requests {
			b.WriteString("- Request from: " + from + "\n")
		}
		text = b.String()
	}
	s.Send(proto.NewText(proto.KindFriendRequestList, s.Username, "", text))
}

// handleFileSendSignal arranges a point-to-point transfer: the sender gets
// a listen signal with the recipient's host, the recipient gets a receive
// signal with the sender's host. Payload format:
// "fileName,filePath,recipient,port".
func (r *Router) handleFileSendSignal(s *Session, env *proto.Envelope) {
	parts := strings.Split(env.Text(), ",")
	if len(parts) != 4 {
		r.reject(s, proto.KindFileSendSignal, "Invalid file transfer request!")
		return
	}
	fileName, filePath, recipient, port := parts[0], parts[1], parts[2], parts[3]

	room := s.CurrentRoom()
	if room == "" {
		r.reject(s, proto.KindFileSendSignal, "You are not currently in a room!")
		return
	}
	target := r.findInRoom(room, recipient)
	if target == nil {
		r.reject(s, proto.KindFileSendSignal, "User: "+recipient+" is not in your current room!")
		return
	}

	listenPayload := strings.Join([]string{filePath, recipient, target.Conn().RemoteHost(), port}, ",")
	s.Send(proto.NewText(proto.KindFileListenSignal, s.Username, room, listenPayload))

	receivePayload := strings.Join([]string{s.Conn().RemoteHost(), port, fileName}, ",")
	target.Send(proto.NewText(proto.KindFileReceiveSignal, s.Username, room, receivePayload))
}

// handleStreamSignal relays the envelope untouched to the named recipient
// in the sender's current room. The server never interprets the payload.
func (r *Router) handleStreamSignal(s *Session, env *proto.Envelope) {
	recipient := env.Text()
	room := s.CurrentRoom()
	if room == "" {
		r.reject(s, proto.KindStreamSignal, "You are not currently in a room!")
		return
	}
	if target := r.findInRoom(room, recipient); target != nil {
		target.Send(env)
	}
}

func (r *Router) findInRoom(room, username string) *Session {
	for _, member := range r.registry.InRoom(room) {
		if member.Username == username {
			return member
		}
	}
	return nil
}

func (r *Router) grantRoomToSessions(room string, usernames []string) {
	for _, username := range usernames {
		if session, ok := r.registry.Get(username); ok {
			session.AddRoom(room)
		}
	}
}

func (r *Router) decodeMemberList(s *Session, kind proto.Kind, payload []byte) ([]string, bool) {
	var members []string
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &members); err != nil {
			r.log.Warn().Err(err).Str("user", s.Username).Msg("bad member list payload")
			r.reject(s, kind, "Invalid member list!")
			return nil, false
		}
	}
	return members, true
}

// reject reports a domain-rule violation back to the requester as a
// plain-text envelope of the same kind.
func (r *Router) reject(s *Session, kind proto.Kind, text string) {
	s.Send(proto.NewText(kind, s.Username, "", text))
}
