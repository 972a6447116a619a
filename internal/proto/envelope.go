package proto

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind tags an envelope with the operation it carries. Unknown kinds are
// legal on the wire; the router ignores them.
type Kind string

const (
	KindText              Kind = "text"
	KindRooms             Kind = "rooms"
	KindInitialisation    Kind = "initialisation"
	KindSelectRoom        Kind = "select_room"
	KindHistory           Kind = "history"
	KindOnlineStatuses    Kind = "online_statuses"
	KindCreateRoom        Kind = "create_room"
	KindAddMembers        Kind = "add_members"
	KindFriendsList       Kind = "friends_list"
	KindSendFriendRequest Kind = "send_friend_request"
	KindFriendRequestList Kind = "friend_request_list"
	KindAcceptFriend      Kind = "accept_friend"
	KindFileSendSignal    Kind = "file_send_signal"
	KindFileReceiveSignal Kind = "file_receive_signal"
	KindFileListenSignal  Kind = "file_listen_signal"
	KindStreamSignal      Kind = "stream_signal"
)

// Envelope is the single protocol unit exchanged between client and server.
// TargetID is a room name or peer username depending on Kind; empty means
// absent. Payload is opaque bytes, interpreted per Kind; text kinds carry
// UTF-8.
type Envelope struct {
	Kind      Kind   `json:"type"`
	SenderID  string `json:"senderId"`
	TargetID  string `json:"targetId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload,omitempty"`
}

// ErrMissingSender is returned when a decoded envelope has no senderId.
var ErrMissingSender = errors.New("envelope missing senderId")

// New builds an envelope with the current wall-clock timestamp in ms.
func New(kind Kind, sender, target string, payload []byte) *Envelope {
	return &Envelope{
		Kind:      kind,
		SenderID:  sender,
		TargetID:  target,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// NewText builds an envelope whose payload is the UTF-8 bytes of text.
func NewText(kind Kind, sender, target, text string) *Envelope {
	return New(kind, sender, target, []byte(text))
}

// Text interprets the payload as UTF-8. Callers must know the kind carries
// text.
func (e *Envelope) Text() string {
	return string(e.Payload)
}

// Encode serializes the envelope as one JSON object.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one JSON envelope. A missing senderId is rejected here so
// the router never sees an unattributable message.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.SenderID == "" {
		return nil, ErrMissingSender
	}
	return &env, nil
}
