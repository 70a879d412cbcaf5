// Package wire defines the JSON frames exchanged between the relay and its
// clients. A frame is an envelope with a type discriminator and exactly one
// body field populated; addressing is a closed tagged union rather than a
// sentinel-valued string.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame types, client to server.
const (
	TypeJoinRoom    = "join-room"
	TypeSendMessage = "send-message"
	TypeLeave       = "leave"
)

// Frame types, server to client.
const (
	TypeSessionAssigned  = "session-assigned"
	TypePresenceDelta    = "presence-delta"
	TypeMessageDelivered = "message-delivered"
	TypeDisconnected     = "disconnected"
	TypeError            = "error"
)

// AddressingMode names the resolved variant of an Addressing value.
type AddressingMode string

const (
	ModeSession   AddressingMode = "session"
	ModeRoom      AddressingMode = "room"
	ModeBroadcast AddressingMode = "broadcast"
)

// ErrBadAddressing reports an addressing value with zero or multiple tags set.
var ErrBadAddressing = errors.New("addressing must carry exactly one of session, room, broadcast")

// Addressing selects the target of a send: one session, one room, or every
// connected session. Exactly one tag is set.
type Addressing struct {
	Session   string
	Room      string
	Broadcast bool
}

// ToSession builds a direct addressing value.
func ToSession(id string) Addressing { return Addressing{Session: id} }

// ToRoom builds a room-scoped addressing value.
func ToRoom(id string) Addressing { return Addressing{Room: id} }

// ToBroadcast builds an all-connected addressing value.
func ToBroadcast() Addressing { return Addressing{Broadcast: true} }

// Mode reports which variant is set.
func (a Addressing) Mode() AddressingMode {
	switch {
	case a.Session != "":
		return ModeSession
	case a.Room != "":
		return ModeRoom
	default:
		return ModeBroadcast
	}
}

// Valid reports whether exactly one tag is set.
func (a Addressing) Valid() bool {
	n := 0
	if a.Session != "" {
		n++
	}
	if a.Room != "" {
		n++
	}
	if a.Broadcast {
		n++
	}
	return n == 1
}

type addressingJSON struct {
	Session   string `json:"session,omitempty"`
	Room      string `json:"room,omitempty"`
	Broadcast bool   `json:"broadcast,omitempty"`
}

// MarshalJSON encodes the union as {"session":id}, {"room":id} or
// {"broadcast":true}.
func (a Addressing) MarshalJSON() ([]byte, error) {
	if !a.Valid() {
		return nil, ErrBadAddressing
	}
	return json.Marshal(addressingJSON{Session: a.Session, Room: a.Room, Broadcast: a.Broadcast})
}

// UnmarshalJSON rejects payloads that set zero or more than one tag.
func (a *Addressing) UnmarshalJSON(data []byte) error {
	var raw addressingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := Addressing{Session: raw.Session, Room: raw.Room, Broadcast: raw.Broadcast}
	if !decoded.Valid() {
		return ErrBadAddressing
	}
	*a = decoded
	return nil
}

// PresenceEntry is the wire form of one live session.
type PresenceEntry struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName,omitempty"`
	Room        string `json:"room,omitempty"`
	ConnectedAt string `json:"connectedAt"`
}

// JoinRoom asks the relay to move the session into a room.
type JoinRoom struct {
	Room string `json:"room"`
}

// SendMessage carries outbound user content.
type SendMessage struct {
	Addressing Addressing `json:"addressing"`
	Content    string     `json:"content"`
}

// Leave announces an orderly client departure.
type Leave struct {
	Reason string `json:"reason,omitempty"`
}

// SessionAssigned tells a client its minted session identity.
type SessionAssigned struct {
	SessionID string `json:"sessionId"`
}

// PresenceDelta replaces a client's view of one scope's session set.
type PresenceDelta struct {
	Scope    string          `json:"scope"`
	Sessions []PresenceEntry `json:"sessions"`
}

// MessageDelivered carries routed content to a recipient. The timestamp is
// assigned by the router clock, never trusted from the sender.
type MessageDelivered struct {
	From      string     `json:"from"`
	To        Addressing `json:"to"`
	Content   string     `json:"content"`
	Timestamp string     `json:"timestamp"`
}

// Disconnected tells the client the relay is closing the connection.
type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

// Error reports a non-fatal protocol violation back to the offending client.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the envelope for every websocket text message. Type names the one
// populated body field.
type Frame struct {
	Type string `json:"type"`

	JoinRoom    *JoinRoom    `json:"joinRoom,omitempty"`
	SendMessage *SendMessage `json:"sendMessage,omitempty"`
	Leave       *Leave       `json:"leave,omitempty"`

	SessionAssigned  *SessionAssigned  `json:"sessionAssigned,omitempty"`
	PresenceDelta    *PresenceDelta    `json:"presenceDelta,omitempty"`
	MessageDelivered *MessageDelivered `json:"messageDelivered,omitempty"`
	Disconnected     *Disconnected     `json:"disconnected,omitempty"`
	Error            *Error            `json:"error,omitempty"`
}

// Decode parses a frame and checks the discriminator matches the body.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, errors.New("frame missing type")
	}
	return f, nil
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Timestamp formats a router-assigned time in the ISO-8601 form carried on
// the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
