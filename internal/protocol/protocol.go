package protocol

import (
	"encoding/json"
	"time"
)

// Represents how a frame body is carried on the socket
type Kind int

const (
	// Opaque document delta bytes
	KindBinary Kind = iota

	// Structured key-value control message
	KindText
)

// A single message exchanged with a participant
type Frame struct {
	Kind    Kind
	Payload []byte
}

func Binary(data []byte) Frame {
	return Frame{Kind: KindBinary, Payload: data}
}

func Text(data []byte) Frame {
	return Frame{Kind: KindText, Payload: data}
}

// Control message types
const (
	TypeStopCollaboration = "stop-collaboration"
	TypeGetRoomState      = "get-room-state"
	TypeRoomStopped       = "room-stopped"
	TypeRoomState         = "room-state"
	TypeEditBlocked       = "edit-blocked"
	TypeError             = "error"
)

// Envelope is the part of every control message needed to route it.
type Envelope struct {
	Type string `json:"type"`
}

// ParseControl extracts the type of a structured frame. ok is false when the
// payload is not a JSON object carrying a non-empty type.
func ParseControl(payload []byte) (msgType string, ok bool) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", false
	}
	if env.Type == "" {
		return "", false
	}
	return env.Type, true
}

// Sent to every participant when the room becomes read-only, and to late
// joiners of an already stopped room.
type RoomStopped struct {
	Type      string    `json:"type"`
	StoppedAt time.Time `json:"stoppedAt"`
	Message   string    `json:"message"`
}

// Answer to get-room-state. StoppedAt is null while the room is active.
type RoomState struct {
	Type      string     `json:"type"`
	IsActive  bool       `json:"isActive"`
	StoppedAt *time.Time `json:"stoppedAt"`
}

// Unicast to a participant whose delta was rejected.
type EditBlocked struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	RoomID    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

// Unicast when an operation requested by the participant could not be made durable.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	RoomID  string `json:"roomId"`
}

func NewRoomStopped(stoppedAt time.Time, message string) RoomStopped {
	return RoomStopped{Type: TypeRoomStopped, StoppedAt: stoppedAt, Message: message}
}

func NewRoomState(isActive bool, stoppedAt *time.Time) RoomState {
	return RoomState{Type: TypeRoomState, IsActive: isActive, StoppedAt: stoppedAt}
}

func NewEditBlocked(roomID, message string, at time.Time) EditBlocked {
	return EditBlocked{Type: TypeEditBlocked, Message: message, RoomID: roomID, Timestamp: at}
}

func NewError(roomID, message string) Error {
	return Error{Type: TypeError, Message: message, RoomID: roomID}
}

// Encode marshals a control message into a text frame.
func Encode(msg any) (Frame, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, err
	}
	return Text(data), nil
}
