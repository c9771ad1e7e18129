package clockbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the "type" tag carried by every clock bus frame
type MessageType string

const (
	MessageTypeRegister MessageType = "register"
	MessageTypeStart    MessageType = "start"
	MessageTypeTick     MessageType = "tick"
	MessageTypeStop     MessageType = "stop"
)

// TimestampLayout is the relay-side timestamp format: UTC with microseconds and an explicit offset
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Role is the part a connection plays on the bus, fixed at handshake time
type Role int

const (
	RoleConsort Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "consort"
}

// ControlMessage is an inbound frame after validation
type ControlMessage struct {
	Type MessageType
	Role string   // register only
	BPM  *float64 // start/tick/stop, optional
}

// IsTiming reports whether the message is one the router relays
func (m ControlMessage) IsTiming() bool {
	switch m.Type {
	case MessageTypeStart, MessageTypeTick, MessageTypeStop:
		return true
	}
	return false
}

// RequestedRole resolves the role asked for by a register frame. Anything other
// than an explicit leader registration is a consort.
func (m ControlMessage) RequestedRole() Role {
	if m.Type == MessageTypeRegister && m.Role == RoleLeader.String() {
		return RoleLeader
	}
	return RoleConsort
}

type wireMessage struct {
	Type *string         `json:"type"`
	Role json.RawMessage `json:"role,omitempty"`
	BPM  json.RawMessage `json:"bpm,omitempty"`
}

// ParseControlMessage decodes one frame. A frame that is not a JSON object with a
// string type yields ErrMalformedMessage, as does a start/tick/stop frame whose
// bpm is not a number (a quoted "120" included). A well-formed frame with an
// unrecognized type yields ErrUnknownMessageType. Fields outside a type's schema,
// such as bpm on register, are ignored.
func ParseControlMessage(raw []byte) (ControlMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.Type == nil {
		return ControlMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	msg := ControlMessage{Type: MessageType(*w.Type)}
	switch msg.Type {
	case MessageTypeRegister:
		// a non-string role is not an error, it just isn't "leader"
		var role string
		if len(w.Role) > 0 && json.Unmarshal(w.Role, &role) == nil {
			msg.Role = role
		}
	case MessageTypeStart, MessageTypeTick, MessageTypeStop:
		if len(w.BPM) > 0 {
			// null leaves BPM nil, so the key is omitted on relay
			if err := json.Unmarshal(w.BPM, &msg.BPM); err != nil {
				return ControlMessage{}, fmt.Errorf("%w: bpm: %v", ErrMalformedMessage, err)
			}
		}
	default:
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, *w.Type)
	}

	return msg, nil
}

// ClockEvent is the payload the relay sends to consorts
type ClockEvent struct {
	Type MessageType `json:"type"`
	BPM  *float64    `json:"bpm,omitempty"`
	T    string      `json:"t"`
}

// NewClockEvent stamps msg with the relay time at
func NewClockEvent(msg ControlMessage, at time.Time) ClockEvent {
	return ClockEvent{
		Type: msg.Type,
		BPM:  msg.BPM,
		T:    FormatTimestamp(at),
	}
}

// FormatTimestamp renders t in UTC using TimestampLayout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
