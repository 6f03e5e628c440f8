package models

import (
	"encoding/json"
	"time"
)

// Event types accepted from clients.
const (
	EventUserJoin         = "user:join"
	EventMatchRequest     = "match:request"
	EventMatchCancel      = "match:cancel"
	EventRoomParticipants = "room:participants"
	EventSignal           = "signal"
	EventMessageSend      = "message:send"
	EventChatLeave        = "chat:leave"
	EventPing             = "ping"
)

// Event types emitted by the relay.
const (
	EventConnectionEstablished = "connection:established"
	EventUserJoinSuccess       = "user:join:success"
	EventUserStatus            = "user:status"
	EventMatchWaiting          = "match:waiting"
	EventMatchSuccess          = "match:success"
	EventMatchCancelled        = "match:cancelled"
	EventMessageReceived       = "message:received"
	EventUserLeft              = "user:left"
	EventChatLeft              = "chat:left"
	EventPong                  = "pong"
	EventError                 = "error"
)

// Event is the envelope of every websocket frame in both directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an outbound event, marshalling payload when it is not nil.
func NewEvent(eventType string, payload any) Event {
	ev := Event{Type: eventType}
	if payload == nil {
		return ev
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are built from our own structs; a failure here is a programming error.
		data, _ = json.Marshal(ErrorPayload{Message: "internal encoding error"})
		ev.Type = EventError
	}
	ev.Payload = data
	return ev
}

// ChatMessage is a transient chat line relayed between the two participants of a room.
type ChatMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"isRead"`
}

// SignalEnvelope carries an opaque handshake payload for a single target.
type SignalEnvelope struct {
	TargetUserID string          `json:"userId"`
	Payload      json.RawMessage `json:"signal"`
}

// MatchRequest is the payload of match:request.
type MatchRequest struct {
	UserID      string          `json:"userId"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// RoomRef is the payload of room:participants.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// LeaveRequest is the payload of chat:leave.
type LeaveRequest struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// SendRequest is the payload of message:send.
type SendRequest struct {
	RoomID  string       `json:"roomId"`
	Message *ChatMessage `json:"message"`
}

// Outbound payloads.

type ConnectionEstablished struct {
	ConnectionID string `json:"connectionId"`
}

type UserRef struct {
	UserID string `json:"userId"`
}

type MatchSuccess struct {
	RoomID       string   `json:"roomId"`
	Participants []string `json:"participants"`
}

type Participants struct {
	Participants []string `json:"participants"`
}

type ForwardedSignal struct {
	UserID string          `json:"userId"`
	Signal json.RawMessage `json:"signal"`
}

type Ack struct {
	Success bool `json:"success"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ParseUserRef accepts either a bare JSON string ("abc") or an object ({"userId":"abc"}),
// since clients send both shapes for user:join and match:cancel.
func ParseUserRef(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, id != ""
	}
	var ref UserRef
	if err := json.Unmarshal(raw, &ref); err == nil {
		return ref.UserID, ref.UserID != ""
	}
	return "", false
}
