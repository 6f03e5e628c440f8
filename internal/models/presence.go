package models

import "time"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Presence is the liveness record of a user as seen by this instance.
type Presence struct {
	UserID     string    `json:"userId"`
	Status     string    `json:"status"`
	LastActive time.Time `json:"lastActive"`
}

// UserStatus is the user:status payload broadcast to every connected client.
type UserStatus struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// PresenceEvent is the cross-instance form of a presence change.
// Origin is the instance id that produced it, so an instance can skip its own events.
type PresenceEvent struct {
	Origin string `json:"origin"`
	UserStatus
}

// WaitingEntry is a user seeking a match together with the opaque preferences it sent.
type WaitingEntry struct {
	UserID      string
	Preferences []byte
	EnqueuedAt  time.Time
}

// Room is the in-memory pairing of exactly two users.
type Room struct {
	RoomID       string
	Participants []string
	CreatedAt    time.Time
}

// Has reports whether userID is a current participant.
func (r *Room) Has(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
