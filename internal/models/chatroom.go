package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ChatRoom is the audit row of a 1-on-1 room.
// It records who was paired and for how long; message content is never stored.
type ChatRoom struct {
	// RoomID is the unique identifier for the chat room (UUID).
	RoomID string `gorm:"primaryKey" json:"room_id"`
	// Participants holds the two user ids paired in the room.
	Participants pq.StringArray `gorm:"type:text[]" json:"participants"`
	// InstanceID is the relay instance that created the room.
	InstanceID string `gorm:"index" json:"instance_id"`
	// IsActive is false once the last participant has left.
	IsActive  bool       `gorm:"index" json:"is_active"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// BeforeCreate fills in a RoomID when the caller did not supply one.
func (r *ChatRoom) BeforeCreate(tx *gorm.DB) (err error) {
	if r.RoomID == "" {
		r.RoomID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	return
}

// NewChatRoom converts a live room into its audit row.
func NewChatRoom(room *Room, instanceID string) *ChatRoom {
	participants := make(pq.StringArray, len(room.Participants))
	copy(participants, room.Participants)
	return &ChatRoom{
		RoomID:       room.RoomID,
		Participants: participants,
		InstanceID:   instanceID,
		IsActive:     true,
		StartedAt:    room.CreatedAt,
	}
}
