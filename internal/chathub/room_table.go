package chathub

import (
	"fmt"

	"pairchat/backend/internal/models"
)

// RoomTable maps room ids to their participants. A user is a participant of at most one room.
type RoomTable struct {
	rooms  map[string]*models.Room
	byUser map[string]string
}

func NewRoomTable() *RoomTable {
	return &RoomTable{
		rooms:  make(map[string]*models.Room),
		byUser: make(map[string]string),
	}
}

// Insert registers a freshly paired room.
func (t *RoomTable) Insert(room *models.Room) error {
	if room.RoomID == "" || len(room.Participants) != 2 || room.Participants[0] == room.Participants[1] {
		return fmt.Errorf("%w: a room needs an id and two distinct participants", ErrMalformed)
	}
	if _, exists := t.rooms[room.RoomID]; exists {
		return fmt.Errorf("room %s already exists", room.RoomID)
	}
	for _, id := range room.Participants {
		if current, in := t.byUser[id]; in {
			return fmt.Errorf("%w: %s is in room %s", ErrAlreadyInRoom, id, current)
		}
	}

	t.rooms[room.RoomID] = room
	for _, id := range room.Participants {
		t.byUser[id] = room.RoomID
	}
	return nil
}

// Remove takes userID out of roomID. ok is false when the room is unknown or userID is not
// in it. deleted reports that the room became empty and was dropped.
func (t *RoomTable) Remove(userID, roomID string) (remaining []string, deleted, ok bool) {
	room, exists := t.rooms[roomID]
	if !exists || !room.Has(userID) {
		return nil, false, false
	}

	kept := room.Participants[:0]
	for _, id := range room.Participants {
		if id != userID {
			kept = append(kept, id)
		}
	}
	room.Participants = kept
	delete(t.byUser, userID)

	if len(kept) == 0 {
		delete(t.rooms, roomID)
		return nil, true, true
	}
	return append([]string(nil), kept...), false, true
}

// Drop deletes a room outright, used to undo a pairing that could not be delivered.
func (t *RoomTable) Drop(roomID string) {
	room, ok := t.rooms[roomID]
	if !ok {
		return
	}
	for _, id := range room.Participants {
		if t.byUser[id] == roomID {
			delete(t.byUser, id)
		}
	}
	delete(t.rooms, roomID)
}

// Participants returns a copy of the current participants, empty for unknown rooms.
func (t *RoomTable) Participants(roomID string) []string {
	room, ok := t.rooms[roomID]
	if !ok {
		return []string{}
	}
	return append([]string{}, room.Participants...)
}

// RoomOf returns the room userID currently participates in.
func (t *RoomTable) RoomOf(userID string) (string, bool) {
	id, ok := t.byUser[userID]
	return id, ok
}

func (t *RoomTable) Get(roomID string) (*models.Room, bool) {
	room, ok := t.rooms[roomID]
	return room, ok
}

func (t *RoomTable) Len() int { return len(t.rooms) }
