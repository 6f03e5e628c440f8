package chathub

import (
	"fmt"
	"time"

	"pairchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MatchOutcome tells the hub what a match request ended in.
type MatchOutcome int

const (
	// MatchIgnored means the requester had no live connection; nothing changed.
	MatchIgnored MatchOutcome = iota
	// MatchWaiting means the requester is in the pool with no partner yet.
	MatchWaiting
	// MatchPaired means a room was created and both sides were notified.
	MatchPaired
	// MatchRolledBack means a pairing was undone because a side had no live connection.
	MatchRolledBack
)

// MatchResult is what Request did.
type MatchResult struct {
	Outcome MatchOutcome
	Room    *models.Room
	// Requeued lists users put back into the pool by a rollback.
	Requeued []string
}

// MatcherService pairs waiting users first-come first-served. It is driven synchronously
// by the hub loop, so a request observes and mutates the pool and room table atomically.
type MatcherService struct {
	Pool *WaitingPool

	rooms    *RoomTable
	registry *registry
	relay    *Relay

	newRoomID func() string
	now       func() time.Time
	log       zerolog.Logger
}

func newMatcherService(pool *WaitingPool, rooms *RoomTable, reg *registry, relay *Relay, log zerolog.Logger) *MatcherService {
	return &MatcherService{
		Pool:      pool,
		rooms:     rooms,
		registry:  reg,
		relay:     relay,
		newRoomID: uuid.NewString,
		now:       time.Now,
		log:       log,
	}
}

// Request enqueues userID and pairs it with the oldest other waiting user, if any.
func (m *MatcherService) Request(userID string, prefs []byte) (MatchResult, error) {
	if roomID, in := m.rooms.RoomOf(userID); in {
		return MatchResult{}, fmt.Errorf("%w (room %s)", ErrAlreadyInRoom, roomID)
	}
	requester, live := m.registry.lookup(userID)
	if !live {
		m.log.Warn().Str("user", userID).Msg("match request for a user without a live connection")
		return MatchResult{Outcome: MatchIgnored}, nil
	}

	// 1. Enqueue (keeps position if already waiting)
	m.Pool.Enqueue(userID, prefs, m.now())

	// 2. Oldest other waiting user
	candidates := m.Pool.Candidates(userID)
	if len(candidates) == 0 {
		m.relay.send(requester, models.NewEvent(models.EventMatchWaiting, nil))
		m.log.Debug().Str("user", userID).Int("waiting", m.Pool.Len()).Msg("no partner yet")
		return MatchResult{Outcome: MatchWaiting}, nil
	}
	partnerID := candidates[0]

	// 3. Create the room and take both out of the pool
	room := &models.Room{
		RoomID:       m.newRoomID(),
		Participants: []string{userID, partnerID},
		CreatedAt:    m.now(),
	}
	if err := m.rooms.Insert(room); err != nil {
		return MatchResult{}, err
	}
	requesterEntry, _ := m.Pool.Get(userID)
	partnerEntry, _ := m.Pool.Get(partnerID)
	m.Pool.DequeueIfPresent(userID)
	m.Pool.DequeueIfPresent(partnerID)

	// 4. Both sides must still be live, otherwise undo
	a, okA := m.registry.lookup(userID)
	b, okB := m.registry.lookup(partnerID)
	if !okA || !okB {
		m.rooms.Drop(room.RoomID)
		var requeued []string
		if okA {
			m.Pool.Enqueue(userID, requesterEntry.Preferences, m.now())
			requeued = append(requeued, userID)
		}
		if okB {
			m.Pool.Enqueue(partnerID, partnerEntry.Preferences, m.now())
			requeued = append(requeued, partnerID)
		}
		m.log.Warn().Str("room", room.RoomID).Strs("requeued", requeued).Msg("pairing rolled back")
		return MatchResult{Outcome: MatchRolledBack, Requeued: requeued}, nil
	}

	// 5. Join scopes and notify
	m.relay.joinScope(room.RoomID, a)
	m.relay.joinScope(room.RoomID, b)

	success := models.NewEvent(models.EventMatchSuccess, models.MatchSuccess{
		RoomID:       room.RoomID,
		Participants: []string{userID, partnerID},
	})
	m.relay.send(a, success)
	m.relay.send(b, success)

	m.log.Info().Str("room", room.RoomID).Str("user_a", userID).Str("user_b", partnerID).Msg("match found")
	return MatchResult{Outcome: MatchPaired, Room: room}, nil
}

// Cancel takes userID out of the pool. It reports whether the user was waiting.
func (m *MatcherService) Cancel(userID string) bool {
	removed := m.Pool.DequeueIfPresent(userID)
	if removed {
		m.log.Debug().Str("user", userID).Msg("match cancelled")
	}
	return removed
}
