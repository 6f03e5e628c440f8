package chathub

import (
	"time"

	"pairchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Relay delivers room traffic and point-to-point signaling. It owns the delivery scopes:
// the set of sessions that receive a room's broadcasts.
type Relay struct {
	registry *registry
	rooms    *RoomTable
	scopes   map[string]map[*session]struct{}

	onSlow func(*session)
	now    func() time.Time
	log    zerolog.Logger
}

func newRelay(reg *registry, rooms *RoomTable, onSlow func(*session), log zerolog.Logger) *Relay {
	return &Relay{
		registry: reg,
		rooms:    rooms,
		scopes:   make(map[string]map[*session]struct{}),
		onSlow:   onSlow,
		now:      time.Now,
		log:      log,
	}
}

// send queues ev for s without blocking. A full buffer hands s to onSlow and drops ev.
func (r *Relay) send(s *session, ev models.Event) bool {
	if s.closed || s.slow {
		return false
	}
	select {
	case s.client.GetSendChannel() <- ev:
		return true
	default:
		r.log.Warn().Str("conn", s.connID).Str("user", s.userID).Str("event", ev.Type).
			Msg("send buffer full, dropping slow client")
		s.slow = true
		if r.onSlow != nil {
			r.onSlow(s)
		}
		return false
	}
}

func (r *Relay) joinScope(roomID string, s *session) {
	scope, ok := r.scopes[roomID]
	if !ok {
		scope = make(map[*session]struct{})
		r.scopes[roomID] = scope
	}
	scope[s] = struct{}{}
	s.rooms[roomID] = struct{}{}
}

func (r *Relay) dropScope(roomID string, s *session) {
	delete(s.rooms, roomID)
	if scope, ok := r.scopes[roomID]; ok {
		delete(scope, s)
		if len(scope) == 0 {
			delete(r.scopes, roomID)
		}
	}
}

// transferScopes moves every scope membership of from onto to. Used when a newer connection
// takes over a user.
func (r *Relay) transferScopes(from, to *session) {
	for roomID := range from.rooms {
		r.dropScope(roomID, from)
		r.joinScope(roomID, to)
	}
}

// Leave removes userID from roomID and takes s out of the room's delivery scope.
// The remaining participant gets user:left. ok is false for a stale room, which is a no-op.
func (r *Relay) Leave(s *session, userID, roomID string) (deleted, ok bool) {
	r.dropScope(roomID, s)

	_, deleted, ok = r.rooms.Remove(userID, roomID)
	if !ok {
		return false, false
	}

	left := models.NewEvent(models.EventUserLeft, userID)
	for peer := range r.scopes[roomID] {
		r.send(peer, left)
	}
	if deleted {
		delete(r.scopes, roomID)
	}

	r.log.Info().Str("room", roomID).Str("user", userID).Bool("closed", deleted).Msg("user left room")
	return deleted, true
}

// RelaySignal forwards an opaque signaling payload to the target's live connection,
// tagged with the sender's user id.
func (r *Relay) RelaySignal(from *session, env models.SignalEnvelope) error {
	target, ok := r.registry.lookup(env.TargetUserID)
	if !ok {
		return ErrTargetNotFound
	}
	r.send(target, models.NewEvent(models.EventSignal, models.ForwardedSignal{
		UserID: from.userID,
		Signal: env.Payload,
	}))
	return nil
}

// RelayMessage broadcasts msg to every connection in the room's scope, the sender included.
// It returns how many connections the message was queued for. Senders outside the scope
// and stale rooms are ignored.
func (r *Relay) RelayMessage(from *session, roomID string, msg models.ChatMessage) int {
	scope := r.scopes[roomID]
	if _, member := scope[from]; !member {
		r.log.Debug().Str("room", roomID).Str("user", from.userID).Msg("message for a room the sender is not in")
		return 0
	}

	msg.SenderID = from.userID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now().UTC()
	}

	ev := models.NewEvent(models.EventMessageReceived, msg)
	delivered := 0
	for peer := range scope {
		if r.send(peer, ev) {
			delivered++
		}
	}
	return delivered
}

// Participants returns the current participant ids of roomID, empty if the room is unknown.
func (r *Relay) Participants(roomID string) []string {
	return r.rooms.Participants(roomID)
}
