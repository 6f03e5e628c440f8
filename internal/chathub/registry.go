package chathub

import (
	"time"

	"pairchat/backend/internal/models"
)

// registry binds identified users to their live session. Last writer wins.
type registry struct {
	byUser   map[string]*session
	presence map[string]models.Presence
}

func newRegistry() *registry {
	return &registry{
		byUser:   make(map[string]*session),
		presence: make(map[string]models.Presence),
	}
}

// register binds userID to s and returns the session it displaced, if any.
func (r *registry) register(userID string, s *session, now time.Time) *session {
	prev := r.byUser[userID]
	r.byUser[userID] = s
	r.presence[userID] = models.Presence{UserID: userID, Status: models.StatusOnline, LastActive: now}
	if prev == s {
		return nil
	}
	return prev
}

// unregister removes the binding held by s and returns the user's final presence record.
// It reports ok only when s still owned the binding; a session displaced by a newer
// connection owns nothing.
func (r *registry) unregister(s *session) (models.Presence, bool) {
	for userID, owner := range r.byUser {
		if owner == s {
			p := r.presence[userID]
			delete(r.byUser, userID)
			delete(r.presence, userID)
			return p, true
		}
	}
	return models.Presence{}, false
}

func (r *registry) lookup(userID string) (*session, bool) {
	s, ok := r.byUser[userID]
	return s, ok
}

// touch refreshes the liveness timestamp of an online user.
func (r *registry) touch(userID string, now time.Time) {
	if p, ok := r.presence[userID]; ok {
		p.LastActive = now
		r.presence[userID] = p
	}
}

func (r *registry) len() int { return len(r.byUser) }
