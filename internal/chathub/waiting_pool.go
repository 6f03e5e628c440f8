package chathub

import (
	"time"

	"pairchat/backend/internal/models"
)

// WaitingPool is the ordered set of users waiting for a partner.
// Order is first-enqueue order; re-enqueueing a waiting user keeps its position.
type WaitingPool struct {
	order   []string
	entries map[string]*models.WaitingEntry
}

// NewWaitingPool creates an empty pool.
func NewWaitingPool() *WaitingPool {
	return &WaitingPool{entries: make(map[string]*models.WaitingEntry)}
}

// Enqueue adds userID, or refreshes its preferences if it is already waiting.
// It reports whether the user was newly added.
func (p *WaitingPool) Enqueue(userID string, prefs []byte, now time.Time) bool {
	if e, ok := p.entries[userID]; ok {
		e.Preferences = prefs
		return false
	}
	p.entries[userID] = &models.WaitingEntry{UserID: userID, Preferences: prefs, EnqueuedAt: now}
	p.order = append(p.order, userID)
	return true
}

// DequeueIfPresent removes userID and reports whether it was waiting.
func (p *WaitingPool) DequeueIfPresent(userID string) bool {
	if _, ok := p.entries[userID]; !ok {
		return false
	}
	delete(p.entries, userID)
	for i, id := range p.order {
		if id == userID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// Candidates returns the waiting users other than excluding, oldest first.
func (p *WaitingPool) Candidates(excluding string) []string {
	out := make([]string, 0, len(p.order))
	for _, id := range p.order {
		if id != excluding {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a copy of the entry for userID.
func (p *WaitingPool) Get(userID string) (models.WaitingEntry, bool) {
	e, ok := p.entries[userID]
	if !ok {
		return models.WaitingEntry{}, false
	}
	return *e, true
}

func (p *WaitingPool) Has(userID string) bool {
	_, ok := p.entries[userID]
	return ok
}

func (p *WaitingPool) Len() int { return len(p.order) }
