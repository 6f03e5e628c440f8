package chathub

import (
	"context"

	"pairchat/backend/internal/models"
)

// subscribePresence streams presence changes published by every relay instance.
// A nil channel (no storage, or no Redis behind it) simply never fires in Run's select.
func (m *ManagerService) subscribePresence(ctx context.Context) <-chan models.PresenceEvent {
	if m.Storage == nil {
		return nil
	}
	return m.Storage.SubscribePresence(ctx)
}

// handleRemotePresence re-broadcasts another instance's presence change to local clients.
// Our own changes were already broadcast locally when they happened.
func (m *ManagerService) handleRemotePresence(ev models.PresenceEvent) {
	if ev.Origin == m.InstanceID || ev.UserID == "" {
		return
	}
	m.broadcast(models.NewEvent(models.EventUserStatus, ev.UserStatus))
}
