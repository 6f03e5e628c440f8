package chathub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pairchat/backend/internal/config"
	"pairchat/backend/internal/logx"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/storage"

	"github.com/rs/zerolog"
)

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int `json:"connections"`
	Identified  int `json:"identified"`
	Waiting     int `json:"waiting"`
	Rooms       int `json:"rooms"`
}

// ManagerService is the single goroutine that owns the connection registry, the waiting pool
// and the room table. Every client event, connect and disconnect is applied by Run in arrival order.
type ManagerService struct {
	RegisterCh   chan Client
	UnregisterCh chan Client
	IncomingCh   chan Inbound

	Storage    storage.Storage
	InstanceID string
	Config     config.HubConfig

	Matcher *MatcherService
	Relay   *Relay

	sessions map[Client]*session
	registry *registry
	rooms    *RoomTable

	statsReq  chan chan Stats
	persistCh chan persistJob
	slow      []*session
	done      chan struct{}

	now func() time.Time
	log zerolog.Logger
}

// NewManagerService builds a hub. s may be nil, in which case nothing is persisted.
func NewManagerService(s storage.Storage, cfg config.HubConfig, instanceID string) *ManagerService {
	m := &ManagerService{
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		IncomingCh:   make(chan Inbound),
		Storage:      s,
		InstanceID:   instanceID,
		Config:       cfg,
		sessions:     make(map[Client]*session),
		registry:     newRegistry(),
		rooms:        NewRoomTable(),
		statsReq:     make(chan chan Stats),
		persistCh:    make(chan persistJob, max(cfg.PersistBuffer, 1)),
		done:         make(chan struct{}),
		now:          time.Now,
		log:          logx.Component("hub"),
	}
	m.Relay = newRelay(m.registry, m.rooms, m.markSlow, m.log)
	m.Matcher = newMatcherService(NewWaitingPool(), m.rooms, m.registry, m.Relay, m.log)
	return m
}

// Done is closed once Run has returned.
func (m *ManagerService) Done() <-chan struct{} { return m.done }

// Register hands a new connection to the hub. It returns false if the hub has stopped.
func (m *ManagerService) Register(c Client) bool {
	select {
	case m.RegisterCh <- c:
		return true
	case <-m.done:
		return false
	}
}

// Unregister reports a closed connection. Safe to call more than once.
func (m *ManagerService) Unregister(c Client) {
	select {
	case m.UnregisterCh <- c:
	case <-m.done:
	}
}

// Deliver hands an inbound event to the hub. It returns false if the hub has stopped.
func (m *ManagerService) Deliver(in Inbound) bool {
	select {
	case m.IncomingCh <- in:
		return true
	case <-m.done:
		return false
	}
}

// Stats asks the hub loop for a snapshot.
func (m *ManagerService) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case m.statsReq <- reply:
	case <-m.done:
		return Stats{}, errors.New("hub stopped")
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Run processes events until ctx is cancelled, then closes every connection.
func (m *ManagerService) Run(ctx context.Context) {
	defer close(m.done)
	m.log.Info().Str("instance", m.InstanceID).Msg("hub started")

	go m.runPersister(ctx)
	remote := m.subscribePresence(ctx)

	var statsC <-chan time.Time
	if m.Config.StatsInterval > 0 {
		ticker := time.NewTicker(m.Config.StatsInterval)
		defer ticker.Stop()
		statsC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return

		case c := <-m.RegisterCh:
			m.handleConnect(c)

		case c := <-m.UnregisterCh:
			if s, ok := m.sessions[c]; ok {
				m.disconnect(s)
			}

		case in := <-m.IncomingCh:
			m.handleInbound(in)

		case ev, ok := <-remote:
			if !ok {
				remote = nil
				continue
			}
			m.handleRemotePresence(ev)

		case reply := <-m.statsReq:
			reply <- m.snapshot()

		case <-statsC:
			st := m.snapshot()
			m.log.Info().Int("connections", st.Connections).Int("identified", st.Identified).
				Int("waiting", st.Waiting).Int("rooms", st.Rooms).Msg("hub stats")
		}
		m.flushSlow()
	}
}

func (m *ManagerService) snapshot() Stats {
	return Stats{
		Connections: len(m.sessions),
		Identified:  m.registry.len(),
		Waiting:     m.Matcher.Pool.Len(),
		Rooms:       m.rooms.Len(),
	}
}

func (m *ManagerService) shutdown() {
	for _, s := range m.sessions {
		s.closed = true
		s.client.Close()
	}
	m.sessions = make(map[Client]*session)
	m.log.Info().Msg("hub stopped")
}

func (m *ManagerService) markSlow(s *session) {
	m.slow = append(m.slow, s)
}

// flushSlow disconnects clients whose send buffer overflowed. It runs after the current
// operation so cleanup never interleaves with a half-applied pairing or relay.
func (m *ManagerService) flushSlow() {
	for len(m.slow) > 0 {
		s := m.slow[0]
		m.slow = m.slow[1:]
		if !s.closed {
			m.disconnect(s)
		}
	}
}

func (m *ManagerService) handleConnect(c Client) {
	s := newSession(c)
	m.sessions[c] = s
	m.Relay.send(s, models.NewEvent(models.EventConnectionEstablished, models.ConnectionEstablished{
		ConnectionID: s.connID,
	}))
	m.log.Debug().Str("conn", s.connID).Msg("client connected")

	if userID := c.GetUserID(); userID != "" {
		m.reply(s, m.join(s, userID))
	}
}

// disconnect is the cleanup path for a closed, replaced-and-closed or slow connection.
// It runs at most once per session.
func (m *ManagerService) disconnect(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	delete(m.sessions, s.client)

	last, owned := m.registry.unregister(s)
	userID := last.UserID
	roomIDs := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		roomIDs = append(roomIDs, roomID)
	}

	if owned {
		if m.Matcher.Cancel(userID) {
			m.persist("remove search entry", func(st storage.Storage) error {
				return st.RemoveUserFromSearchQueue(userID)
			})
		}
		for _, roomID := range roomIDs {
			m.leaveRoom(s, userID, roomID)
		}
		m.setPresence(userID, models.StatusOffline, last.LastActive)
	} else {
		for _, roomID := range roomIDs {
			m.Relay.dropScope(roomID, s)
		}
	}

	s.client.Close()
	m.log.Debug().Str("conn", s.connID).Str("user", userID).Msg("client disconnected")
}

func (m *ManagerService) leaveRoom(s *session, userID, roomID string) {
	deleted, _ := m.Relay.Leave(s, userID, roomID)
	if deleted {
		m.persist("close room", func(st storage.Storage) error {
			return st.CloseRoom(roomID)
		})
	}
}

// join binds s to userID. A different live connection for the same user is displaced and
// its room scopes and waiting entry carry over to s.
func (m *ManagerService) join(s *session, userID string) error {
	if s.identified() {
		if s.userID != userID {
			return ErrAlreadyIdentified
		}
		m.Relay.send(s, models.NewEvent(models.EventUserJoinSuccess, models.UserRef{UserID: userID}))
		return nil
	}

	if prev := m.registry.register(userID, s, m.now()); prev != nil {
		m.Relay.transferScopes(prev, s)
		prev.userID = ""
		m.Relay.send(prev, models.NewEvent(models.EventError, models.ErrorPayload{Message: ErrSessionReplaced.Error()}))
		m.log.Info().Str("user", userID).Str("old_conn", prev.connID).Str("conn", s.connID).
			Msg("connection replaced")
	}
	s.userID = userID

	m.Relay.send(s, models.NewEvent(models.EventUserJoinSuccess, models.UserRef{UserID: userID}))
	m.setPresence(userID, models.StatusOnline, m.now())
	m.log.Info().Str("user", userID).Str("conn", s.connID).Msg("user joined")
	return nil
}

// setPresence broadcasts a status change to local clients and mirrors it for other instances.
// lastActive is the user's most recent inbound activity.
func (m *ManagerService) setPresence(userID, status string, lastActive time.Time) {
	st := models.UserStatus{UserID: userID, Status: status}
	m.broadcast(models.NewEvent(models.EventUserStatus, st))

	p := models.Presence{UserID: userID, Status: status, LastActive: lastActive}
	m.persist("presence", func(s storage.Storage) error {
		if err := s.SetPresence(p); err != nil {
			return err
		}
		return s.PublishPresence(models.PresenceEvent{Origin: m.InstanceID, UserStatus: st})
	})
}

func (m *ManagerService) broadcast(ev models.Event) {
	for _, s := range m.sessions {
		m.Relay.send(s, ev)
	}
}

func (m *ManagerService) reply(s *session, err error) {
	if err == nil {
		return
	}
	m.Relay.send(s, models.NewEvent(models.EventError, models.ErrorPayload{Message: err.Error()}))
}

func (m *ManagerService) handleInbound(in Inbound) {
	s, ok := m.sessions[in.Client]
	if !ok {
		// Event raced with the connection's cleanup.
		return
	}
	if in.Err != nil {
		m.reply(s, in.Err)
		return
	}
	if m.stateOf(s) != StateConnected {
		m.registry.touch(s.userID, m.now())
	}

	m.reply(s, m.dispatch(s, in.Event))
}

func (m *ManagerService) dispatch(s *session, ev models.Event) error {
	switch ev.Type {
	case models.EventUserJoin:
		userID, ok := models.ParseUserRef(ev.Payload)
		if !ok {
			return fmt.Errorf("%w: user:join needs a userId", ErrMalformed)
		}
		return m.join(s, userID)

	case models.EventMatchRequest:
		return m.onMatchRequest(s, ev.Payload)

	case models.EventMatchCancel:
		return m.onMatchCancel(s, ev.Payload)

	case models.EventRoomParticipants:
		var ref models.RoomRef
		if err := json.Unmarshal(ev.Payload, &ref); err != nil || ref.RoomID == "" {
			return fmt.Errorf("%w: room:participants needs a roomId", ErrMalformed)
		}
		m.Relay.send(s, models.NewEvent(models.EventRoomParticipants, models.Participants{
			Participants: m.Relay.Participants(ref.RoomID),
		}))
		return nil

	case models.EventSignal:
		var env models.SignalEnvelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil || env.TargetUserID == "" || !hasValue(env.Payload) {
			return fmt.Errorf("%w: signal needs a userId and a signal", ErrMalformed)
		}
		if !s.identified() {
			return ErrNotIdentified
		}
		return m.Relay.RelaySignal(s, env)

	case models.EventMessageSend:
		var req models.SendRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil || req.RoomID == "" || req.Message == nil {
			return fmt.Errorf("%w: message:send needs a roomId and a message", ErrMalformed)
		}
		if !s.identified() {
			return ErrNotIdentified
		}
		m.Relay.RelayMessage(s, req.RoomID, *req.Message)
		return nil

	case models.EventChatLeave:
		var req models.LeaveRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil || req.UserID == "" || req.RoomID == "" {
			return fmt.Errorf("%w: chat:leave needs a userId and a roomId", ErrMalformed)
		}
		if !s.identified() {
			return ErrNotIdentified
		}
		if req.UserID != s.userID {
			return ErrUserMismatch
		}
		if m.stateOf(s) == StateInRoom {
			m.leaveRoom(s, req.UserID, req.RoomID)
		}
		m.Relay.send(s, models.NewEvent(models.EventChatLeft, models.Ack{Success: true}))
		return nil

	case models.EventPing:
		m.Relay.send(s, models.NewEvent(models.EventPong, models.Pong{Timestamp: m.now().UnixMilli()}))
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

func (m *ManagerService) onMatchRequest(s *session, payload json.RawMessage) error {
	var req models.MatchRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.UserID == "" {
		return fmt.Errorf("%w: match:request needs a userId", ErrMalformed)
	}
	if !s.identified() {
		return ErrNotIdentified
	}
	if req.UserID != s.userID {
		return ErrUserMismatch
	}

	var prefs []byte
	if len(req.Preferences) > 0 {
		prefs = append([]byte(nil), req.Preferences...)
	}

	res, err := m.Matcher.Request(req.UserID, prefs)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case MatchWaiting:
		m.persist("add search entry", func(st storage.Storage) error {
			return st.AddUserToSearchQueue(req.UserID)
		})
	case MatchPaired:
		record := models.NewChatRoom(res.Room, m.InstanceID)
		m.persist("save room", func(st storage.Storage) error {
			for _, id := range record.Participants {
				if err := st.RemoveUserFromSearchQueue(id); err != nil {
					return err
				}
			}
			return st.SaveRoom(record)
		})
	case MatchRolledBack:
		requeued := res.Requeued
		m.persist("requeue search entries", func(st storage.Storage) error {
			for _, id := range requeued {
				if err := st.AddUserToSearchQueue(id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return nil
}

func (m *ManagerService) onMatchCancel(s *session, payload json.RawMessage) error {
	userID, ok := models.ParseUserRef(payload)
	if !ok {
		return fmt.Errorf("%w: match:cancel needs a userId", ErrMalformed)
	}
	if !s.identified() {
		return ErrNotIdentified
	}
	if userID != s.userID {
		return ErrUserMismatch
	}

	if m.stateOf(s) == StateWaiting && m.Matcher.Cancel(userID) {
		m.persist("remove search entry", func(st storage.Storage) error {
			return st.RemoveUserFromSearchQueue(userID)
		})
	}
	m.Relay.send(s, models.NewEvent(models.EventMatchCancelled, models.Ack{Success: true}))
	return nil
}

// hasValue reports whether a raw JSON field was present and not null.
func hasValue(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}
