package chathub_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/config"
	"pairchat/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorage is a testify mock of storage.Storage.
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) SaveRoom(room *models.ChatRoom) error {
	args := m.Called(room)
	return args.Error(0)
}

func (m *MockStorage) CloseRoom(roomID string) error {
	args := m.Called(roomID)
	return args.Error(0)
}

func (m *MockStorage) CloseStaleRooms(instanceID string) (int64, error) {
	args := m.Called(instanceID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) GetActiveRooms() ([]models.ChatRoom, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatRoom), args.Error(1)
}

func (m *MockStorage) SetPresence(p models.Presence) error {
	args := m.Called(p)
	return args.Error(0)
}

func (m *MockStorage) GetPresence(userID string) (*models.Presence, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Presence), args.Error(1)
}

func (m *MockStorage) PublishPresence(ev models.PresenceEvent) error {
	args := m.Called(ev)
	return args.Error(0)
}

func (m *MockStorage) SubscribePresence(ctx context.Context) <-chan models.PresenceEvent {
	args := m.Called(ctx)
	ch, _ := args.Get(0).(<-chan models.PresenceEvent)
	return ch
}

func (m *MockStorage) AddUserToSearchQueue(userID string) error {
	args := m.Called(userID)
	return args.Error(0)
}

func (m *MockStorage) RemoveUserFromSearchQueue(userID string) error {
	args := m.Called(userID)
	return args.Error(0)
}

func (m *MockStorage) GetSearchingUsers() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStorage) CloseStaleMirror(instanceID string) (int64, error) {
	args := m.Called(instanceID)
	return args.Get(0).(int64), args.Error(1)
}

// allowAll makes every storage call succeed without asserting on it.
func (m *MockStorage) allowAll(presence <-chan models.PresenceEvent) *MockStorage {
	m.On("SubscribePresence", mock.Anything).Return(presence).Maybe()
	m.On("SaveRoom", mock.Anything).Return(nil).Maybe()
	m.On("CloseRoom", mock.Anything).Return(nil).Maybe()
	m.On("SetPresence", mock.Anything).Return(nil).Maybe()
	m.On("PublishPresence", mock.Anything).Return(nil).Maybe()
	m.On("AddUserToSearchQueue", mock.Anything).Return(nil).Maybe()
	m.On("RemoveUserFromSearchQueue", mock.Anything).Return(nil).Maybe()
	return m
}

// MockClient is a channel-backed chathub.Client.
type MockClient struct {
	ConnID string
	UserID string
	Send   chan models.Event

	mu     sync.Mutex
	closed bool
	closes int
}

func newMockClient(connID string) *MockClient {
	return newMockClientBuffered(connID, 64)
}

func newMockClientBuffered(connID string, buffer int) *MockClient {
	return &MockClient{ConnID: connID, Send: make(chan models.Event, buffer)}
}

func (c *MockClient) GetConnID() string                   { return c.ConnID }
func (c *MockClient) GetUserID() string                   { return c.UserID }
func (c *MockClient) GetSendChannel() chan<- models.Event { return c.Send }
func (c *MockClient) Run()                                {}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *MockClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// next waits for the next event, failing the test after a second.
func (c *MockClient) next(t *testing.T) models.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Send:
		require.True(t, ok, "send channel of %s closed", c.ConnID)
		return ev
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for event", "client %s", c.ConnID)
		return models.Event{}
	}
}

// expect waits for the next event and checks its type.
func (c *MockClient) expect(t *testing.T, eventType string) models.Event {
	t.Helper()
	ev := c.next(t)
	require.Equal(t, eventType, ev.Type, "payload: %s", ev.Payload)
	return ev
}

// drain discards everything currently buffered.
func (c *MockClient) drain() {
	for {
		select {
		case _, ok := <-c.Send:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// assertQuiet checks that nothing else is buffered for the client.
func (c *MockClient) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case ev, ok := <-c.Send:
		if ok {
			require.FailNow(t, "unexpected event", "%s %s", ev.Type, ev.Payload)
		}
	default:
	}
}

func testHubConfig() config.HubConfig {
	cfg := config.DefaultHubConfig()
	cfg.StatsInterval = 0
	return cfg
}

// startHub runs a hub with storage mocked out and stops it with the test.
func startHub(t *testing.T, st *MockStorage) *chathub.ManagerService {
	t.Helper()
	return startHubWith(t, st, testHubConfig(), "instance-test")
}

func startHubWith(t *testing.T, st *MockStorage, cfg config.HubConfig, instanceID string) *chathub.ManagerService {
	t.Helper()
	hub := chathub.NewManagerService(st, cfg, instanceID)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub
}

func event(t *testing.T, eventType string, payload any) models.Event {
	t.Helper()
	ev := models.Event{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		ev.Payload = data
	}
	return ev
}

// send delivers a client event and waits until the hub has taken it.
func send(t *testing.T, hub *chathub.ManagerService, c chathub.Client, eventType string, payload any) {
	t.Helper()
	require.True(t, hub.Deliver(chathub.Inbound{Client: c, Event: event(t, eventType, payload)}))
}

// connect registers a client and consumes its handshake.
func connect(t *testing.T, hub *chathub.ManagerService, connID string) *MockClient {
	t.Helper()
	c := newMockClient(connID)
	require.True(t, hub.Register(c))
	c.expect(t, models.EventConnectionEstablished)
	return c
}

// join connects a client and identifies it, then clears presence noise from every client.
func join(t *testing.T, hub *chathub.ManagerService, userID string, others ...*MockClient) *MockClient {
	t.Helper()
	c := connect(t, hub, "conn-"+userID)
	send(t, hub, c, models.EventUserJoin, userID)
	c.expect(t, models.EventUserJoinSuccess)
	c.expect(t, models.EventUserStatus)
	for _, o := range others {
		o.expect(t, models.EventUserStatus)
	}
	return c
}

func decode[T any](t *testing.T, ev models.Event) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(ev.Payload, &out))
	return out
}

// stats reads a snapshot, which also proves every earlier event has been applied.
func stats(t *testing.T, hub *chathub.ManagerService) chathub.Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := hub.Stats(ctx)
	require.NoError(t, err)
	return st
}

func contextWithCancel() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// quietT records failures without reporting them, for polling mock expectations.
type quietT struct{ failed bool }

func (q *quietT) Logf(string, ...any)   {}
func (q *quietT) Errorf(string, ...any) { q.failed = true }
func (q *quietT) FailNow()              { q.failed = true }

// waitForExpectations polls until the storage worker has made every expected call.
func waitForExpectations(t *testing.T, st *MockStorage) {
	t.Helper()
	assert.Eventually(t, func() bool {
		q := &quietT{}
		st.AssertExpectations(q)
		return !q.failed
	}, time.Second, 10*time.Millisecond)
	st.AssertExpectations(t)
}
