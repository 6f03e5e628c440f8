package storage_test

import (
	"context"
	"testing"
	"time"

	"pairchat/backend/internal/models"
	"pairchat/backend/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newRedisService returns a Service backed by an in-process Redis.
func newRedisService(t *testing.T, mr *miniredis.Miniredis, instanceID string) *storage.Service {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s := storage.NewStorageService(nil, rdb)
	s.InstanceID = instanceID
	return s
}

// newDBService returns a Service backed by an in-memory SQLite database shaped like the rooms table.
func newDBService(t *testing.T) *storage.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Exec(`CREATE TABLE chat_rooms (
		room_id     TEXT PRIMARY KEY,
		participants TEXT,
		instance_id TEXT,
		is_active   BOOLEAN,
		started_at  DATETIME,
		ended_at    DATETIME
	)`).Error)
	return storage.NewStorageService(db, nil)
}

func activeIDs(t *testing.T, s *storage.Service) []string {
	t.Helper()
	rooms, err := s.GetActiveRooms()
	require.NoError(t, err)
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.RoomID)
	}
	return ids
}

func TestSetPresence_OfflineExpiresOnlinePersists(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newRedisService(t, mr, "i1")
	seen := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, s.SetPresence(models.Presence{UserID: "u1", Status: models.StatusOffline, LastActive: seen}))
	assert.Equal(t, 24*time.Hour, mr.TTL("presence:u1"))

	p, err := s.GetPresence("u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.StatusOffline, p.Status)
	assert.True(t, seen.Equal(p.LastActive))

	// Coming back online clears the expiry.
	require.NoError(t, s.SetPresence(models.Presence{UserID: "u1", Status: models.StatusOnline, LastActive: seen}))
	assert.Zero(t, mr.TTL("presence:u1"))
	assert.Equal(t, "i1", mr.HGet("presence:u1", "instance"))

	mr.FastForward(25 * time.Hour)
	p, err = s.GetPresence("u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.StatusOnline, p.Status)
}

func TestGetPresence_UnknownAndCorrupt(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newRedisService(t, mr, "i1")

	p, err := s.GetPresence("ghost")
	require.NoError(t, err)
	assert.Nil(t, p)

	mr.HSet("presence:bad", "status", "online", "last_active", "yesterday")
	_, err = s.GetPresence("bad")
	assert.Error(t, err)
}

func TestPresencePubSub_RoundTripSkipsMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newRedisService(t, mr, "i1")
	sub := newRedisService(t, mr, "i2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := sub.SubscribePresence(ctx)
	require.NotNil(t, events)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(storage.PresenceChannel)[storage.PresenceChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.Publish(storage.PresenceChannel, "not json")
	want := models.PresenceEvent{
		Origin:     "i1",
		UserStatus: models.UserStatus{UserID: "u1", Status: models.StatusOnline},
	}
	require.NoError(t, pub.PublishPresence(want))

	select {
	case got := <-events:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "presence event not delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "stream closes with its context")
}

func TestSearchQueueMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newRedisService(t, mr, "i1")

	require.NoError(t, s.AddUserToSearchQueue("b"))
	require.NoError(t, s.AddUserToSearchQueue("a"))
	require.NoError(t, s.AddUserToSearchQueue("a"))
	require.NoError(t, s.AddUserToSearchQueue("c"))
	require.NoError(t, s.RemoveUserFromSearchQueue("c"))
	require.NoError(t, s.RemoveUserFromSearchQueue("never-added"))

	users, err := s.GetSearchingUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, users)
	assert.Equal(t, "i1", mr.HGet("search_queue", "a"))
}

func TestCloseStaleMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	dead := newRedisService(t, mr, "i1")
	live := newRedisService(t, mr, "i2")
	now := time.Now()

	require.NoError(t, dead.AddUserToSearchQueue("a"))
	require.NoError(t, live.AddUserToSearchQueue("b"))
	require.NoError(t, dead.SetPresence(models.Presence{UserID: "a", Status: models.StatusOnline, LastActive: now}))
	require.NoError(t, live.SetPresence(models.Presence{UserID: "b", Status: models.StatusOnline, LastActive: now}))
	require.NoError(t, dead.SetPresence(models.Presence{UserID: "c", Status: models.StatusOffline, LastActive: now}))

	n, err := dead.CloseStaleMirror("i1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "a's queue entry and a's online record")

	users, err := live.GetSearchingUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, users)

	a, err := live.GetPresence("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, a.Status)
	assert.Equal(t, 24*time.Hour, mr.TTL("presence:a"))
	b, err := live.GetPresence("b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, b.Status)

	n, err = live.CloseStaleMirror("")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "every remaining entry regardless of owner")
	users, err = live.GetSearchingUsers()
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRooms_SaveCloseAndList(t *testing.T) {
	s := newDBService(t)
	start := time.Now().Add(-time.Minute)

	require.NoError(t, s.SaveRoom(&models.ChatRoom{RoomID: "r1", Participants: []string{"A", "B"}, InstanceID: "i1", IsActive: true, StartedAt: start}))
	require.NoError(t, s.SaveRoom(&models.ChatRoom{RoomID: "r2", Participants: []string{"C", "D"}, InstanceID: "i2", IsActive: true, StartedAt: start.Add(time.Second)}))

	rooms, err := s.GetActiveRooms()
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "r1", rooms[0].RoomID, "oldest first")
	assert.Equal(t, []string{"A", "B"}, []string(rooms[0].Participants))

	require.NoError(t, s.CloseRoom("r1"))
	require.NoError(t, s.CloseRoom("r1"), "closing twice is harmless")
	assert.Equal(t, []string{"r2"}, activeIDs(t, s))

	var ended int64
	require.NoError(t, s.DB.Table("chat_rooms").Where("room_id = ? AND ended_at IS NOT NULL", "r1").Count(&ended).Error)
	assert.Equal(t, int64(1), ended)
}

func TestCloseStaleRooms_ByInstanceAndAll(t *testing.T) {
	s := newDBService(t)
	for _, r := range []models.ChatRoom{
		{RoomID: "a1", Participants: []string{"A", "B"}, InstanceID: "i1", IsActive: true},
		{RoomID: "a2", Participants: []string{"C", "D"}, InstanceID: "i1", IsActive: true},
		{RoomID: "b1", Participants: []string{"E", "F"}, InstanceID: "i2", IsActive: true},
	} {
		require.NoError(t, s.SaveRoom(&r))
	}
	require.NoError(t, s.CloseRoom("a2"))

	n, err := s.CloseStaleRooms("i1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "already closed rows are not counted")
	assert.Equal(t, []string{"b1"}, activeIDs(t, s))

	n, err = s.CloseStaleRooms("")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, activeIDs(t, s))
}
