package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"pairchat/backend/internal/logx"
	"pairchat/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// PresenceChannel is the Redis pub/sub channel carrying cross-instance presence changes.
	PresenceChannel = "presence:events"
	searchQueueKey  = "search_queue"
	presencePrefix  = "presence:"
	// offline presence records are kept for a day so the admin CLI can still see last activity.
	offlinePresenceTTL = 24 * time.Hour
)

// ErrBackendDisabled is returned by reads against a backend that was not configured.
var ErrBackendDisabled = errors.New("storage backend not configured")

// Storage is everything the relay persists or mirrors outside process memory.
// None of it is on the matching path: the hub keeps the authoritative state in memory.
type Storage interface {
	SaveRoom(room *models.ChatRoom) error
	CloseRoom(roomID string) error
	CloseStaleRooms(instanceID string) (int64, error)
	GetActiveRooms() ([]models.ChatRoom, error)

	SetPresence(p models.Presence) error
	GetPresence(userID string) (*models.Presence, error)
	PublishPresence(ev models.PresenceEvent) error
	SubscribePresence(ctx context.Context) <-chan models.PresenceEvent

	AddUserToSearchQueue(userID string) error
	RemoveUserFromSearchQueue(userID string) error
	GetSearchingUsers() ([]string, error)

	// CloseStaleMirror drops the search entries and marks offline the online presence records
	// an instance left in Redis. An empty instanceID clears entries of every instance.
	CloseStaleMirror(instanceID string) (int64, error)
}

// Service implements Storage on PostgreSQL (room audit rows) and Redis (presence, search mirror).
// Either client may be nil; writes to a missing backend are no-ops.
// Mirror entries are tagged with InstanceID so a restarted instance can clear its own.
type Service struct {
	DB         *gorm.DB
	Redis      *redis.Client
	Ctx        context.Context
	InstanceID string
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
		Ctx:   context.Background(),
	}
}

// Options selects the backends Open connects to. Empty fields disable that backend.
type Options struct {
	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	InstanceID    string
}

// Open connects the configured backends, pings Redis and migrates the room table.
func Open(ctx context.Context, opts Options) (*Service, error) {
	var (
		db  *gorm.DB
		rdb *redis.Client
		err error
	)

	if opts.DatabaseDSN != "" {
		db, err = gorm.Open(postgres.Open(opts.DatabaseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect PostgreSQL: %w", err)
		}
		if err := db.AutoMigrate(&models.ChatRoom{}); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if opts.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect Redis: %w", err)
		}
	}

	s := NewStorageService(db, rdb)
	s.Ctx = ctx
	s.InstanceID = opts.InstanceID
	return s, nil
}

// Close releases both backends.
func (s *Service) Close() error {
	var errs []error
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// SaveRoom inserts the audit row of a freshly paired room.
func (s *Service) SaveRoom(room *models.ChatRoom) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Create(room).Error
}

// CloseRoom marks a room inactive and stamps EndedAt.
func (s *Service) CloseRoom(roomID string) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Model(&models.ChatRoom{}).
		Where("room_id = ? AND is_active = ?", roomID, true).
		Updates(map[string]interface{}{
			"is_active": false,
			"ended_at":  time.Now(),
		}).Error
}

// CloseStaleRooms closes rows left active by a previous process. An empty instanceID closes
// every active row regardless of which instance created it.
func (s *Service) CloseStaleRooms(instanceID string) (int64, error) {
	if s.DB == nil {
		return 0, nil
	}
	q := s.DB.Model(&models.ChatRoom{}).Where("is_active = ?", true)
	if instanceID != "" {
		q = q.Where("instance_id = ?", instanceID)
	}
	res := q.Updates(map[string]interface{}{
		"is_active": false,
		"ended_at":  time.Now(),
	})
	return res.RowsAffected, res.Error
}

// GetActiveRooms lists rooms that have not been closed, oldest first.
func (s *Service) GetActiveRooms() ([]models.ChatRoom, error) {
	if s.DB == nil {
		return nil, ErrBackendDisabled
	}
	var rooms []models.ChatRoom
	if err := s.DB.Where("is_active = ?", true).Order("started_at asc").Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

// SetPresence mirrors a presence record into Redis. Offline records expire.
func (s *Service) SetPresence(p models.Presence) error {
	if s.Redis == nil {
		return nil
	}
	key := presencePrefix + p.UserID
	pipe := s.Redis.TxPipeline()
	pipe.HSet(s.Ctx, key, map[string]interface{}{
		"status":      p.Status,
		"last_active": p.LastActive.UnixMilli(),
		"instance":    s.InstanceID,
	})
	if p.Status == models.StatusOffline {
		pipe.Expire(s.Ctx, key, offlinePresenceTTL)
	} else {
		pipe.Persist(s.Ctx, key)
	}
	_, err := pipe.Exec(s.Ctx)
	return err
}

// GetPresence reads a mirrored presence record.
func (s *Service) GetPresence(userID string) (*models.Presence, error) {
	if s.Redis == nil {
		return nil, ErrBackendDisabled
	}
	fields, err := s.Redis.HGetAll(s.Ctx, presencePrefix+userID).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	ms, err := strconv.ParseInt(fields["last_active"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt presence record for %s: %w", userID, err)
	}
	return &models.Presence{
		UserID:     userID,
		Status:     fields["status"],
		LastActive: time.UnixMilli(ms),
	}, nil
}

// PublishPresence publishes a presence change for the other relay instances.
func (s *Service) PublishPresence(ev models.PresenceEvent) error {
	if s.Redis == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Redis.Publish(s.Ctx, PresenceChannel, data).Err()
}

// SubscribePresence streams presence changes published by any instance until ctx is done.
// It returns nil when Redis is not configured; a nil channel never delivers.
func (s *Service) SubscribePresence(ctx context.Context) <-chan models.PresenceEvent {
	if s.Redis == nil {
		return nil
	}
	log := logx.Component("storage")
	pubsub := s.Redis.Subscribe(ctx, PresenceChannel)
	out := make(chan models.PresenceEvent, 64)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.PresenceEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Msg("dropping malformed presence event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// AddUserToSearchQueue mirrors a waiting user into Redis, keyed by user and valued by the
// instance holding the entry.
func (s *Service) AddUserToSearchQueue(userID string) error {
	if s.Redis == nil {
		return nil
	}
	return s.Redis.HSet(s.Ctx, searchQueueKey, userID, s.InstanceID).Err()
}

// RemoveUserFromSearchQueue drops a user from the Redis mirror.
func (s *Service) RemoveUserFromSearchQueue(userID string) error {
	if s.Redis == nil {
		return nil
	}
	return s.Redis.HDel(s.Ctx, searchQueueKey, userID).Err()
}

// GetSearchingUsers returns the mirrored waiting users, sorted.
func (s *Service) GetSearchingUsers() ([]string, error) {
	if s.Redis == nil {
		return nil, ErrBackendDisabled
	}
	users, err := s.Redis.HKeys(s.Ctx, searchQueueKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// CloseStaleMirror implements Storage. It returns how many entries were changed.
func (s *Service) CloseStaleMirror(instanceID string) (int64, error) {
	if s.Redis == nil {
		return 0, nil
	}
	var n int64

	queue, err := s.Redis.HGetAll(s.Ctx, searchQueueKey).Result()
	if err != nil {
		return 0, err
	}
	for userID, owner := range queue {
		if instanceID != "" && owner != instanceID {
			continue
		}
		if err := s.Redis.HDel(s.Ctx, searchQueueKey, userID).Err(); err != nil {
			return n, err
		}
		n++
	}

	iter := s.Redis.Scan(s.Ctx, 0, presencePrefix+"*", 100).Iterator()
	for iter.Next(s.Ctx) {
		key := iter.Val()
		fields, err := s.Redis.HGetAll(s.Ctx, key).Result()
		if err != nil {
			return n, err
		}
		if fields["status"] != models.StatusOnline {
			continue
		}
		if instanceID != "" && fields["instance"] != instanceID {
			continue
		}
		pipe := s.Redis.TxPipeline()
		pipe.HSet(s.Ctx, key, "status", models.StatusOffline)
		pipe.Expire(s.Ctx, key, offlinePresenceTTL)
		if _, err := pipe.Exec(s.Ctx); err != nil {
			return n, err
		}
		n++
	}
	return n, iter.Err()
}
