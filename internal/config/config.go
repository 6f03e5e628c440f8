// Package config loads the relay settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultPort              = "8080"
	DefaultJWTTTL            = 72 * time.Hour
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultKeepaliveTimeout  = 25 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultMaxMessageSize    = 64 * 1024
	DefaultSendBuffer        = 256
	DefaultEventRate         = 20.0
	DefaultEventBurst        = 40
	DefaultStatsInterval     = 30 * time.Second
	DefaultPersistBuffer     = 1024
)

type Config struct {
	Port       string
	InstanceID string

	JWTSecret string
	JWTTTL    time.Duration

	// DatabaseDSN and RedisAddr are optional; an empty value disables the backend.
	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Hub HubConfig

	LogLevel  string
	LogFormat string
}

// HubConfig holds the per-connection and event-loop tuning knobs.
type HubConfig struct {
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	SendBuffer        int
	EventRate         float64
	EventBurst        int
	StatsInterval     time.Duration
	PersistBuffer     int
}

// DefaultHubConfig returns the tuning used when nothing is configured.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		KeepaliveInterval: DefaultKeepaliveInterval,
		KeepaliveTimeout:  DefaultKeepaliveTimeout,
		WriteWait:         DefaultWriteWait,
		MaxMessageSize:    DefaultMaxMessageSize,
		SendBuffer:        DefaultSendBuffer,
		EventRate:         DefaultEventRate,
		EventBurst:        DefaultEventBurst,
		StatsInterval:     DefaultStatsInterval,
		PersistBuffer:     DefaultPersistBuffer,
	}
}

// Validate checks the invariants the hub relies on.
func (h HubConfig) Validate() error {
	if h.KeepaliveInterval <= 0 {
		return errors.New("keepalive interval must be positive")
	}
	if h.KeepaliveTimeout <= h.KeepaliveInterval {
		return fmt.Errorf("keepalive timeout %s must exceed interval %s", h.KeepaliveTimeout, h.KeepaliveInterval)
	}
	if h.SendBuffer <= 0 {
		return errors.New("send buffer must be positive")
	}
	if h.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	if h.EventRate <= 0 || h.EventBurst <= 0 {
		return errors.New("event rate and burst must be positive")
	}
	return nil
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, so tests can avoid touching the real environment.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Port:          withDefault(getenv("PORT"), DefaultPort),
		InstanceID:    getenv("INSTANCE_ID"),
		JWTSecret:     getenv("JWT_SECRET"),
		JWTTTL:        DefaultJWTTTL,
		DatabaseDSN:   getenv("DATABASE_DSN"),
		RedisAddr:     getenv("REDIS_ADDR"),
		RedisPassword: getenv("REDIS_PASSWORD"),
		Hub:           DefaultHubConfig(),
		LogLevel:      withDefault(getenv("LOG_LEVEL"), "info"),
		LogFormat:     withDefault(getenv("LOG_FORMAT"), "json"),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	var err error
	if cfg.JWTTTL, err = durationVar(getenv, "JWT_TTL", cfg.JWTTTL); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intVar(getenv, "REDIS_DB", 0); err != nil {
		return nil, err
	}

	h := &cfg.Hub
	if h.KeepaliveInterval, err = durationVar(getenv, "KEEPALIVE_INTERVAL", h.KeepaliveInterval); err != nil {
		return nil, err
	}
	if h.KeepaliveTimeout, err = durationVar(getenv, "KEEPALIVE_TIMEOUT", h.KeepaliveTimeout); err != nil {
		return nil, err
	}
	if h.StatsInterval, err = durationVar(getenv, "STATS_INTERVAL", h.StatsInterval); err != nil {
		return nil, err
	}
	size, err := intVar(getenv, "MAX_MESSAGE_SIZE", int(h.MaxMessageSize))
	if err != nil {
		return nil, err
	}
	h.MaxMessageSize = int64(size)
	if h.SendBuffer, err = intVar(getenv, "SEND_BUFFER", h.SendBuffer); err != nil {
		return nil, err
	}
	if h.EventBurst, err = intVar(getenv, "EVENT_BURST", h.EventBurst); err != nil {
		return nil, err
	}
	if v := getenv("EVENT_RATE"); v != "" {
		if h.EventRate, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid EVENT_RATE %q: %w", v, err)
		}
	}

	if err := h.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durationVar(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func intVar(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

// Backends is the storage subset of the settings. The admin CLI loads only this, so it
// runs without JWT_SECRET.
type Backends struct {
	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// LoadBackends reads .env (if present) and the backend settings from the environment.
func LoadBackends() (Backends, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Backends{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return BackendsFromEnv(os.Getenv)
}

func BackendsFromEnv(getenv func(string) string) (Backends, error) {
	db, err := intVar(getenv, "REDIS_DB", 0)
	if err != nil {
		return Backends{}, err
	}
	return Backends{
		DatabaseDSN:   getenv("DATABASE_DSN"),
		RedisAddr:     getenv("REDIS_ADDR"),
		RedisPassword: getenv("REDIS_PASSWORD"),
		RedisDB:       db,
	}, nil
}
