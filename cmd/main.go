package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairchat/backend/internal/api/handler"
	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/config"
	"pairchat/backend/internal/logx"
	"pairchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logx.Logger()
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	logx.Init(cfg.LogLevel, cfg.LogFormat)
	log := logx.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
}

// run serves until ctx is cancelled. ready, when non-nil, receives the bound address once
// the listener is up.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	log := logx.Component("main")
	log.Info().Str("instance", cfg.InstanceID).Msg("starting relay")

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// 1. Storage backends (both optional)
	store, err := storage.Open(ctx, storage.Options{
		DatabaseDSN:   cfg.DatabaseDSN,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		InstanceID:    cfg.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	// State this instance left behind before a crash can never be cleaned up by its owners.
	if n, err := store.CloseStaleRooms(cfg.InstanceID); err != nil {
		log.Warn().Err(err).Msg("failed to close stale rooms")
	} else if n > 0 {
		log.Info().Int64("rooms", n).Msg("closed stale rooms")
	}
	if n, err := store.CloseStaleMirror(cfg.InstanceID); err != nil {
		log.Warn().Err(err).Msg("failed to clear stale presence and queue entries")
	} else if n > 0 {
		log.Info().Int64("entries", n).Msg("cleared stale presence and queue entries")
	}

	// 2. Hub
	hub := chathub.NewManagerService(store, cfg.Hub, cfg.InstanceID)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	// 3. HTTP
	gin.SetMode(gin.ReleaseMode)
	h := handler.NewHandler(hub, cfg.JWTSecret, cfg.JWTTTL)
	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        handler.NewRouter(h),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	// Hijacked websocket connections are not tracked by the server; stopping the hub closes them.
	stopHub()
	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("hub did not stop in time")
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	default:
		return nil
	}
}
