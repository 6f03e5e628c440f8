package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"pairchat/backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ServesUntilCancelled(t *testing.T) {
	env := map[string]string{
		"JWT_SECRET":  "s3cret",
		"PORT":        "0",
		"INSTANCE_ID": "smoke",
		"LOG_LEVEL":   "error",
	}
	cfg, err := config.FromEnv(func(k string) string { return env[k] })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		require.FailNow(t, "run returned early", "%v", err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server did not start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "smoke", body["instance"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout):
		require.FailNow(t, "run did not return after cancel")
	}
}

func TestRun_PortInUse(t *testing.T) {
	env := map[string]string{"JWT_SECRET": "s3cret", "PORT": "0", "LOG_LEVEL": "error"}
	cfg, err := config.FromEnv(func(k string) string { return env[k] })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, ready) }()
	addr := <-ready
	defer func() {
		cancel()
		<-done
	}()

	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	second := *cfg
	second.Port = port
	assert.Error(t, run(context.Background(), &second, nil))
}
