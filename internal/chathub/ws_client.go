package chathub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pairchat/backend/internal/config"
	"pairchat/backend/internal/logx"
	"pairchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// WebSocketClient implements chathub.Client over a gorilla websocket.
type WebSocketClient struct {
	ConnID string
	UserID string
	Conn   *websocket.Conn
	Hub    *ManagerService
	Send   chan models.Event

	cfg       config.HubConfig
	limiter   *rate.Limiter
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewWebSocketClient wraps conn. userID is the id from a verified guest token, or "".
func NewWebSocketClient(hub *ManagerService, conn *websocket.Conn, userID string) *WebSocketClient {
	cfg := hub.Config
	connID := uuid.NewString()
	return &WebSocketClient{
		ConnID:  connID,
		UserID:  userID,
		Conn:    conn,
		Hub:     hub,
		Send:    make(chan models.Event, cfg.SendBuffer),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.EventRate), cfg.EventBurst),
		log:     logx.Component("ws").With().Str("conn", connID).Logger(),
	}
}

// --- Client interface ---

func (c *WebSocketClient) GetConnID() string                   { return c.ConnID }
func (c *WebSocketClient) GetUserID() string                   { return c.UserID }
func (c *WebSocketClient) GetSendChannel() chan<- models.Event { return c.Send }

// Run starts the pumps for the websocket.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close closes Send, which makes writePump send a close frame and drop the connection.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// readPump decodes frames and hands them to the hub. Any frame, pong included,
// pushes the liveness deadline forward.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.refreshDeadline()
	c.Conn.SetPongHandler(func(string) error {
		c.refreshDeadline()
		return nil
	})

	throttled := false
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.refreshDeadline()

		if !c.limiter.Allow() {
			// Tell the client once per burst of rejections, then drop silently.
			if !throttled {
				throttled = true
				if !c.Hub.Deliver(Inbound{Client: c, Err: ErrRateLimited}) {
					return
				}
			}
			continue
		}
		throttled = false

		in := Inbound{Client: c}
		if err := json.Unmarshal(data, &in.Event); err != nil || in.Event.Type == "" {
			in.Err = fmt.Errorf("%w: expected {\"type\":..., \"payload\":...}", ErrMalformed)
		}
		if !c.Hub.Deliver(in) {
			return
		}
	}
}

func (c *WebSocketClient) refreshDeadline() {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.cfg.KeepaliveTimeout))
}

// writePump writes one frame per event and pings on every keepalive interval.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// Hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(ev); err != nil {
				c.log.Debug().Err(err).Str("event", ev.Type).Msg("write failed")
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
