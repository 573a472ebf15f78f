// Package transport exposes the hub over websocket: it upgrades connections,
// adapts them to the hub's Conn surface, and pumps inbound
// subscribe/unsubscribe/ack messages into it.
package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"plantsync/internal/broadcast"
)

const (
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 4 * 1024
)

// Config tunes the websocket endpoint.
type Config struct {
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
}

// Server owns the websocket endpoint and the inbound message loop.
type Server struct {
	hub      *broadcast.Hub
	logger   *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

// NewServer builds the endpoint around a hub.
func NewServer(hub *broadcast.Hub, cfg Config, logger *zap.Logger) *Server {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:    hub,
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// clientMessage is the only inbound shape: subscribe, unsubscribe, or ack.
// Anything else is dropped without closing the connection.
type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Version uint64 `json:"version"`
}

// wsConn adapts a gorilla connection to the hub's Conn. Writes are serialized
// behind a mutex and bounded by the write deadline.
type wsConn struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
}

func (c *wsConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// HandleWS upgrades the request and runs the read loop until the peer goes
// away. Each connection is one hub client for its whole lifetime. An idle but
// healthy peer is kept alive by server pings: the read deadline is only ever
// refreshed by inbound traffic, and a quiet subscriber may have none of its
// own to send.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(errors.Wrap(err, "upgrade")))
		return
	}

	wrapped := &wsConn{conn: conn, writeWait: s.cfg.WriteWait}
	client := s.hub.Register(wrapped)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	stop := make(chan struct{})
	go s.pingLoop(wrapped, stop)
	go s.readLoop(client.ID, conn, stop)
}

// pingLoop pings the peer often enough that its pongs refresh the read
// deadline before it expires.
func (s *Server) pingLoop(conn *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(clientID string, conn *websocket.Conn, stop chan struct{}) {
	defer s.hub.Disconnect(clientID)
	defer close(stop)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read loop ended", zap.String("client", clientID), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are a protocol error: dropped, not fatal.
			s.logger.Debug("dropping malformed frame", zap.String("client", clientID))
			continue
		}
		switch msg.Type {
		case "subscribe":
			s.hub.Subscribe(clientID, msg.Channel)
		case "unsubscribe":
			s.hub.Unsubscribe(clientID, msg.Channel)
		case "ack":
			s.hub.HandleAck(clientID, msg.Channel, msg.Version)
		default:
			s.logger.Debug("dropping unknown message type",
				zap.String("client", clientID),
				zap.String("type", msg.Type))
		}
	}
}

// HandleHealthz reports process liveness and the current client count.
func (s *Server) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}
