package notify

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketConfig struct {
	SendBuffer     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

// WebSocketHandler upgrades requests and binds the connection to the hub.
type WebSocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	config   WebSocketConfig
	logger   *zap.SugaredLogger
}

func NewWebSocketHandler(hub *Hub, config WebSocketConfig, logger *zap.SugaredLogger) *WebSocketHandler {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 64 * 1024
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	allowed := make(map[string]struct{}, len(config.AllowedOrigins))
	allowAll := len(config.AllowedOrigins) == 0
	for _, origin := range config.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	return &WebSocketHandler{
		hub:    hub,
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// Serve blocks until the client goes away.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request, clientID string) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	conn := newSocketConn(socket, h.config)
	h.hub.Connect(clientID, conn)
	go conn.writeLoop()

	h.readLoop(clientID, conn)
	h.hub.Release(clientID, conn)
	_ = conn.Close()
}

type clientCommand struct {
	Action     string `json:"action"`
	DocumentID int64  `json:"document_id"`
}

func (h *WebSocketHandler) readLoop(clientID string, conn *socketConn) {
	socket := conn.socket
	socket.SetReadLimit(h.config.MaxMessageSize)
	pongWait := h.config.PingInterval * 2
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		h.hub.Touch(clientID)
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugw("websocket read failed", "client_id", clientID, "error", err)
			}
			return
		}
		_ = socket.SetReadDeadline(time.Now().Add(pongWait))
		h.hub.Touch(clientID)

		reply := h.handleCommand(clientID, data)
		if err := conn.Send(reply); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) handleCommand(clientID string, data []byte) []byte {
	var command clientCommand
	if err := json.Unmarshal(data, &command); err == nil {
		switch strings.ToLower(command.Action) {
		case "subscribe":
			if command.DocumentID > 0 {
				h.hub.Subscribe(clientID, command.DocumentID)
				return mustJSON(map[string]any{"type": "subscribed", "document_id": command.DocumentID})
			}
		case "unsubscribe":
			if command.DocumentID > 0 {
				h.hub.Unsubscribe(clientID, command.DocumentID)
				return mustJSON(map[string]any{"type": "unsubscribed", "document_id": command.DocumentID})
			}
		case "ping":
			return mustJSON(map[string]any{"type": "pong", "timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
		}
	}
	return []byte("Echo: " + string(data))
}

func mustJSON(value map[string]any) []byte {
	encoded, _ := json.Marshal(value)
	return encoded
}

// socketConn buffers outbound frames so Send never waits on the network.
type socketConn struct {
	socket *websocket.Conn
	send   chan []byte
	done   chan struct{}
	config WebSocketConfig

	closeOnce sync.Once
}

func newSocketConn(socket *websocket.Conn, config WebSocketConfig) *socketConn {
	return &socketConn{
		socket: socket,
		send:   make(chan []byte, config.SendBuffer),
		done:   make(chan struct{}),
		config: config,
	}
}

func (c *socketConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

func (c *socketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *socketConn) writeLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(c.config.WriteTimeout)
			_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case payload := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.socket.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
