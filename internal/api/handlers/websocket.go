// Package handlers provides HTTP request handlers for the portscribe API.
// This file implements the WebSocket endpoint that streams the live
// transcript, table refreshes and status changes to connected clients.
package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/portscribe/internal/controller"
	"github.com/anstrom/portscribe/internal/logging"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer
	pongWait       = 60 * time.Second    // Time to read next pong message from peer
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer (must be < pongWait)
	maxMessageSize = 512                 // Maximum message size allowed from peer
	bufferSize     = 256                 // Size of the broadcast channel buffer
	clientBuffer   = 256                 // Pending messages per client before it is dropped
)

// Message types sent to clients.
const (
	MessageTranscript = "transcript"
	MessageTable      = "table"
	MessageStatus     = "status"
)

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// TranscriptMessage carries one transcript line.
type TranscriptMessage struct {
	JobID string `json:"job_id"`
	Line  string `json:"line"`
}

// TableMessage carries the whole rendered results table.
type TableMessage struct {
	Table string `json:"table"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHandler fans controller updates out to WebSocket clients. It
// implements controller.Listener; its methods never block.
type WebSocketHandler struct {
	ctrl     Controller
	logger   *logging.Logger
	upgrader websocket.Upgrader

	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	shutdown   chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

var _ controller.Listener = (*WebSocketHandler)(nil)

// NewWebSocketHandler creates a WebSocket handler and starts its hub.
func NewWebSocketHandler(ctrl Controller, logger *logging.Logger, checkOrigin func(*http.Request) bool) *WebSocketHandler {
	h := &WebSocketHandler{
		ctrl:   ctrl,
		logger: logger.WithFields("handler", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, bufferSize),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		shutdown:   make(chan struct{}),
	}

	go h.run()
	return h
}

// ServeWS upgrades the connection and streams updates until the client
// goes away. New clients first receive the current status and table.
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	h.logger.Info("New WebSocket connection", "request_id", requestID, "remote_addr", r.RemoteAddr)

	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if msg, err := encode(MessageStatus, h.ctrl.Status()); err == nil {
		c.send <- msg
	}
	if msg, err := encode(MessageTable, TableMessage{Table: h.ctrl.Table()}); err == nil {
		c.send <- msg
	}

	select {
	case h.register <- c:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}

	go h.writePump(c, requestID)
	h.readPump(c, requestID)
}

// run manages client registration and broadcasts.
func (h *WebSocketHandler) run() {
	for {
		select {
		case <-h.shutdown:
			h.mutex.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mutex.Unlock()
			h.logger.Debug("WebSocket hub stopped")
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Debug("Client registered", "total_clients", total)

		case c := <-h.unregister:
			h.mutex.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Debug("Client unregistered", "total_clients", total)

		case message := <-h.broadcast:
			h.mutex.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.logger.Warn("Client too slow, dropping connection")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// readPump drains the connection so control frames are processed. Client
// messages are ignored.
func (h *WebSocketHandler) readPump(c *wsClient, requestID string) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket unexpected close", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

// writePump is the only writer of c.conn.
func (h *WebSocketHandler) writePump(c *wsClient, requestID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		}
	}
}

// TranscriptAppended implements controller.Listener.
func (h *WebSocketHandler) TranscriptAppended(jobID, line string) {
	h.publish(MessageTranscript, TranscriptMessage{JobID: jobID, Line: line})
}

// TableRefreshed implements controller.Listener.
func (h *WebSocketHandler) TableRefreshed(table string) {
	h.publish(MessageTable, TableMessage{Table: table})
}

// StatusChanged implements controller.Listener.
func (h *WebSocketHandler) StatusChanged(status controller.Status) {
	h.publish(MessageStatus, status)
}

func (h *WebSocketHandler) publish(messageType string, data interface{}) {
	message, err := encode(messageType, data)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", "type", messageType, "error", err)
		return
	}

	select {
	case <-h.shutdown:
	case h.broadcast <- message:
	default:
		h.logger.Warn("Broadcast channel full, dropping message", "type", messageType)
	}
}

func encode(messageType string, data interface{}) ([]byte, error) {
	return json.Marshal(WebSocketMessage{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close stops the hub and disconnects every client.
func (h *WebSocketHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.shutdown)
		h.logger.Info("WebSocket handler closed")
	})
}
