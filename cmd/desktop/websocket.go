// Package main provides the desktop sync server: a REST API plus a
// WebSocket stream of sync status.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/millsync/backend/internal/logging"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
)

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *WSHub
	mu            sync.Mutex
	subscriptions map[string]bool
}

// WSHub maintains active client connections and broadcasts messages.
type WSHub struct {
	upgrader   websocket.Upgrader
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	last       syncpkg.Status
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventSyncStatus           = "sync.status"
	EventSyncStarted          = "sync.started"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"
)

// NewWSHub creates a new WebSocket hub. Browser connections are accepted
// from localhost and from allowedOrigins.
func NewWSHub(allowedOrigins []string) *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	go hub.run()
	return hub
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // not a browser
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1"
	}
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client": client.id, "total": n})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client": client.id, "total": n})

		case message := <-h.broadcast:
			eventType := envelopeType(message)
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(eventType) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, close connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close disconnects every client and stops the hub.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func envelopeType(message []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		return ""
	}
	return head.Type
}

// Broadcast sends a message to all subscribed clients.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err)
		return
	}

	select {
	case h.broadcast <- bytes:
	case <-h.done:
	}
}

// =====================================================
// Sync status stream
// =====================================================

// Follow broadcasts every status from updates until ctx is done, plus the
// lifecycle events derived from state transitions.
func (h *WSHub) Follow(ctx context.Context, updates <-chan syncpkg.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			h.publish(st)
		}
	}
}

func (h *WSHub) publish(st syncpkg.Status) {
	h.mu.Lock()
	prev := h.last
	h.last = st
	h.mu.Unlock()

	h.Broadcast(EventSyncStatus, statusData(st))

	switch {
	case st.State == syncpkg.StateSyncing && prev.State != syncpkg.StateSyncing:
		h.Broadcast(EventSyncStarted, map[string]interface{}{"status": "started"})
	case prev.State == syncpkg.StateSyncing && st.State == syncpkg.StateSuccess:
		h.Broadcast(EventSyncCompleted, map[string]interface{}{
			"status":  "completed",
			"pending": st.PendingCount,
		})
	case prev.State == syncpkg.StateSyncing && st.State == syncpkg.StateError:
		h.Broadcast(EventSyncFailed, map[string]interface{}{
			"status":    "failed",
			"error":     st.ErrorMessage,
			"retryable": st.Retryable,
		})
	}
	if st.UnresolvedConflicts > prev.UnresolvedConflicts {
		h.Broadcast(EventSyncConflictDetected, map[string]interface{}{
			"unresolved": st.UnresolvedConflicts,
			"new":        st.UnresolvedConflicts - prev.UnresolvedConflicts,
		})
	}
}

func statusData(st syncpkg.Status) map[string]interface{} {
	data := map[string]interface{}{
		"state":                st.State,
		"pending_count":        st.PendingCount,
		"failed_count":         st.FailedCount,
		"unresolved_conflicts": st.UnresolvedConflicts,
		"has_error":            st.HasError,
		"retryable":            st.Retryable,
	}
	if st.ErrorMessage != "" {
		data["error_message"] = st.ErrorMessage
	}
	if st.LastSyncTime != nil {
		data["last_sync_time"] = st.LastSyncTime.Unix()
	}
	return data
}

// =====================================================
// Client pumps
// =====================================================

// wants reports whether the client receives eventType. Clients that never
// subscribed receive everything.
func (c *WSClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			break
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Invalid WebSocket message", map[string]interface{}{"client": c.id, "error": err.Error()})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct response to the client.
func (c *WSClient) reply(envelope map[string]interface{}) {
	envelope["timestamp"] = time.Now().Unix()
	bytes, _ := json.Marshal(envelope)
	c.queue(bytes)
}

// queue hands message to the write pump. It is dropped if the client is
// being disconnected or its buffer is full.
func (c *WSClient) queue(message []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

// HandleWebSocket upgrades the request and sends the current status first.
func (h *WSHub) HandleWebSocket(current func() syncpkg.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            time.Now().Format("20060102150405.000000") + "-" + r.RemoteAddr,
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           h,
			subscriptions: make(map[string]bool),
		}

		if current != nil {
			bytes, _ := json.Marshal(WSEnvelope{Type: EventSyncStatus, Data: statusData(current()), Timestamp: time.Now().Unix()})
			client.send <- bytes
		}

		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
