package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

// The API listens on loopback by default and any origin may connect.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSMessage is the envelope for every frame in both directions. ID echoes
// the request ID on responses and is empty on pushed events.
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ScanPayload is pushed to every client when a card is read.
type ScanPayload struct {
	ID   string    `json:"id"`
	UID  string    `json:"uid"`
	Time time.Time `json:"time"`
}

// WSClient is one connection. Only writePump writes to conn.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub manages all WebSocket connections. It is also an output sink:
// every delivered identifier is broadcast as a "scan" message.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	direct     chan reply
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex

	snapshot *ReaderSnapshot
	now      func() time.Time
}

// NewWSHub creates a new WebSocket hub reporting on snapshot. Reader
// changes seen by snapshot are pushed to clients.
func NewWSHub(snapshot *ReaderSnapshot) *WSHub {
	h := &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 16),
		direct:     make(chan reply, 16),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		snapshot:   snapshot,
		now:        time.Now,
	}
	snapshot.mu.Lock()
	snapshot.onChange = h.broadcastReaders
	snapshot.mu.Unlock()
	return h
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				h.queueLocked(client, message)
			}
			h.mu.Unlock()
		case r := <-h.direct:
			h.mu.Lock()
			if h.clients[r.client] {
				h.queueLocked(r.client, r.msg)
			}
			h.mu.Unlock()
		}
	}
}

// reply is a response addressed to one client.
type reply struct {
	client *WSClient
	msg    []byte
}

// queueLocked hands msg to client, dropping a client whose buffer is
// full. Only the Run loop closes send channels. Requires h.mu.
func (h *WSHub) queueLocked(client *WSClient, msg []byte) {
	select {
	case client.send <- msg:
	default:
		close(client.send)
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver broadcasts a scan to all clients.
func (h *WSHub) Deliver(uid string) error {
	now := h.now()
	h.snapshot.recordScan(now)

	msg, err := newMessage("scan", "", ScanPayload{
		ID:   uuid.NewString(),
		UID:  uid,
		Time: now.UTC(),
	})
	if err != nil {
		return err
	}
	h.publish(msg)
	return nil
}

func (h *WSHub) broadcastReaders(readers []core.Reader) {
	msg, err := newMessage("readers", "", readers)
	if err != nil {
		return
	}
	h.publish(msg)
}

func (h *WSHub) publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func newMessage(msgType, id string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: msgType, ID: id, Payload: payloadBytes})
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// ServeWS upgrades the request and registers the client.
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	client := &WSClient{conn: conn, send: make(chan []byte, sendBuffer), hub: h}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	go client.writePump()
	go client.readPump()
}

// readPump handles client requests until the connection drops.
func (c *WSClient) readPump() {
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer c.leave()

	c.conn.SetReadLimit(maxMessageSize)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
				return
			}
			logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *WSClient) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
	_ = c.conn.Close()
}

// writePump is the only writer on the connection. It drains send and
// keeps the peer alive with pings.
func (c *WSClient) writePump() {
	defer logging.RecoverAndLog("WebSocket writePump", false)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		var err error
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, nil)
				return
			}
			err = c.write(websocket.TextMessage, message)
		case <-ticker.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

func (c *WSClient) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	h := &handlers{snapshot: c.hub.snapshot, hub: c.hub}
	switch msg.Type {
	case "list_readers":
		c.sendResponse(msg.ID, "readers", h.snapshot.Readers())
	case "version":
		c.sendResponse(msg.ID, "version", versionInfo())
	case "health":
		c.sendResponse(msg.ID, "health", h.health())
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload any) {
	msg, err := newMessage(msgType, id, payload)
	if err != nil {
		c.sendError(id, "failed to encode response")
		return
	}
	c.trySend(msg)
}

func (c *WSClient) sendError(id string, errMsg string) {
	msg, _ := json.Marshal(WSMessage{Type: "error", ID: id, Error: errMsg})
	c.trySend(msg)
}

// trySend queues msg through the hub, which drops it if the client has
// already left.
func (c *WSClient) trySend(msg []byte) {
	select {
	case c.hub.direct <- reply{client: c, msg: msg}:
	case <-c.hub.done:
	}
}
