package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/username/chatstate/internal/pkg/constants"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// Event represents a real-time event sent to clients
type Event struct {
	Type      string      `json:"type"`
	Workspace string      `json:"workspace,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Inbound is a message received from a client
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InboundHandler processes one inbound message type. room is the sending
// client's workspace.
type InboundHandler func(room, clientID string, data json.RawMessage)

// PresenceHandler is told when a client joins or leaves a room
type PresenceHandler func(room, clientID string, joined bool)

// Event types produced by the hub itself
const (
	EventConnected = "connection_established"
	EventPong      = "pong"
	EventError     = "error"
)

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Room string
	conn *websocket.Conn
	send chan Event
	hub  *Hub
}

// Hub manages WebSocket connections grouped into rooms, one per workspace
type Hub struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	handlersMu sync.RWMutex
	handlers   map[string][]InboundHandler
	presence   []PresenceHandler

	upgrader websocket.Upgrader
	logger   *logutil.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *logutil.Logger) *Hub {
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		handlers:   make(map[string][]InboundHandler),
		upgrader: websocket.Upgrader{
			// The API is served to a browser front end on another origin
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// Handle registers a handler for an inbound message type
func (h *Hub) Handle(msgType string, handler InboundHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[msgType] = append(h.handlers[msgType], handler)
}

// OnPresence registers a handler for joins and leaves
func (h *Hub) OnPresence(handler PresenceHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.presence = append(h.presence, handler)
}

// Run starts the hub's main loop and closes every client when ctx ends
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.rooms[client.Room] == nil {
				h.rooms[client.Room] = make(map[*Client]bool)
			}
			h.rooms[client.Room][client] = true
			h.mu.Unlock()

			h.logger.Info("WebSocket client connected", logutil.Fields{"client_id": client.ID, "room": client.Room})
			h.sendTo(client, Event{
				Type:      EventConnected,
				Workspace: client.Room,
				Data:      map[string]interface{}{"client_id": client.ID},
				Timestamp: time.Now(),
			})
			h.notifyPresence(client, true)

		case client := <-h.unregister:
			if h.unregisterClient(client) {
				h.notifyPresence(client, false)
			}

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.rooms = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			h.logger.Info("WebSocket hub shutting down")
			return
		}
	}
}

// unregisterClient removes a client and reports whether it was registered
func (h *Hub) unregisterClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	close(client.send)

	if room := h.rooms[client.Room]; room != nil {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, client.Room)
		}
	}

	h.logger.Info("WebSocket client disconnected", logutil.Fields{"client_id": client.ID, "room": client.Room})
	return true
}

func (h *Hub) notifyPresence(client *Client, joined bool) {
	h.handlersMu.RLock()
	handlers := append([]PresenceHandler(nil), h.presence...)
	h.handlersMu.RUnlock()
	for _, handler := range handlers {
		handler(client.Room, client.ID, joined)
	}
}

// drop schedules removal of a client whose buffer is full
func (h *Hub) drop(client *Client) {
	go func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}()
}

// sendTo queues an event for one client if it is still registered
func (h *Hub) sendTo(client *Client, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.clients[client] {
		return
	}
	select {
	case client.send <- event:
	default:
		h.drop(client)
	}
}

// SendToRoom queues an event for every client in a room and returns how
// many clients received it
func (h *Hub) SendToRoom(room string, event Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	sent := 0
	for client := range h.rooms[room] {
		select {
		case client.send <- event:
			sent++
		default:
			h.drop(client)
		}
	}
	return sent
}

// Broadcast queues an event for every connected client
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			h.drop(client)
		}
	}
}

// RoomSize returns the number of clients in a room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// GetStats returns connection statistics
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomStats := make(map[string]int)
	for room, clients := range h.rooms {
		roomStats[room] = len(clients)
	}

	return map[string]interface{}{
		"total_connections": len(h.clients),
		"rooms":             roomStats,
		"timestamp":         time.Now(),
	}
}

// Serve upgrades the request and joins the client to room
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, room string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	client := &Client{
		ID:   uuid.NewString(),
		Room: room,
		conn: conn,
		send: make(chan Event, constants.WebSocketSendBuffer),
		hub:  h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return fmt.Errorf("websocket hub is not running")
	}

	go client.writePump()
	go client.readPump()
	return nil
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read failed", logutil.Fields{"client_id": c.ID, "error": err.Error()})
			}
			break
		}

		var msg Inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.sendTo(c, Event{Type: EventError, Data: "malformed message", Timestamp: time.Now()})
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches an inbound message to the registered handlers
func (c *Client) handleMessage(msg Inbound) {
	if msg.Type == "ping" {
		c.hub.sendTo(c, Event{
			Type:      EventPong,
			Data:      map[string]interface{}{"client_id": c.ID},
			Timestamp: time.Now(),
		})
		return
	}

	c.hub.handlersMu.RLock()
	handlers := c.hub.handlers[msg.Type]
	c.hub.handlersMu.RUnlock()

	if len(handlers) == 0 {
		c.hub.logger.Debug("Unhandled WebSocket message", logutil.Fields{"client_id": c.ID, "type": msg.Type})
		return
	}
	for _, handler := range handlers {
		handler(c.Room, c.ID, msg.Data)
	}
}
