package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenneclabs/fennec-core/internal/infrastructure/config"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels a client can subscribe to. device.frames carries raw
// binary screen frames, every other channel carries JSON events.
const (
	ChannelBackendState = "backend.state"
	ChannelBackendError = "backend.error"
	ChannelDevice       = "device.changed"
	ChannelUpdates      = "updates.state"
	ChannelRegistryBusy = "registry.busy"
	ChannelFrames       = "device.frames"
)

const wsSendBufferSize = 256

// WSMessage is the JSON envelope for all text traffic in both
// directions.
type WSMessage struct {
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels on subscribe and unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsOutbound is one queued message with its wire frame type. Screen
// frames go out as binary messages, everything else as JSON text.
type wsOutbound struct {
	messageType int
	data        []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by the CORS middleware.
		return true
	},
}

// Hub tracks connected WebSocket clients and fans events out to them.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// NewHub creates a hub. Call Run to tie its lifetime to a context.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, existed := h.clients[client]
	delete(h.clients, client)
	if existed {
		close(client.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a JSON event to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshaling broadcast event", "channel", channel, "error", err)
		return
	}

	recipients := 0
	for _, client := range h.snapshot() {
		if client.isSubscribed(channel) {
			client.trySend(wsOutbound{messageType: websocket.TextMessage, data: data})
			recipients++
		}
	}
	h.logger.Debug("broadcast event", "channel", channel, "recipients", recipients)
}

// BroadcastBinary fans a raw binary message out to every client
// subscribed to channel. Screen frames travel this way.
func (h *Hub) BroadcastBinary(channel string, data []byte) {
	for _, client := range h.snapshot() {
		if client.isSubscribed(channel) {
			client.trySend(wsOutbound{messageType: websocket.BinaryMessage, data: data})
		}
	}
}

// snapshot copies the client set so broadcasting does not hold the
// lock during channel sends.
func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		client.conn.Close() //nolint:errcheck // best-effort on shutdown
	}
	h.clients = make(map[*WSClient]struct{})
}

// WSClient is one connected WebSocket session.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan wsOutbound
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// trySend queues a message without blocking. A slow client drops
// messages instead of stalling the broadcaster.
func (c *WSClient) trySend(out wsOutbound) {
	defer func() {
		// Sending on a closed channel panics when a client is torn
		// down mid-broadcast.
		_ = recover()
	}()
	select {
	case c.send <- out:
	default:
	}
}

// readPump consumes client messages until the connection drops.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close() //nolint:errcheck
	}()

	pingInterval := time.Duration(c.hub.cfg.PingInterval) * time.Second
	pongWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second

	c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Warn("websocket read failed", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait)) //nolint:errcheck
		c.handleMessage(data)
	}
}

// writePump writes queued messages and keepalive pings.
func (c *WSClient) writePump() {
	pingInterval := time.Duration(c.hub.cfg.PingInterval) * time.Second
	pongWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck
	}()

	for {
		select {
		case out, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(pongWait)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(out.messageType, out.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(pongWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid message format")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(WSTypePong, nil)
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *WSClient) handleSubscribe(msg WSMessage) {
	payload, ok := decodeSubscribePayload(msg)
	if !ok {
		c.sendError("invalid subscribe payload")
		return
	}

	c.mu.Lock()
	for _, channel := range payload.Channels {
		c.subscriptions[channel] = struct{}{}
	}
	c.mu.Unlock()

	c.sendResponse(WSTypeResponse, map[string]any{"subscribed": payload.Channels})
}

func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	payload, ok := decodeSubscribePayload(msg)
	if !ok {
		c.sendError("invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, channel := range payload.Channels {
		delete(c.subscriptions, channel)
	}
	c.mu.Unlock()

	c.sendResponse(WSTypeResponse, map[string]any{"unsubscribed": payload.Channels})
}

// decodeSubscribePayload recovers the channel list from the untyped
// envelope payload.
func decodeSubscribePayload(msg WSMessage) (WSSubscribePayload, bool) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return WSSubscribePayload{}, false
	}
	var payload WSSubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return WSSubscribePayload{}, false
	}
	return payload, true
}

func (c *WSClient) sendResponse(msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(wsOutbound{messageType: websocket.TextMessage, data: data})
}

func (c *WSClient) sendError(message string) {
	c.sendResponse(WSTypeError, map[string]string{"message": message})
}

// handleWebSocket upgrades the connection and starts the client pumps.
// With authentication enabled the request must carry a valid
// single-use ticket from POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.secCfg.Auth.Enabled {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "missing ticket")
			return
		}
		if !validateTicket(ticket) {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan wsOutbound, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(client)
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}
