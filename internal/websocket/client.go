package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/tullo/marketchat/internal/models"
	"github.com/tullo/marketchat/internal/repository"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 10240 // 10KB

	sendBufferSize = 256
)

var errHubStopped = errors.New("hub stopped")

// Client is one upgraded connection. It receives events only after
// sending a join for the user its token belongs to.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	userID      string
	connectedAt time.Time

	convRepo repository.ConversationStore
	limiter  *rate.Limiter
	log      *slog.Logger

	joined atomic.Bool

	sendMu sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, userID string, convRepo repository.ConversationStore, log *slog.Logger) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		userID:      userID,
		connectedAt: time.Now(),
		convRepo:    convRepo,
		limiter:     rate.NewLimiter(rate.Limit(20), 20),
		log:         log.With("user_id", userID),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.leave()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			break
		}

		if !c.limiter.Allow() {
			c.sendError("rate_limited")
			continue
		}

		c.handleMessage(message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (c *Client) handleMessage(data []byte) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch env.Event {
	case models.EventJoin:
		c.handleJoin(env.Payload)

	case models.EventTypingStart, models.EventTypingStop:
		c.handleTyping(env.Event, env.Payload)

	default:
		c.sendError("Unknown event type")
	}
}

func (c *Client) handleJoin(payload json.RawMessage) {
	var req models.JoinPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("Invalid join payload")
		return
	}
	if req.UserID != c.userID {
		c.log.Warn("join for another user rejected", "requested", req.UserID)
		c.sendError("Access denied")
		return
	}
	if c.joined.Swap(true) {
		return
	}

	select {
	case c.hub.register <- c:
	case <-c.hub.stopped:
	}
}

// handleTyping relays a typing indicator to the other member
func (c *Client) handleTyping(event string, payload json.RawMessage) {
	if !c.joined.Load() {
		return
	}

	var req models.TypingPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("Invalid typing payload")
		return
	}

	members, err := c.convRepo.GetMembers(req.ConversationID)
	if err != nil || !lo.Contains(members, c.userID) {
		return
	}

	req.UserID = c.userID
	req.IsTyping = event == models.EventTypingStart
	others := lo.Without(members, c.userID)

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.hub.Publish(ctx, others, models.WSMessage{Event: event, Payload: req}); err != nil {
		c.log.Warn("failed to relay typing indicator", "error", err)
	}
}

func (c *Client) leave() {
	if !c.joined.Load() {
		c.closeSend()
		return
	}
	select {
	case c.hub.unregister <- c:
	case <-c.hub.stopped:
		c.closeSend()
	}
}

// trySend queues data without blocking; false means full or closed
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	data, _ := json.Marshal(models.WSMessage{
		Event:   models.EventError,
		Payload: models.WSErrorPayload{Message: message},
	})
	c.trySend(data)
}
