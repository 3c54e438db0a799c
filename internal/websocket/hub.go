package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/samber/lo"
	"github.com/tullo/marketchat/internal/cache"
	"github.com/tullo/marketchat/internal/models"
)

// Hub tracks joined clients per user and delivers events to them.
// With Redis, deliveries go through pub/sub so that every server
// instance reaches its own connections.
type Hub struct {
	// Joined clients by user; a user may hold several connections
	clients map[string]map[*Client]struct{}

	// Deliveries to hand to local clients
	deliveries chan cache.Delivery

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}

	// Redis client for pub/sub and presence, nil for a single instance
	redis *cache.RedisClient
	log   *slog.Logger

	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(redis *cache.RedisClient, log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		deliveries: make(chan cache.Delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		redis:      redis,
		log:        log.With("component", "hub"),
	}
}

// Run serves registrations and deliveries until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	if h.redis != nil {
		go h.subscribeToRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]struct{})
			}
			h.clients[client.userID][client] = struct{}{}
			h.mu.Unlock()

			h.setPresence(ctx, client.userID, true)
			h.log.Info("client joined", "user_id", client.userID)

		case client := <-h.unregister:
			h.mu.Lock()
			last := h.remove(client)
			h.mu.Unlock()
			client.closeSend()

			if last {
				h.setPresence(ctx, client.userID, false)
			}
			h.log.Info("client left", "user_id", client.userID)

		case delivery := <-h.deliveries:
			h.deliverLocal(delivery)
		}
	}
}

// Publish delivers an event to every joined connection of the recipients
func (h *Hub) Publish(ctx context.Context, recipients []string, event models.WSMessage) error {
	delivery := cache.Delivery{Recipients: lo.Uniq(recipients), Event: event}
	if h.redis != nil {
		err := h.redis.PublishEvent(ctx, delivery)
		if err == nil {
			return nil
		}
		h.log.Warn("redis publish failed, delivering locally", "error", err)
	}

	select {
	case h.deliveries <- delivery:
		return nil
	case <-h.stopped:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendToUsers writes message to the local connections of userIDs
func (h *Hub) SendToUsers(userIDs []string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	h.sendRaw(userIDs, data)
	return nil
}

// GetOnlineUsers returns the ids of users with a joined connection
func (h *Hub) GetOnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Keys(h.clients)
}

// IsUserOnline checks if a user is online
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) deliverLocal(delivery cache.Delivery) {
	if err := h.SendToUsers(delivery.Recipients, delivery.Event); err != nil {
		h.log.Error("failed to encode event", "event", delivery.Event.Event, "error", err)
	}
}

func (h *Hub) sendRaw(userIDs []string, data []byte) {
	var slow []*Client

	h.mu.RLock()
	for _, userID := range userIDs {
		for client := range h.clients[userID] {
			if !client.trySend(data) {
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()

	// a client that cannot keep up is dropped; it will reconnect and catch up
	for _, client := range slow {
		h.log.Warn("dropping slow client", "user_id", client.userID)
		h.mu.Lock()
		h.remove(client)
		h.mu.Unlock()
		client.closeSend()
	}
}

// remove reports whether client was the user's last connection
func (h *Hub) remove(client *Client) bool {
	conns, ok := h.clients[client.userID]
	if !ok {
		return false
	}
	if _, ok := conns[client]; !ok {
		return false
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, client.userID)
		return true
	}
	return false
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.clients {
		for client := range conns {
			client.closeSend()
		}
		delete(h.clients, userID)
	}
}

func (h *Hub) setPresence(ctx context.Context, userID string, online bool) {
	if h.redis == nil {
		return
	}
	var err error
	if online {
		err = h.redis.SetUserOnline(ctx, userID)
	} else {
		err = h.redis.SetUserOffline(ctx, userID)
	}
	if err != nil {
		h.log.Warn("failed to update presence", "user_id", userID, "error", err)
	}
}

// subscribeToRedis feeds deliveries published by any instance to local clients
func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.redis.SubscribeToEvents(ctx)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var delivery cache.Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &delivery); err != nil {
				h.log.Warn("invalid delivery on redis", "error", err)
				continue
			}
			select {
			case h.deliveries <- delivery:
			case <-ctx.Done():
				return
			}
		}
	}
}
