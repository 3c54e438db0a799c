package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tullo/marketchat/internal/models"
)

const (
	eventsChannel  = "chat:events"
	onlineTTL      = 5 * time.Minute
	offlineTTL     = 24 * time.Hour
	rateLimitTTLms = 60000
)

// Delivery is a live event addressed to a set of users. It travels over
// Redis pub/sub so every server instance can reach its own connections.
type Delivery struct {
	Recipients []string         `json:"recipients"`
	Event      models.WSMessage `json:"event"`
}

type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Presence Management

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

// SetUserOnline marks a user as online
func (r *RedisClient) SetUserOnline(ctx context.Context, userID string) error {
	return r.setPresence(ctx, userID, "online", onlineTTL)
}

// SetUserOffline marks a user as offline
func (r *RedisClient) SetUserOffline(ctx context.Context, userID string) error {
	return r.setPresence(ctx, userID, "offline", offlineTTL)
}

func (r *RedisClient) setPresence(ctx context.Context, userID, status string, ttl time.Duration) error {
	data, err := json.Marshal(models.UserPresence{
		UserID:   userID,
		Status:   status,
		LastSeen: time.Now(),
	})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, presenceKey(userID), data, ttl).Err()
}

// GetUserPresence gets a user's presence; unknown users are offline
func (r *RedisClient) GetUserPresence(ctx context.Context, userID string) (*models.UserPresence, error) {
	data, err := r.client.Get(ctx, presenceKey(userID)).Result()
	if err == redis.Nil {
		return &models.UserPresence{UserID: userID, Status: "offline"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.UserPresence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, err
	}
	return &presence, nil
}

// Pub/Sub

// PublishEvent publishes a delivery to every server instance
func (r *RedisClient) PublishEvent(ctx context.Context, delivery Delivery) error {
	data, err := json.Marshal(delivery)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, eventsChannel, data).Err()
}

// SubscribeToEvents subscribes to deliveries published by any instance
func (r *RedisClient) SubscribeToEvents(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, eventsChannel)
}

// AllowAction implements a Redis-backed token-bucket limiter per key (user+action).
// Returns true if the action is allowed, false if rate-limited.
func (r *RedisClient) AllowAction(ctx context.Context, userID, action string, rate, burst int) (bool, error) {
	key := fmt.Sprintf("rl:%s:%s", action, userID)
	now := time.Now().UnixMilli()
	res, err := allowScript.Run(ctx, r.client, []string{key}, rate, burst, now, rateLimitTTLms).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	return res == 1, nil
}

// tokens refill at ARGV[1] per second up to ARGV[2]
var allowScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local vals = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end
local delta = math.max(0, now - last)
tokens = math.min(burst, tokens + (delta * rate / 1000))
local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'last', now)
redis.call('PEXPIRE', key, ttl)
return allowed
`)
