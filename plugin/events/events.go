// Package events publishes session lifecycle events to other services.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Event types.
const (
	TypeAgentRegistered   = "agent.registered"
	TypeAgentUnregistered = "agent.unregistered"
	TypeSessionCreated    = "session.created"
	TypeSessionEnded      = "session.ended"
	TypeSessionFailed     = "session.failed"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	AgentID   int32     `json:"agentId"`
	TenantID  int32     `json:"tenantId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	RoomName  string    `json:"roomName,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

func (NoopPublisher) Close() error { return nil }

// RedisPublisher publishes JSON events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	Channel  string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return NewRedisPublisherWithClient(client, cfg.Channel), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends the event to the channel.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish %s", event.Type)
	}
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// PublishAsync publishes in the background and logs failures.
func PublishAsync(p Publisher, event Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Publish(ctx, event); err != nil {
			slog.Warn("failed to publish event",
				slog.String("type", event.Type),
				slog.String("session_id", event.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
