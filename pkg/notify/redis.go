package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// ChannelPrefix namespaces status channels: status:<request id>.
const ChannelPrefix = "status:"

// RedisNotifier publishes status events for other processes.
type RedisNotifier struct {
	client redis.UniversalClient
}

var _ core.Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier wraps a connected client.
func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Push publishes ev as JSON. Nobody listening is not an error.
func (n *RedisNotifier) Push(ctx context.Context, ev core.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	return n.client.Publish(ctx, ChannelPrefix+ev.RequestID, payload).Err()
}

// RedisBridge forwards published status events into a local Hub.
type RedisBridge struct {
	client redis.UniversalClient
	hub    *Hub
	logger *slog.Logger
}

// NewRedisBridge creates a bridge feeding hub.
func NewRedisBridge(client redis.UniversalClient, hub *Hub) *RedisBridge {
	return &RedisBridge{client: client, hub: hub, logger: slog.Default()}
}

// SetLogger sets the bridge's logger.
func (b *RedisBridge) SetLogger(l *slog.Logger) {
	b.logger = l
}

// Start subscribes to status:* and blocks until ctx is cancelled.
func (b *RedisBridge) Start(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer pubsub.Close()

	b.logger.Info("status bridge started", "pattern", ChannelPrefix+"*")
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("status bridge stopped")
				return ctx.Err()
			}
			b.logger.Error("receive status message failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		b.forward(ctx, msg.Channel, msg.Payload)
	}
}

func (b *RedisBridge) forward(ctx context.Context, channel, payload string) {
	var ev core.StatusEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Warn("malformed status message", "channel", channel, "error", err)
		return
	}
	if ev.RequestID == "" {
		ev.RequestID = strings.TrimPrefix(channel, ChannelPrefix)
	}
	_ = b.hub.Push(ctx, ev)
}
