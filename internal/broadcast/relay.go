package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRelayChannel is the Pub/Sub channel shared by every node.
const DefaultRelayChannel = "scheduler:events"

type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay shares events between nodes over Redis Pub/Sub so actors connected to different
// nodes see the same stream. Events a node published itself are not forwarded back to it.
type RedisRelay struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  *slog.Logger
}

// NewRedisRelay constructs a relay. An empty channel uses DefaultRelayChannel.
func NewRedisRelay(client *redis.Client, channel, nodeID string, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		nodeID:  nodeID,
		logger:  logger.With(slog.String("component", "redis_relay"), slog.String("node_id", nodeID)),
	}
}

// Deliver implements Sink.
func (r *RedisRelay) Deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.nodeID, Event: event})
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Run forwards events from other nodes into local until ctx is done. ready, when non-nil, is
// closed once the subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context, local *Broadcaster, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info("relay listening", slog.String("channel", r.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				r.logger.Warn("relay: malformed message", slog.Any("error", err))
				continue
			}
			if envelope.Origin == r.nodeID {
				continue
			}
			local.Forward(envelope.Event)
		}
	}
}
