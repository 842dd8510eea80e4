package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type relayMessage struct {
	Origin   string   `json:"origin"`
	Envelope Envelope `json:"envelope"`
}

// RedisRelay shares envelopes between processes over Redis pub/sub so a
// worker-only process reaches clients connected to the API process.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	logger  *zap.SugaredLogger
}

func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *zap.SugaredLogger) *RedisRelay {
	if channel == "" {
		channel = "docflow:notifications"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		logger:  logger,
	}
}

func (r *RedisRelay) Publish(ctx context.Context, envelope Envelope) error {
	encoded, err := json.Marshal(relayMessage{Origin: r.origin, Envelope: envelope})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, encoded).Err(); err != nil {
		return fmt.Errorf("publish relay message: %w", err)
	}
	return nil
}

// Run forwards the hub's envelopes to Redis and delivers envelopes published
// by other processes until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.hub.RunRelay(ctx)

	subscription := r.client.Subscribe(ctx, r.channel)
	defer subscription.Close()

	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay channel: %w", err)
	}
	r.logger.Infow("notification relay subscribed", "channel", r.channel, "origin", r.origin)

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(message.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var decoded relayMessage
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		r.logger.Warnw("drop malformed relay message", "error", err)
		return
	}
	if decoded.Origin == r.origin {
		return
	}
	r.hub.Deliver(decoded.Envelope)
}
