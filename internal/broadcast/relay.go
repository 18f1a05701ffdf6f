package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRelayChannel is the pub/sub channel shared by every API instance.
const DefaultRelayChannel = "pipeline:deltas"

type envelope struct {
	Origin   string    `json:"origin"`
	Delta    *Delta    `json:"delta,omitempty"`
	Presence *Presence `json:"presence,omitempty"`
}

// RedisRelay publishes deltas to the local hub and to every other instance
// through Redis pub/sub. Deltas it receives from other instances go to the
// local hub only.
type RedisRelay struct {
	hub      *Hub
	client   redis.UniversalClient
	channel  string
	instance string
	log      *logger.Logger
	ready    chan struct{}
}

func NewRedisRelay(hub *Hub, client redis.UniversalClient, channel string, log *logger.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		hub:      hub,
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		log:      log,
		ready:    make(chan struct{}),
	}
}

// Publish delivers locally first, then fans out. A Redis failure only costs
// remote sessions the delta; they converge on their next reload.
func (r *RedisRelay) Publish(ctx context.Context, d Delta) {
	r.hub.Publish(ctx, d)
	r.relay(ctx, envelope{Origin: r.instance, Delta: &d}, d.LeadID)
}

// PublishPresence delivers locally first, then fans out.
func (r *RedisRelay) PublishPresence(ctx context.Context, p Presence) {
	r.hub.PublishPresence(ctx, p)
	r.relay(ctx, envelope{Origin: r.instance, Presence: &p}, p.LeadID)
}

func (r *RedisRelay) relay(ctx context.Context, env envelope, leadID uuid.UUID) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.log.Error("failed to encode broadcast", "leadId", leadID, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Warn("failed to relay broadcast", "leadId", leadID, "error", err)
	}
}

// Ready is closed once the subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run consumes deltas from other instances until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("dropping undecodable delta", "error", err)
				continue
			}
			switch {
			case env.Origin == r.instance:
			case env.Delta != nil:
				r.hub.Publish(ctx, *env.Delta)
			case env.Presence != nil:
				r.hub.PublishPresence(ctx, *env.Presence)
			}
		}
	}
}

var _ Publisher = (*RedisRelay)(nil)
