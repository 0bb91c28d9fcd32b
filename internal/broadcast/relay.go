package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "plansync:vertical:"

// RedisRelay publishes events to a Redis channel per vertical and feeds
// every message seen on those channels into the local hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
}

func NewRedisRelay(client *redis.Client, hub *Hub) *RedisRelay {
	return &RedisRelay{client: client, hub: hub}
}

func Channel(vertical string) string {
	return channelPrefix + vertical
}

func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(event.Vertical), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Listen subscribes to every vertical channel and returns once Redis has
// confirmed the subscription. Messages are delivered to the hub until ctx is
// cancelled; the returned channel is closed when delivery stops.
func (r *RedisRelay) Listen(ctx context.Context) (<-chan struct{}, error) {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s*: %w", channelPrefix, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				r.deliver(msg)
			}
		}
	}()
	return done, nil
}

func (r *RedisRelay) deliver(msg *redis.Message) {
	var event Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		log.Printf("broadcast: discarding malformed message on %s: %v", msg.Channel, err)
		return
	}
	if event.Vertical == "" {
		event.Vertical = strings.TrimPrefix(msg.Channel, channelPrefix)
	}
	if err := r.hub.Deliver(event); err != nil {
		log.Printf("broadcast: deliver %s: %v", event.ID, err)
	}
}
