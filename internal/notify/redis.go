package notify

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on a pub/sub channel.
type RedisPublisher struct {
	client  goredis.UniversalClient
	channel string
}

func NewRedisPublisher(client goredis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = "routecash.events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	return nil
}
