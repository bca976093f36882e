package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// EventPublisher mirrors session broadcasts to an out-of-process channel
// so non-socket frontends (projector views, monitoring) can follow a
// session. Best effort: mirror failures never affect the websocket path.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, sessionID string, e Event)
}

// Redis is the narrow slice of the redis client the mirror needs.
type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type RedisPublisher struct {
	redis  Redis
	prefix string
}

func NewRedisPublisher(r Redis, prefix string) *RedisPublisher {
	return &RedisPublisher{
		redis:  r,
		prefix: prefix,
	}
}

func (p *RedisPublisher) PublishSessionEvent(ctx context.Context, sessionID string, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		slog.ErrorContext(ctx, "pubsub: marshal event failed",
			"event", string(e.Type),
			"error", err,
		)
		return
	}

	if err := p.redis.Publish(ctx, p.channel(sessionID), b).Err(); err != nil {
		slog.ErrorContext(ctx, "pubsub: publish failed",
			"event", string(e.Type),
			"session_id", sessionID,
			"error", err,
		)
	}
}

func (p *RedisPublisher) channel(sessionID string) string {
	return fmt.Sprintf("%s:phien:%s", p.prefix, sessionID)
}
