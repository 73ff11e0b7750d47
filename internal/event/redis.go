package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes engine events to a Redis channel so external
// dashboards and metrics collectors can consume them without a direct
// connection to the engine. Wire it with bus.SubscribeAll(sink.Consume).
type RedisSink struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisSink creates a sink publishing to the given channel.
func NewRedisSink(rdb *redis.Client, channel string) *RedisSink {
	return &RedisSink{
		rdb:     rdb,
		channel: channel,
		timeout: 2 * time.Second,
	}
}

// Consume publishes one event. Publish failures are logged, never surfaced:
// event fan-out is observational and must not fail a capital mutation.
func (s *RedisSink) Consume(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		slog.Warn("redis event publish failed", "channel", s.channel, "type", e.Type, "err", err)
	}
}
