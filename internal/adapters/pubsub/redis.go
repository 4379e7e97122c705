package pubsub

import (
	"context"
	"fmt"

	"github.com/dkeye/Lounge/internal/core"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const channelPrefix = "lounge:"

// Redis publishes change events on one Redis channel per collection so every
// server process sharing a database observes every write.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info().Str("module", "pubsub.redis").Str("addr", opt.Addr).Msg("connected")
	return &Redis{rdb: rdb}, nil
}

func (b *Redis) Close() error { return b.rdb.Close() }

func channelFor(coll core.Collection) string { return channelPrefix + string(coll) }

func (b *Redis) Publish(ctx context.Context, ev core.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelFor(ev.Record.Collection), payload).Err(); err != nil {
		log.Error().Err(err).Str("module", "pubsub.redis").Str("collection", string(ev.Record.Collection)).Msg("publish failed")
		return err
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, coll core.Collection, fn func(core.Event)) (func(), error) {
	ps := b.rdb.Subscribe(ctx, channelFor(coll))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", coll, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var ev core.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("module", "pubsub.redis").Str("channel", msg.Channel).Msg("dropping undecodable event")
				continue
			}
			fn(ev)
		}
		log.Debug().Str("module", "pubsub.redis").Str("collection", string(coll)).Msg("subscription closed")
	}()

	return func() { _ = ps.Close() }, nil
}
