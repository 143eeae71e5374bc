package accesslog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/devkishan/fluxgate/internal/eventstream"
	"github.com/devkishan/fluxgate/internal/model"
)

const (
	consumerGroup = "alog-consumers"
	readBlock     = 5 * time.Second
	readCount     = 100
)

// groupReader is the narrow slice of *redis.Client the consumer needs.
type groupReader interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Consumer reads every access-log shard stream via a dedicated consumer
// group (one group-member goroutine per shard, starting at "$" — only
// events published after the consumer starts) and hands each decoded
// event to an eventstream.Registry.
type Consumer struct {
	client     groupReader
	shardCount int
	consumerID string
	registry   *eventstream.Registry
	log        *slog.Logger
}

// NewConsumer constructs a Consumer. consumerID should be unique per
// gateway process (e.g. hostname:pid) so consumer-group bookkeeping does
// not collide across instances.
func NewConsumer(client groupReader, shardCount int, consumerID string, registry *eventstream.Registry, log *slog.Logger) *Consumer {
	return &Consumer{
		client:     client,
		shardCount: shardCount,
		consumerID: consumerID,
		registry:   registry,
		log:        log,
	}
}

// Run creates the consumer group on every shard (if missing) and reads
// each shard in its own goroutine until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for i := 0; i < c.shardCount; i++ {
		stream := ShardStreamKey(i)
		if err := c.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "$").Err(); err != nil && !isBusyGroupError(err) {
			if c.log != nil {
				c.log.Warn("access_log_group_create_failed", slog.String("stream", stream), slog.String("error", err.Error()))
			}
		}
		go c.readShard(ctx, stream)
	}
}

func (c *Consumer) readShard(ctx context.Context, stream string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: c.consumerID,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if c.log != nil {
				c.log.Warn("access_log_xreadgroup_failed", slog.String("stream", stream), slog.String("error", err.Error()))
			}
			continue
		}

		for _, s := range streams {
			ids := make([]string, 0, len(s.Messages))
			for _, msg := range s.Messages {
				c.deliver(msg)
				ids = append(ids, msg.ID)
			}
			if len(ids) > 0 {
				c.client.XAck(ctx, stream, consumerGroup, ids...)
			}
		}
	}
}

func (c *Consumer) deliver(msg redis.XMessage) {
	raw, ok := msg.Values["event"]
	if !ok {
		return
	}
	s, ok := raw.(string)
	if !ok {
		return
	}
	var event model.AccessLogEvent
	if err := sonic.UnmarshalString(s, &event); err != nil {
		if c.log != nil {
			c.log.Warn("access_log_decode_failed", slog.String("error", err.Error()))
		}
		return
	}
	c.registry.Broadcast(event)
}

// isBusyGroupError reports whether err is Redis's BUSYGROUP response,
// meaning the consumer group already exists — expected on every restart.
func isBusyGroupError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
