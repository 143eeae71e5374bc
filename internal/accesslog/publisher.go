// Package accesslog implements the Access Log Publisher (§4.5) and its
// consumer counterpart: a durable, clientIp-partitioned event stream backed
// by Redis Streams, standing in for the message broker no example in the
// retrieved pack carries.
package accesslog

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/devkishan/fluxgate/internal/model"
)

// ShardStreamKey returns the Redis Streams key for shard i.
func ShardStreamKey(i int) string {
	return fmt.Sprintf("alog:shard:%d", i)
}

// shardFor returns the shard index owning clientIP, in [0, shardCount).
func shardFor(clientIP string, shardCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientIP))
	return int(h.Sum32() % uint32(shardCount))
}

// streamAdder is the narrow slice of *redis.Client the publisher needs.
type streamAdder interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// Publisher enqueues AccessLogEvents onto a small buffered channel and
// drains them from a background goroutine, so that a slow or unavailable
// Redis never blocks the request-serving Proxy Engine.
type Publisher struct {
	client     streamAdder
	shardCount int
	log        *slog.Logger

	buffer chan model.AccessLogEvent
	done   chan struct{}
}

// NewPublisher constructs a Publisher with the given shard count and
// buffer depth, and starts its drain goroutine. Call Close to stop it.
func NewPublisher(client streamAdder, shardCount, bufferSize int, log *slog.Logger) *Publisher {
	p := &Publisher{
		client:     client,
		shardCount: shardCount,
		log:        log,
		buffer:     make(chan model.AccessLogEvent, bufferSize),
		done:       make(chan struct{}),
	}
	go p.drain()
	return p
}

// Publish enqueues event without blocking. If the internal buffer is full,
// the event is dropped and a WARN is logged: publishing must never add
// backpressure to the proxy pipeline.
func (p *Publisher) Publish(event model.AccessLogEvent) {
	select {
	case p.buffer <- event:
	default:
		if p.log != nil {
			p.log.Warn("access_log_publish_buffer_full", slog.String("path", event.Path))
		}
	}
}

func (p *Publisher) drain() {
	defer close(p.done)
	ctx := context.Background()
	for event := range p.buffer {
		p.write(ctx, event)
	}
}

func (p *Publisher) write(ctx context.Context, event model.AccessLogEvent) {
	payload, err := sonic.Marshal(event)
	if err != nil {
		if p.log != nil {
			p.log.Warn("access_log_marshal_failed", slog.String("error", err.Error()))
		}
		return
	}

	shard := shardFor(event.ClientIP, p.shardCount)
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ShardStreamKey(shard),
		Values: map[string]any{"event": payload},
	}).Err()
	if err != nil && p.log != nil {
		p.log.Warn("access_log_xadd_failed", slog.String("error", err.Error()), slog.Int("shard", shard))
	}
}

// Close stops accepting new events and waits for the buffer to drain.
func (p *Publisher) Close() {
	close(p.buffer)
	<-p.done
}
