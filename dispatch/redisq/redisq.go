// Package redisq implements dispatch.Dispatcher on Redis lists, so
// multiple worker processes can share the three priority queues.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	d := redisq.New(client)
//	if err := d.Ping(ctx); err != nil { ... }
//
// Each queue is a Redis list; Enqueue is LPUSH and Dequeue is BRPOP
// across all queue keys in priority order. BRPOP's key ordering gives
// the same priority semantics as the in-process dispatcher: the short
// queue always drains first.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/dispatch"
	"github.com/conveyorhq/conveyor/id"
)

// All keys are prefixed with "conveyor:" to avoid collisions.
const keyPrefix = "conveyor:"

// queueKey returns the list key for a queue: conveyor:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// popTimeout bounds each BRPOP so Dequeue can observe ctx cancellation.
const popTimeout = time.Second

// Dispatcher implements dispatch.Dispatcher on Redis lists.
type Dispatcher struct {
	client redis.Cmdable
	logger *slog.Logger
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Redis-backed dispatcher. The caller owns the Redis
// client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Dispatcher {
	d := &Dispatcher{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Ping verifies the Redis connection is alive.
func (d *Dispatcher) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Enqueue pushes the job ID onto the named queue.
func (d *Dispatcher) Enqueue(ctx context.Context, queue string, jobID id.ID) error {
	if err := d.client.LPush(ctx, queueKey(queue), jobID.String()).Err(); err != nil {
		return fmt.Errorf("redisq: enqueue %s to %s: %w", jobID, queue, err)
	}
	return nil
}

// Dequeue blocks on the given queues in priority order until a job ID
// arrives or ctx is done.
func (d *Dispatcher) Dequeue(ctx context.Context, queues []string) (id.ID, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}

	for {
		if err := ctx.Err(); err != nil {
			return id.Nil, err
		}

		res, err := d.client.BRPop(ctx, popTimeout, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return id.Nil, ctx.Err()
			}
			return id.Nil, fmt.Errorf("redisq: dequeue: %w", err)
		}

		// BRPOP returns [key, value].
		jobID, err := id.Parse(res[1])
		if err != nil {
			// A malformed entry is dropped, not redelivered forever.
			d.logger.Error("discarding malformed queue entry",
				slog.String("key", res[0]),
				slog.String("value", res[1]),
				slog.Any("error", err))
			continue
		}
		return jobID, nil
	}
}

// Depth returns the number of waiting IDs on a queue.
func (d *Dispatcher) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := d.client.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisq: depth %s: %w", queue, err)
	}
	return n, nil
}
