// Package redis is the shared work queue: a reliable list pattern where a
// consumer atomically moves an id from the pending list to a processing
// list and removes it from there on Ack.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fazendabrasil/gonfpe/internal/core/queue"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
)

// Queue implements queue.Queue and queue.Recoverer on Redis lists.
//
// Keys, under the configured prefix:
//
//	<prefix>:queue:pending     ids waiting for a worker (LPUSH / BLMOVE RIGHT)
//	<prefix>:queue:processing  ids handed to a worker and not yet acknowledged
//	<prefix>:queue:inflight    sorted set id -> unix time of delivery
type Queue struct {
	client     *redis.Client
	ownsClient bool
	pending    string
	processing string
	inflight   string
	block      time.Duration
	now        func() time.Time
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg config.RedisSettings) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	q := NewWithClient(client, cfg.Prefix)
	q.ownsClient = true
	return q, nil
}

// NewWithClient builds a queue on an existing client, which Close leaves
// open.
func NewWithClient(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "nfpe"
	}
	return &Queue{
		client:     client,
		pending:    prefix + ":queue:pending",
		processing: prefix + ":queue:processing",
		inflight:   prefix + ":queue:inflight",
		block:      5 * time.Second,
		now:        time.Now,
	}
}

func (q *Queue) Enqueue(ctx context.Context, documentID string) error {
	if err := q.client.LPush(ctx, q.pending, documentID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", documentID, err)
	}
	return nil
}

// Dequeue waits in slices of the block timeout so ctx cancellation is seen
// promptly.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return queue.Delivery{}, err
		}
		id, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, redis.ErrClosed) {
			return queue.Delivery{}, queue.ErrClosed
		}
		if err != nil {
			if ctx.Err() != nil {
				return queue.Delivery{}, ctx.Err()
			}
			return queue.Delivery{}, fmt.Errorf("dequeue: %w", err)
		}

		if err := q.client.ZAdd(ctx, q.inflight, redis.Z{
			Score:  float64(q.now().Unix()),
			Member: id,
		}).Err(); err != nil {
			return queue.Delivery{}, fmt.Errorf("mark in flight: %w", err)
		}
		return queue.Delivery{DocumentID: id, Token: id}, nil
	}
}

// Ack drops the delivery from the processing list.
func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.Token)
		pipe.ZRem(ctx, q.inflight, d.Token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.DocumentID, err)
	}
	return nil
}

// Len reports the pending backlog.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// RequeueStale moves deliveries unacknowledged for longer than olderThan
// back to the pending list. Entries found in the processing list without
// an in-flight mark (a consumer died between BLMOVE and ZADD) are marked
// now and picked up by a later call.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	processing, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	for _, id := range processing {
		err := q.client.ZAddNX(ctx, q.inflight, redis.Z{
			Score:  float64(q.now().Unix()),
			Member: id,
		}).Err()
		if err != nil {
			return 0, fmt.Errorf("mark orphan %s: %w", id, err)
		}
	}

	cutoff := q.now().Add(-olderThan).Unix()
	stale, err := q.client.ZRangeByScore(ctx, q.inflight, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}

	for _, id := range stale {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, id)
			pipe.ZRem(ctx, q.inflight, id)
			pipe.RPush(ctx, q.pending, id)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("requeue %s: %w", id, err)
		}
	}
	return len(stale), nil
}

// Ping reports whether Redis answers.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}
