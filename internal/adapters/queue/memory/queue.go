// Package memory is the in-process work queue, a buffered channel shared by
// the workers of one process.
package memory

import (
	"context"
	"sync"

	"fazendabrasil/gonfpe/internal/core/queue"
)

// Queue implements queue.Queue over a channel. Ack is a no-op: an id lost
// with the process is found again by the sweeper.
type Queue struct {
	ch     chan string
	done   chan struct{}
	closed sync.Once
}

// New creates a queue holding up to buffer ids.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 1
	}
	return &Queue{
		ch:   make(chan string, buffer),
		done: make(chan struct{}),
	}
}

// Enqueue returns queue.ErrFull instead of waiting when the buffer is full,
// so callers never stall on a pool that is busy or not running.
func (q *Queue) Enqueue(ctx context.Context, documentID string) error {
	select {
	case <-q.done:
		return queue.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- documentID:
		return nil
	default:
		return queue.ErrFull
	}
}

func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case id := <-q.ch:
		return queue.Delivery{DocumentID: id}, nil
	case <-q.done:
		return queue.Delivery{}, queue.ErrClosed
	case <-ctx.Done():
		return queue.Delivery{}, ctx.Err()
	}
}

func (q *Queue) Ack(context.Context, queue.Delivery) error { return nil }

func (q *Queue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close stops blocked consumers. Ids still buffered are dropped.
func (q *Queue) Close() error {
	q.closed.Do(func() { close(q.done) })
	return nil
}
