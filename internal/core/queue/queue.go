// Package queue defines the work queue that feeds document ids to the
// lifecycle workers. Delivery is at-least-once: a consumer that crashes
// before Ack leaves the id to be delivered again, and the processing claim
// absorbs the duplicate.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by Dequeue after Close.
	ErrClosed = errors.New("queue: closed")
	// ErrFull is returned by a bounded queue that cannot take another id.
	// The id is not lost: the sweeper finds every PENDING or ERROR document.
	ErrFull = errors.New("queue: full")
)

// Delivery is one dequeued document id.
type Delivery struct {
	DocumentID string
	// Token identifies the delivery to Ack; its content is backend specific.
	Token string
}

// Queue is the work queue port.
type Queue interface {
	// Enqueue never waits for a consumer to make room.
	Enqueue(ctx context.Context, documentID string) error
	// Dequeue blocks until an id is available, ctx is done or the queue is
	// closed.
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Recoverer is implemented by queues that can put back deliveries that
// were never acknowledged.
type Recoverer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}
