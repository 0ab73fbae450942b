package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/queue"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
)

// StaleMessage is stored on documents released from a dead worker.
const StaleMessage = "processamento interrompido; documento liberado para nova tentativa"

// DepthRecorder receives the queue backlog after each sweep.
type DepthRecorder interface {
	SetQueueDepth(n int)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Released  int
	Recovered int
	Enqueued  int
	Skipped   bool
}

// Sweeper periodically feeds the queue with documents that still need
// work: PENDING documents, ERROR documents below the attempt limit and
// documents abandoned in PROCESSING.
type Sweeper struct {
	docs  nfpe.DocumentRepository
	queue queue.Queue
	cfg   config.LifecycleSettings
	depth DepthRecorder
	log   *slog.Logger
}

// NewSweeper creates a sweeper. depth may be nil.
func NewSweeper(docs nfpe.DocumentRepository, q queue.Queue, cfg config.LifecycleSettings, depth DepthRecorder, log *slog.Logger) *Sweeper {
	return &Sweeper{
		docs:  docs,
		queue: q,
		cfg:   cfg,
		depth: depth,
		log:   log.With("component", "sweeper"),
	}
}

// Run sweeps once immediately and then every SweepInterval until ctx is
// done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass. Retryable documents are only enqueued when the
// queue is drained, so a slow pool does not accumulate duplicates.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	if s.cfg.StaleAfter > 0 {
		released, err := s.docs.ReleaseStale(ctx, s.cfg.StaleAfter, StaleMessage)
		if err != nil {
			return res, fmt.Errorf("release stale documents: %w", err)
		}
		res.Released = len(released)
		if rec, ok := s.queue.(queue.Recoverer); ok {
			n, err := rec.RequeueStale(ctx, s.cfg.StaleAfter)
			if err != nil {
				return res, fmt.Errorf("requeue stale deliveries: %w", err)
			}
			res.Recovered = n
		}
	}

	backlog, err := s.queue.Len(ctx)
	if err != nil {
		return res, fmt.Errorf("queue length: %w", err)
	}
	if backlog > 0 {
		res.Skipped = true
		s.record(backlog)
		s.log.DebugContext(ctx, "queue not drained, skipping enqueue", "backlog", backlog)
		return res, nil
	}

	ids, err := s.docs.ListRetryable(ctx, s.cfg.MaxAttempts, s.cfg.SweepBatch)
	if err != nil {
		return res, fmt.Errorf("list retryable documents: %w", err)
	}
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			if errors.Is(err, queue.ErrFull) {
				s.log.DebugContext(ctx, "queue full, rest of the batch left for the next sweep", "enqueued", res.Enqueued)
				break
			}
			if errors.Is(err, queue.ErrClosed) {
				return res, err
			}
			return res, fmt.Errorf("enqueue %s: %w", id, err)
		}
		res.Enqueued++
	}
	s.record(int64(res.Enqueued))

	if res.Released > 0 || res.Recovered > 0 || res.Enqueued > 0 {
		s.log.InfoContext(ctx, "sweep completed",
			"released", res.Released,
			"recovered", res.Recovered,
			"enqueued", res.Enqueued,
		)
	}
	return res, nil
}

func (s *Sweeper) record(backlog int64) {
	if s.depth != nil {
		s.depth.SetQueueDepth(int(backlog))
	}
}
