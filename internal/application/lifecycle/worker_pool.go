package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/queue"
	ctxutil "fazendabrasil/gonfpe/internal/infrastructure/context"
)

// Processor runs one processing attempt for a document.
type Processor interface {
	Process(ctx context.Context, id string) (*nfpe.Document, error)
}

// WorkerPool consumes document ids from a queue and processes them
// concurrently. Every delivery is acknowledged once its outcome is
// persisted; deliveries interrupted by Stop are left for redelivery.
type WorkerPool struct {
	workerCount int
	queue       queue.Queue
	processor   Processor
	log         *slog.Logger
	retryDelay  time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a pool of workerCount workers. workerCount below 1
// defaults to 4.
func NewWorkerPool(ctx context.Context, workerCount int, q queue.Queue, processor Processor, log *slog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	poolCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		workerCount: workerCount,
		queue:       q,
		processor:   processor,
		log:         log.With("component", "worker_pool"),
		retryDelay:  time.Second,
		ctx:         poolCtx,
		cancel:      cancel,
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	p.log.Info("starting workers", "workers", p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels in-flight work and waits for every worker to return.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Info("workers stopped")
}

// Submit queues a document id.
func (p *WorkerPool) Submit(ctx context.Context, documentID string) error {
	return p.queue.Enqueue(ctx, documentID)
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	log := p.log.With("worker", id)

	for {
		d, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || p.ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			select {
			case <-time.After(p.retryDelay):
				continue
			case <-p.ctx.Done():
				return
			}
		}
		p.handle(log, d)
	}
}

func (p *WorkerPool) handle(log *slog.Logger, d queue.Delivery) {
	// Each delivery gets its own correlation id for the SEFAZ audit trail.
	doc, err := p.processor.Process(ctxutil.EnsureCorrelationID(p.ctx), d.DocumentID)
	switch {
	case err == nil:
		log.Info("document processed", "document_id", d.DocumentID, "status", doc.Status)
	case errors.Is(err, nfpe.ErrNotClaimable):
		log.Debug("duplicate delivery ignored", "document_id", d.DocumentID, "error", err)
	case errors.Is(err, nfpe.ErrOwnershipLost):
		log.Warn("attempt superseded by another worker", "document_id", d.DocumentID, "error", err)
	case errors.Is(err, nfpe.ErrNotFound):
		log.Warn("queued document no longer exists", "document_id", d.DocumentID)
	case p.ctx.Err() != nil:
		log.Warn("processing interrupted by shutdown", "document_id", d.DocumentID)
		return
	default:
		log.Warn("document processing failed", "document_id", d.DocumentID, "error", err)
	}

	if err := p.queue.Ack(context.WithoutCancel(p.ctx), d); err != nil {
		log.Error("ack failed", "document_id", d.DocumentID, "error", err)
	}
}
