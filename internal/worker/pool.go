// Package worker runs the generic polling engine that pulls jobs off the
// shared queue and executes a job-kind handler under bounded concurrency.
// Multiple pools in multiple pods run against the same queue; the queue's
// atomic claim is the only coordination between them.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rameshkrishnan/finflow/internal/config"
	"github.com/rameshkrishnan/finflow/internal/queue"
	"github.com/rameshkrishnan/finflow/pkg/models"
	"golang.org/x/sync/semaphore"
)

const finalizeTimeout = 10 * time.Second

// Handler executes one job. Any durable side effect the handler is
// responsible for must be persisted and confirmed before it returns nil:
// a nil return is what triggers the ack. Errors are retryable by default;
// wrap with Fatal to fail the job permanently.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *models.Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) (any, error) {
	return f(ctx, job)
}

// Mux dispatches jobs to per-kind handlers. Kinds mirror the queue's
// payload registry, so a claimed job with an unknown kind is a deployment
// mismatch and fails fatally.
type Mux struct {
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

func (m *Mux) Register(kind string, h Handler) {
	m.handlers[kind] = h
}

func (m *Mux) Handle(ctx context.Context, job *models.Job) (any, error) {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return nil, Fatal(fmt.Errorf("no handler registered for kind %q", job.Kind))
	}
	return h.Handle(ctx, job)
}

// Pool polls the queue and runs up to MaxConcurrent jobs at once.
type Pool struct {
	id      string
	queue   queue.Queue
	handler Handler
	cfg     config.WorkerConfig

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	pollCancel context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc
}

func NewPool(workerID string, q queue.Queue, h Handler, cfg config.WorkerConfig) *Pool {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool{
		id:      workerID,
		queue:   q,
		handler: h,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called. It
// blocks, so callers typically run it in its own goroutine. Queue errors
// log and back off; they never crash the process.
func (p *Pool) Start(ctx context.Context) {
	pollCtx, pollCancel := context.WithCancel(ctx)
	p.pollCancel = pollCancel
	// In-flight jobs outlive the poll loop so a shutdown can drain them.
	p.taskCtx, p.taskCancel = context.WithCancel(context.Background())

	slog.Info("worker pool started",
		"worker_id", p.id,
		"max_concurrent", p.cfg.MaxConcurrent,
		"poll_interval", p.cfg.PollInterval.String())

	for {
		if err := p.sem.Acquire(pollCtx, 1); err != nil {
			return
		}

		job, ok, err := p.queue.Dequeue(pollCtx, p.id)
		if err != nil {
			p.sem.Release(1)
			if pollCtx.Err() != nil {
				return
			}
			slog.Error("dequeue failed, backing off", "worker_id", p.id, "error", err)
			if !sleep(pollCtx, 2*p.cfg.PollInterval) {
				return
			}
			continue
		}
		if !ok {
			p.sem.Release(1)
			if !sleep(pollCtx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.wg.Add(1)
		go p.process(job)
	}
}

// Stop halts polling, then waits up to DrainTimeout for in-flight jobs to
// finish. Jobs still running past the timeout are cancelled through their
// context, so nothing is silently abandoned without at least an attempt at
// graceful completion.
func (p *Pool) Stop() {
	if p.pollCancel != nil {
		p.pollCancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		slog.Warn("drain timeout reached, cancelling in-flight jobs", "worker_id", p.id)
		if p.taskCancel != nil {
			p.taskCancel()
		}
		// Grace period for handlers to observe cancellation and finalize.
		select {
		case <-done:
		case <-time.After(finalizeTimeout):
			slog.Error("in-flight jobs did not exit after cancellation", "worker_id", p.id)
		}
	}
	if p.taskCancel != nil {
		p.taskCancel()
	}
	slog.Info("worker pool stopped", "worker_id", p.id)
}

func (p *Pool) process(job *models.Job) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	jobCtx := p.taskCtx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	slog.Info("job claimed",
		"worker_id", p.id,
		"job_id", job.ID.String(),
		"kind", job.Kind,
		"attempt", job.ClaimCount)

	result, err := p.safeHandle(jobCtx, job)

	// Finalization uses a fresh context: the job's outcome must still be
	// recorded when the job context is already cancelled or expired.
	finCtx, finCancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer finCancel()

	if err != nil {
		retry := !IsFatal(err)
		existed, nerr := p.queue.Nack(finCtx, job.ID, err.Error(), retry)
		if nerr != nil {
			slog.Error("nack failed", "worker_id", p.id, "job_id", job.ID.String(), "error", nerr)
			return
		}
		if !existed {
			slog.Warn("nack on unknown job, dropping", "worker_id", p.id, "job_id", job.ID.String())
			return
		}
		slog.Warn("job failed",
			"worker_id", p.id,
			"job_id", job.ID.String(),
			"retryable", retry,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return
	}

	acked, aerr := p.queue.Ack(finCtx, job.ID, result)
	if aerr != nil {
		slog.Error("ack failed", "worker_id", p.id, "job_id", job.ID.String(), "error", aerr)
		return
	}
	if !acked {
		// Stale operation: the job was finalized elsewhere. The handler's
		// own persistence already succeeded, so there is nothing to undo.
		slog.Warn("stale ack ignored", "worker_id", p.id, "job_id", job.ID.String())
		return
	}
	slog.Info("job completed",
		"worker_id", p.id,
		"job_id", job.ID.String(),
		"duration_ms", time.Since(start).Milliseconds())
}

// safeHandle runs the handler, converting a panic into a retryable error.
func (p *Pool) safeHandle(ctx context.Context, job *models.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job handler",
				"worker_id", p.id,
				"job_id", job.ID.String(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, job)
}

// sleep waits for d or until ctx is done; returns false when cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
