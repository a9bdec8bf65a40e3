package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeline/edgeline/internal/queue"
	"github.com/edgeline/edgeline/pkg/domain"
)

// Recorder receives job status transitions for instrumentation.
type Recorder interface {
	RecordJobStatus(queue, status string)
}

// Pool drives N workers over a set of queues. Each worker leases the next
// pending job, increments its attempt count, runs the handler, and either
// acks the job as terminal or nacks it back to the queue for another attempt.
type Pool struct {
	broker   queue.Broker
	results  queue.ResultStore
	handlers *Registry
	logger   *slog.Logger
	metrics  Recorder

	count        int
	queues       []string
	pollInterval time.Duration

	wg sync.WaitGroup
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithPoolRecorder attaches a metrics recorder.
func WithPoolRecorder(rec Recorder) PoolOption {
	return func(p *Pool) { p.metrics = rec }
}

// WithPollInterval sets how long an idle worker sleeps between passes over
// its queues.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// NewPool wires a pool of count workers over the given queues.
func NewPool(count int, queues []string, broker queue.Broker, results queue.ResultStore, handlers *Registry, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		broker:       broker,
		results:      results,
		handlers:     handlers,
		logger:       logger,
		count:        count,
		queues:       queues,
		pollInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. They run until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)
	logger.Info("worker started", "queues", p.queues)

	for {
		worked := false
		for _, q := range p.queues {
			if ctx.Err() != nil {
				logger.Info("worker stopped")
				return
			}
			lease, err := p.broker.Lease(ctx, q)
			if errors.Is(err, domain.ErrQueueEmpty) {
				continue
			}
			if err != nil {
				logger.Error("lease failed", "queue", q, "error", err)
				continue
			}
			p.process(ctx, logger, lease)
			worked = true
		}

		if !worked {
			select {
			case <-ctx.Done():
				logger.Info("worker stopped")
				return
			case <-time.After(p.pollInterval):
			}
		}
	}
}

// process runs one leased job attempt through its handler and settles the
// lease. The attempt count is incremented when execution begins, so a job
// that exhausts its budget reports attempt_count == max_attempts.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, lease *queue.Lease) {
	job, err := p.results.Get(ctx, lease.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		// The record was reaped while the id sat in the queue. Drop the lease.
		logger.Warn("leased job has no record, dropping", "job_id", lease.JobID)
		p.ack(ctx, logger, lease)
		return
	}
	if err != nil {
		logger.Error("load job failed", "job_id", lease.JobID, "error", err)
		p.nack(ctx, logger, lease, true)
		return
	}
	if job.Status.Terminal() {
		p.ack(ctx, logger, lease)
		return
	}

	// A lapsed lease can hand back a job whose final attempt already started
	// before its worker died. The budget is spent, so the job settles as
	// failed instead of cycling through the queue.
	if job.AttemptCount >= job.MaxAttempts {
		p.settle(ctx, logger, lease, job, func(j *domain.Job) error {
			j.Status = domain.StatusFailed
			j.Error = "attempt budget exhausted before completion"
			return nil
		}, domain.StatusFailed)
		logger.Warn("recovered job with exhausted attempts", "job_id", job.ID, "queue", job.Queue,
			"attempt_count", job.AttemptCount, "max_attempts", job.MaxAttempts)
		return
	}

	var attempt int
	err = p.results.Update(ctx, job.ID, func(j *domain.Job) error {
		j.AttemptCount++
		j.Status = domain.StatusInProgress
		attempt = j.AttemptCount
		return nil
	})
	if err != nil {
		logger.Error("begin attempt failed", "job_id", job.ID, "error", err)
		p.nack(ctx, logger, lease, true)
		return
	}
	job.AttemptCount = attempt
	job.Status = domain.StatusInProgress
	p.recordStatus(job.Queue, domain.StatusInProgress)

	handler, ok := p.handlers.Lookup(job.Queue)
	var result []byte
	var runErr error
	if !ok {
		runErr = fmt.Errorf("no handler registered for queue %q", job.Queue)
	} else {
		result, runErr = p.runHandler(ctx, handler, job)
	}

	if runErr == nil {
		p.settle(ctx, logger, lease, job, func(j *domain.Job) error {
			j.Status = domain.StatusSucceeded
			j.Result = result
			j.Error = ""
			return nil
		}, domain.StatusSucceeded)
		logger.Info("job succeeded", "job_id", job.ID, "queue", job.Queue, "attempt", attempt)
		return
	}

	if attempt >= job.MaxAttempts {
		p.settle(ctx, logger, lease, job, func(j *domain.Job) error {
			j.Status = domain.StatusFailed
			j.Error = runErr.Error()
			return nil
		}, domain.StatusFailed)
		logger.Warn("job failed permanently", "job_id", job.ID, "queue", job.Queue,
			"attempt", attempt, "max_attempts", job.MaxAttempts, "error", runErr)
		return
	}

	// Budget remains: back to queued and requeue at the tail.
	err = p.results.Update(ctx, job.ID, func(j *domain.Job) error {
		j.Status = domain.StatusQueued
		j.Error = runErr.Error()
		return nil
	})
	if err != nil {
		logger.Error("record retry failed", "job_id", job.ID, "error", err)
	}
	p.recordStatus(job.Queue, domain.StatusQueued)
	p.nack(ctx, logger, lease, true)
	logger.Info("job attempt failed, requeued", "job_id", job.ID, "queue", job.Queue,
		"attempt", attempt, "max_attempts", job.MaxAttempts, "error", runErr)
}

// runHandler isolates handler panics so one bad job cannot kill a worker.
func (p *Pool) runHandler(ctx context.Context, handler Handler, job *domain.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// settle writes the terminal record and releases the lease: ack on success,
// discarding nack on permanent failure.
func (p *Pool) settle(ctx context.Context, logger *slog.Logger, lease *queue.Lease, job *domain.Job, mutate func(*domain.Job) error, status domain.JobStatus) {
	if err := p.results.Update(ctx, job.ID, mutate); err != nil {
		logger.Error("record outcome failed", "job_id", job.ID, "error", err)
		p.nack(ctx, logger, lease, true)
		return
	}
	p.recordStatus(job.Queue, status)
	if status == domain.StatusSucceeded {
		p.ack(ctx, logger, lease)
	} else {
		p.nack(ctx, logger, lease, false)
	}
}

func (p *Pool) ack(ctx context.Context, logger *slog.Logger, lease *queue.Lease) {
	if err := p.broker.Ack(ctx, lease); err != nil {
		logger.Error("ack failed", "job_id", lease.JobID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, logger *slog.Logger, lease *queue.Lease, requeue bool) {
	if err := p.broker.Nack(ctx, lease, requeue); err != nil {
		logger.Error("nack failed", "job_id", lease.JobID, "error", err)
	}
}

func (p *Pool) recordStatus(queueName string, status domain.JobStatus) {
	if p.metrics != nil {
		p.metrics.RecordJobStatus(queueName, string(status))
	}
}
