package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgeline/edgeline/pkg/domain"
)

// JobRecorder receives job status transitions for instrumentation.
type JobRecorder interface {
	RecordJobStatus(queue, status string)
}

// Producer submits jobs: it writes the queued record to the result store,
// then hands the job id to the broker. When the broker refuses the job the
// record is marked failed so a caller polling the id sees a terminal state.
type Producer struct {
	broker  Broker
	results ResultStore
	logger  *slog.Logger
	metrics JobRecorder
}

// NewProducer wires a producer over a broker and result store. metrics may be
// nil.
func NewProducer(broker Broker, results ResultStore, logger *slog.Logger, metrics JobRecorder) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{broker: broker, results: results, logger: logger, metrics: metrics}
}

// Submit creates a job on the queue and returns its record. maxAttempts
// values below 1 are raised to 1.
func (p *Producer) Submit(ctx context.Context, queue string, payload []byte, maxAttempts int) (*domain.Job, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	now := time.Now()
	job := &domain.Job{
		ID:            uuid.NewString(),
		Queue:         queue,
		Payload:       payload,
		Status:        domain.StatusQueued,
		MaxAttempts:   maxAttempts,
		EnqueuedAt:    now,
		LastUpdatedAt: now,
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	if err := p.results.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}

	if err := p.broker.Enqueue(ctx, queue, job.ID); err != nil {
		p.logger.Error("enqueue failed, marking job failed", "job_id", job.ID, "queue", queue, "error", err)
		markErr := p.results.Update(ctx, job.ID, func(j *domain.Job) error {
			j.Status = domain.StatusFailed
			j.Error = fmt.Sprintf("enqueue failed: %v", err)
			return nil
		})
		if markErr != nil {
			p.logger.Error("failed to mark job failed after enqueue error", "job_id", job.ID, "error", markErr)
		}
		p.recordStatus(queue, domain.StatusFailed)
		return nil, fmt.Errorf("job %s: %w", job.ID, domain.ErrEnqueueFailed)
	}

	p.recordStatus(queue, domain.StatusQueued)
	p.logger.Info("job submitted", "job_id", job.ID, "queue", queue, "max_attempts", maxAttempts)
	return job, nil
}

// Status returns the current record for a job id.
func (p *Producer) Status(ctx context.Context, id string) (*domain.Job, error) {
	return p.results.Get(ctx, id)
}

func (p *Producer) recordStatus(queue string, status domain.JobStatus) {
	if p.metrics != nil {
		p.metrics.RecordJobStatus(queue, string(status))
	}
}
