package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgeline/edgeline/pkg/domain"
)

// failingBroker refuses every enqueue.
type failingBroker struct{ Broker }

func (failingBroker) Enqueue(context.Context, string, string) error {
	return domain.ErrEnqueueFailed
}

func TestProducerSubmit(t *testing.T) {
	broker := NewMemoryBroker(time.Minute, nil)
	results := NewMemoryResultStore(time.Hour, nil)
	p := NewProducer(broker, results, nil, nil)
	ctx := t.Context()

	job, err := p.Submit(ctx, "default", []byte(`{"op":"resize"}`), 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != domain.StatusQueued || job.AttemptCount != 0 {
		t.Errorf("job = %s/%d attempts, want queued/0", job.Status, job.AttemptCount)
	}

	// The id is queryable and queued on the broker.
	got, err := p.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.StatusQueued {
		t.Errorf("stored status = %s", got.Status)
	}
	lease, err := broker.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if lease.JobID != job.ID {
		t.Errorf("broker holds %q, want %q", lease.JobID, job.ID)
	}
}

func TestProducerSubmitRaisesMaxAttemptsFloor(t *testing.T) {
	p := NewProducer(NewMemoryBroker(time.Minute, nil), NewMemoryResultStore(time.Hour, nil), nil, nil)

	job, err := p.Submit(t.Context(), "default", nil, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.MaxAttempts != 1 {
		t.Errorf("max_attempts = %d, want 1", job.MaxAttempts)
	}
}

func TestProducerEnqueueFailureMarksJobFailed(t *testing.T) {
	results := NewMemoryResultStore(time.Hour, nil)
	p := NewProducer(failingBroker{}, results, nil, nil)
	ctx := t.Context()

	_, err := p.Submit(ctx, "default", nil, 3)
	if !errors.Is(err, domain.ErrEnqueueFailed) {
		t.Fatalf("expected ErrEnqueueFailed, got %v", err)
	}

	// The record exists and is terminal, so pollers see a final answer.
	jobs := allJobs(t, results)
	if len(jobs) != 1 {
		t.Fatalf("store holds %d jobs, want 1", len(jobs))
	}
	if jobs[0].Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", jobs[0].Status)
	}
	if jobs[0].Error == "" {
		t.Error("failed job should carry the enqueue error")
	}
}

func allJobs(t *testing.T, s *MemoryResultStore) []*domain.Job {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}
