package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/edgeline/edgeline/internal/queue"
	"github.com/edgeline/edgeline/pkg/domain"
)

func newTestPool(t *testing.T, handlers *Registry) (*Pool, *queue.Producer, *queue.MemoryResultStore) {
	t.Helper()
	broker := queue.NewMemoryBroker(time.Minute, nil)
	results := queue.NewMemoryResultStore(time.Hour, nil)
	pool := NewPool(1, []string{"default"}, broker, results, handlers, nil,
		WithPollInterval(5*time.Millisecond))
	return pool, queue.NewProducer(broker, results, nil, nil), results
}

// drain leases and processes jobs until the queue stays empty.
func drain(t *testing.T, p *Pool) {
	t.Helper()
	ctx := t.Context()
	for i := 0; i < 100; i++ {
		lease, err := p.broker.Lease(ctx, "default")
		if errors.Is(err, domain.ErrQueueEmpty) {
			return
		}
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		p.process(ctx, p.logger, lease)
	}
	t.Fatal("queue never drained")
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	handlers := NewRegistry()
	if err := handlers.Register("default", func(_ context.Context, job *domain.Job) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient failure %d", attempts)
		}
		return []byte("done"), nil
	}); err != nil {
		t.Fatal(err)
	}

	pool, producer, _ := newTestPool(t, handlers)
	job, err := producer.Submit(t.Context(), "default", []byte("payload"), 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	drain(t, pool)

	got, err := producer.Status(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", got.AttemptCount)
	}
	if string(got.Result) != "done" {
		t.Errorf("result = %q, want done", got.Result)
	}
}

func TestPoolExhaustedRetriesFailJob(t *testing.T) {
	handlers := NewRegistry()
	if err := handlers.Register("default", func(context.Context, *domain.Job) ([]byte, error) {
		return nil, errors.New("broken payload")
	}); err != nil {
		t.Fatal(err)
	}

	pool, producer, _ := newTestPool(t, handlers)
	job, err := producer.Submit(t.Context(), "default", nil, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	drain(t, pool)

	got, err := producer.Status(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want max_attempts 2", got.AttemptCount)
	}
	if got.Error == "" {
		t.Error("failed job should carry the last error")
	}
}

func TestPoolRecoversCrashedFinalAttempt(t *testing.T) {
	handlers := NewRegistry()
	if err := handlers.Register("default", Echo); err != nil {
		t.Fatal(err)
	}
	pool, producer, results := newTestPool(t, handlers)
	ctx := t.Context()

	job, err := producer.Submit(ctx, "default", nil, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A worker starts the final attempt and dies before settling.
	lease, err := pool.broker.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	err = results.Update(ctx, job.ID, func(j *domain.Job) error {
		j.AttemptCount++
		j.Status = domain.StatusInProgress
		return nil
	})
	if err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	// The lease lapses and the broker returns the id to the queue.
	if err := pool.broker.Nack(ctx, lease, true); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	drain(t, pool)

	got, err := producer.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if got.Error == "" {
		t.Error("recovered job should carry an error")
	}
}

func TestPoolHandlerPanicCountsAsFailure(t *testing.T) {
	handlers := NewRegistry()
	if err := handlers.Register("default", func(context.Context, *domain.Job) ([]byte, error) {
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}

	pool, producer, _ := newTestPool(t, handlers)
	job, err := producer.Submit(t.Context(), "default", nil, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	drain(t, pool)

	got, err := producer.Status(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestPoolMissingHandlerFailsJob(t *testing.T) {
	pool, producer, _ := newTestPool(t, NewRegistry())
	job, err := producer.Submit(t.Context(), "default", nil, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	drain(t, pool)

	got, err := producer.Status(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestPoolRunsEndToEnd(t *testing.T) {
	handlers := NewRegistry()
	if err := handlers.Register("default", Echo); err != nil {
		t.Fatal(err)
	}
	pool, producer, _ := newTestPool(t, handlers)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	pool.Start(ctx)

	job, err := producer.Submit(ctx, "default", []byte("ping"), 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := producer.Status(ctx, job.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if got.Status == domain.StatusSucceeded {
			if string(got.Result) != "ping" {
				t.Errorf("result = %q, want ping", got.Result)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	pool.Wait()
}
