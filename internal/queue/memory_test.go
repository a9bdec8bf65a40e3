package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/edgeline/edgeline/pkg/domain"
)

func TestMemoryBrokerFIFO(t *testing.T) {
	b := NewMemoryBroker(time.Minute, nil)
	ctx := t.Context()

	for i := 0; i < 5; i++ {
		if err := b.Enqueue(ctx, "default", fmt.Sprintf("job-%d", i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		lease, err := b.Lease(ctx, "default")
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if want := fmt.Sprintf("job-%d", i); lease.JobID != want {
			t.Errorf("lease %d = %q, want %q", i, lease.JobID, want)
		}
		if err := b.Ack(ctx, lease); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
	}

	if _, err := b.Lease(ctx, "default"); !errors.Is(err, domain.ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestMemoryBrokerRejectsDuplicateEnqueue(t *testing.T) {
	b := NewMemoryBroker(time.Minute, nil)
	ctx := t.Context()

	if err := b.Enqueue(ctx, "default", "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, "default", "job-1"); !errors.Is(err, domain.ErrAlreadyQueued) {
		t.Errorf("expected ErrAlreadyQueued, got %v", err)
	}
	// Still queued once a lease is held, too.
	if _, err := b.Lease(ctx, "default"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := b.Enqueue(ctx, "default", "job-1"); !errors.Is(err, domain.ErrAlreadyQueued) {
		t.Errorf("expected ErrAlreadyQueued while leased, got %v", err)
	}
}

func TestMemoryBrokerNackRequeuesAtTail(t *testing.T) {
	b := NewMemoryBroker(time.Minute, nil)
	ctx := t.Context()

	for _, id := range []string{"first", "second"} {
		if err := b.Enqueue(ctx, "default", id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	lease, err := b.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if lease.JobID != "first" {
		t.Fatalf("leased %q, want first", lease.JobID)
	}
	if err := b.Nack(ctx, lease, true); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// The nacked job goes behind the remaining pending job.
	next, err := b.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease after nack: %v", err)
	}
	if next.JobID != "second" {
		t.Errorf("leased %q after nack, want second", next.JobID)
	}
	again, err := b.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease requeued: %v", err)
	}
	if again.JobID != "first" {
		t.Errorf("leased %q, want requeued first", again.JobID)
	}
}

func TestMemoryBrokerNackWithoutRequeueDiscards(t *testing.T) {
	b := NewMemoryBroker(time.Minute, nil)
	ctx := t.Context()

	if err := b.Enqueue(ctx, "default", "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, err := b.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := b.Nack(ctx, lease, false); err != nil {
		t.Fatalf("nack: %v", err)
	}

	if _, err := b.Lease(ctx, "default"); !errors.Is(err, domain.ErrQueueEmpty) {
		t.Errorf("discarded job must not requeue, got %v", err)
	}
	// Fully released, the id may be enqueued again.
	if err := b.Enqueue(ctx, "default", "job-1"); err != nil {
		t.Errorf("re-enqueue after discard: %v", err)
	}
}

func TestMemoryBrokerAckIsTerminal(t *testing.T) {
	b := NewMemoryBroker(time.Minute, nil)
	ctx := t.Context()

	if err := b.Enqueue(ctx, "default", "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, err := b.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := b.Ack(ctx, lease); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if err := b.Ack(ctx, lease); !errors.Is(err, domain.ErrNotLeased) {
		t.Errorf("double ack: got %v, want ErrNotLeased", err)
	}
	if err := b.Nack(ctx, lease, true); !errors.Is(err, domain.ErrNotLeased) {
		t.Errorf("nack after ack: got %v, want ErrNotLeased", err)
	}
	// Fully released, the id may be enqueued again.
	if err := b.Enqueue(ctx, "default", "job-1"); err != nil {
		t.Errorf("re-enqueue after ack: %v", err)
	}
}

func TestMemoryBrokerExpiredLeaseRequeuesAtTail(t *testing.T) {
	now := time.Now()
	current := now
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	b := NewMemoryBroker(30*time.Second, nil, WithBrokerClock(clock))
	ctx := t.Context()

	for _, id := range []string{"stuck", "waiting"} {
		if err := b.Enqueue(ctx, "default", id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	lease, err := b.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if lease.JobID != "stuck" {
		t.Fatalf("leased %q, want stuck", lease.JobID)
	}

	mu.Lock()
	current = now.Add(time.Minute)
	mu.Unlock()
	b.expireLeases()

	// After expiry the original lease is dead.
	if err := b.Ack(ctx, lease); !errors.Is(err, domain.ErrNotLeased) {
		t.Errorf("ack on expired lease: got %v, want ErrNotLeased", err)
	}

	// The job is back, behind the one that was still pending.
	first, err := b.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease after expiry: %v", err)
	}
	if first.JobID != "waiting" {
		t.Errorf("leased %q, want waiting", first.JobID)
	}
	second, err := b.Lease(ctx, "default")
	if err != nil {
		t.Fatalf("lease requeued: %v", err)
	}
	if second.JobID != "stuck" {
		t.Errorf("leased %q, want requeued stuck", second.JobID)
	}
}

// A job id is always in exactly one place: pending in its queue, or held by
// exactly one live lease, or gone after ack.
func TestMemoryBrokerSingleLocationInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewMemoryBroker(time.Minute, nil)
		ctx := context.Background()

		nextID := 0
		pending := []string{}
		leases := map[string]*Lease{} // job id -> live lease

		t.Repeat(map[string]func(*rapid.T){
			"enqueue": func(t *rapid.T) {
				id := fmt.Sprintf("job-%d", nextID)
				nextID++
				if err := b.Enqueue(ctx, "q", id); err != nil {
					t.Fatalf("enqueue %s: %v", id, err)
				}
				pending = append(pending, id)
			},
			"lease": func(t *rapid.T) {
				lease, err := b.Lease(ctx, "q")
				if len(pending) == 0 {
					if !errors.Is(err, domain.ErrQueueEmpty) {
						t.Fatalf("lease on empty queue: %v", err)
					}
					return
				}
				if err != nil {
					t.Fatalf("lease: %v", err)
				}
				if lease.JobID != pending[0] {
					t.Fatalf("leased %q, want head %q", lease.JobID, pending[0])
				}
				if _, dup := leases[lease.JobID]; dup {
					t.Fatalf("job %s leased twice", lease.JobID)
				}
				pending = pending[1:]
				leases[lease.JobID] = lease
			},
			"ack": func(t *rapid.T) {
				for id, lease := range leases {
					if err := b.Ack(ctx, lease); err != nil {
						t.Fatalf("ack %s: %v", id, err)
					}
					delete(leases, id)
					return
				}
			},
			"nack": func(t *rapid.T) {
				for id, lease := range leases {
					if err := b.Nack(ctx, lease, true); err != nil {
						t.Fatalf("nack %s: %v", id, err)
					}
					delete(leases, id)
					pending = append(pending, id)
					return
				}
			},
			"": func(t *rapid.T) {
				n, err := b.Pending(ctx, "q")
				if err != nil {
					t.Fatalf("pending: %v", err)
				}
				if n != len(pending) {
					t.Fatalf("broker reports %d pending, model has %d", n, len(pending))
				}
			},
		})
	})
}
