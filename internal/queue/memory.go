package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeline/edgeline/pkg/domain"
)

// Recorder receives broker instrumentation.
type Recorder interface {
	SetQueueDepth(queue string, depth int)
	RecordLeaseExpiration(queue string)
}

type inflightEntry struct {
	jobID    string
	queue    string
	deadline time.Time
}

// MemoryBroker is an in-process Broker. Each named queue is a FIFO slice of
// job ids plus a map of leased entries keyed by lease token. A background
// sweeper returns expired leases to the tail of their queue, so a crashed
// consumer cannot strand a job.
//
// A job id is in exactly one place at a time: pending in one queue, or held
// by one lease.
type MemoryBroker struct {
	leaseDuration time.Duration
	logger        *slog.Logger
	metrics       Recorder
	now           func() time.Time

	mu       sync.Mutex
	pending  map[string][]string      // queue -> job ids, head first
	inflight map[string]inflightEntry // lease token -> entry
	location map[string]string        // job id -> queue, for duplicate detection
}

// MemoryBrokerOption customizes a MemoryBroker.
type MemoryBrokerOption func(*MemoryBroker)

// WithBrokerRecorder attaches a metrics recorder.
func WithBrokerRecorder(rec Recorder) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.metrics = rec }
}

// WithBrokerClock overrides the time source.
func WithBrokerClock(now func() time.Time) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.now = now }
}

// NewMemoryBroker creates an in-process broker with the given lease duration.
func NewMemoryBroker(leaseDuration time.Duration, logger *slog.Logger, opts ...MemoryBrokerOption) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	b := &MemoryBroker{
		leaseDuration: leaseDuration,
		logger:        logger,
		now:           time.Now,
		pending:       make(map[string][]string),
		inflight:      make(map[string]inflightEntry),
		location:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start runs the lease expiry sweeper until ctx is done.
func (b *MemoryBroker) Start(ctx context.Context, sweepEvery time.Duration) {
	if sweepEvery <= 0 {
		sweepEvery = time.Second
	}
	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.expireLeases()
			}
		}
	}()
}

func (b *MemoryBroker) Enqueue(_ context.Context, queue, jobID string) error {
	if queue == "" || jobID == "" {
		return fmt.Errorf("enqueue: queue and job id are required: %w", domain.ErrEnqueueFailed)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.location[jobID]; exists {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrAlreadyQueued)
	}
	b.pending[queue] = append(b.pending[queue], jobID)
	b.location[jobID] = queue
	b.reportDepth(queue)
	return nil
}

func (b *MemoryBroker) Lease(_ context.Context, queue string) (*Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.pending[queue]
	if len(ids) == 0 {
		return nil, fmt.Errorf("queue %s: %w", queue, domain.ErrQueueEmpty)
	}

	jobID := ids[0]
	b.pending[queue] = ids[1:]

	lease := &Lease{
		JobID:    jobID,
		Queue:    queue,
		Token:    uuid.NewString(),
		Deadline: b.now().Add(b.leaseDuration),
	}
	b.inflight[lease.Token] = inflightEntry{jobID: jobID, queue: queue, deadline: lease.Deadline}
	b.reportDepth(queue)
	return lease, nil
}

func (b *MemoryBroker) Ack(_ context.Context, lease *Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.inflight[lease.Token]
	if !ok {
		return fmt.Errorf("job %s: %w", lease.JobID, domain.ErrNotLeased)
	}
	delete(b.inflight, lease.Token)
	delete(b.location, entry.jobID)
	return nil
}

func (b *MemoryBroker) Nack(_ context.Context, lease *Lease, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.inflight[lease.Token]
	if !ok {
		return fmt.Errorf("job %s: %w", lease.JobID, domain.ErrNotLeased)
	}
	delete(b.inflight, lease.Token)
	if !requeue {
		delete(b.location, entry.jobID)
		return nil
	}
	b.pending[entry.queue] = append(b.pending[entry.queue], entry.jobID)
	b.reportDepth(entry.queue)
	return nil
}

func (b *MemoryBroker) Pending(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[queue]), nil
}

// expireLeases returns every lapsed lease to the tail of its queue. Requeuing
// to the tail keeps a repeatedly-crashing job from blocking the queue head.
func (b *MemoryBroker) expireLeases() {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for token, entry := range b.inflight {
		if entry.deadline.After(now) {
			continue
		}
		delete(b.inflight, token)
		b.pending[entry.queue] = append(b.pending[entry.queue], entry.jobID)
		b.reportDepth(entry.queue)
		if b.metrics != nil {
			b.metrics.RecordLeaseExpiration(entry.queue)
		}
		b.logger.Warn("lease expired, job requeued", "job_id", entry.jobID, "queue", entry.queue)
	}
}

// reportDepth must be called with b.mu held.
func (b *MemoryBroker) reportDepth(queue string) {
	if b.metrics != nil {
		b.metrics.SetQueueDepth(queue, len(b.pending[queue]))
	}
}
