// Package queue implements the asynchronous task pipeline: the broker that
// buffers job ids per queue, the result store that holds job records, and the
// producer that ties submission together.
package queue

import (
	"context"
	"time"
)

// Lease is a temporary claim on a dequeued job. The holder must Ack or Nack
// before the deadline, otherwise the broker returns the job to the queue.
type Lease struct {
	JobID    string
	Queue    string
	Token    string
	Deadline time.Time
}

// Broker buffers job ids in named FIFO queues and hands them to consumers
// under a lease. Delivery is at-least-once: a lease that is neither acked nor
// nacked before its deadline is requeued automatically.
type Broker interface {
	// Enqueue appends the job id to the tail of the queue.
	Enqueue(ctx context.Context, queue, jobID string) error

	// Lease removes the head of the queue and returns a lease on it. It
	// returns domain.ErrQueueEmpty when no job is pending.
	Lease(ctx context.Context, queue string) (*Lease, error)

	// Ack completes the lease, removing the job from the broker entirely.
	Ack(ctx context.Context, lease *Lease) error

	// Nack releases the lease. With requeue the job returns to the tail of
	// its queue; without it the job is discarded from the broker.
	Nack(ctx context.Context, lease *Lease, requeue bool) error

	// Pending returns the number of jobs waiting in the queue, not counting
	// leased ones.
	Pending(ctx context.Context, queue string) (int, error)
}
