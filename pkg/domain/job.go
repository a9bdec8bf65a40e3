package domain

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a submitted job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusInProgress JobStatus = "in_progress"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal statuses never
// transition again.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// jobTransitions is the explicit transition table for job statuses.
// queued -> in_progress -> {succeeded | queued (retry) | failed}
var jobTransitions = map[JobStatus][]JobStatus{
	StatusQueued:     {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusSucceeded, StatusQueued, StatusFailed},
}

// CanTransition reports whether moving from s to next is a legal status
// transition. queued -> failed is allowed so that a failed enqueue can be
// recorded without the job ever entering execution.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job is a unit of work submitted by a producer and executed by the worker
// pool. The worker pool is the only mutator of status, attempt count and
// result; producers read jobs through the result store.
type Job struct {
	ID            string    `json:"id"`
	Queue         string    `json:"queue"`
	Payload       []byte    `json:"payload,omitempty"`
	Status        JobStatus `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	MaxAttempts   int       `json:"max_attempts"`
	Result        []byte    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Validate enforces the job invariants.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job: id is required")
	}
	if j.Queue == "" {
		return fmt.Errorf("job %s: queue name is required", j.ID)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("job %s: max_attempts must be >= 1, got %d", j.ID, j.MaxAttempts)
	}
	if j.AttemptCount > j.MaxAttempts {
		return fmt.Errorf("job %s: attempt_count %d exceeds max_attempts %d", j.ID, j.AttemptCount, j.MaxAttempts)
	}
	return nil
}
