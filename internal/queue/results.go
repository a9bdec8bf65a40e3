package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgeline/edgeline/pkg/domain"
)

const resultKeyPrefix = "edgeline:job:"

// ResultStore holds the authoritative job records. The worker pool is the
// only writer after submission; producers read status and results here.
type ResultStore interface {
	// Create stores a new job record. The id must not already exist.
	Create(ctx context.Context, job *domain.Job) error

	// Get returns a copy of the job record.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Update applies mutate to the job record and persists it. Status changes
	// are checked against the transition table; a mutation that would move a
	// terminal job is rejected with domain.ErrTerminalStatus.
	Update(ctx context.Context, id string, mutate func(*domain.Job) error) error
}

// checkTransition enforces the status transition table between the stored
// and mutated record.
func checkTransition(before, after domain.JobStatus) error {
	if before == after {
		return nil
	}
	if before.Terminal() {
		return fmt.Errorf("job status %s is final: %w", before, domain.ErrTerminalStatus)
	}
	if !before.CanTransition(after) {
		return fmt.Errorf("illegal job status transition %s -> %s", before, after)
	}
	return nil
}

// MemoryResultStore is an in-process ResultStore. Terminal records are
// retained for a bounded period and reaped by a background sweep.
type MemoryResultStore struct {
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// MemoryResultOption customizes a MemoryResultStore.
type MemoryResultOption func(*MemoryResultStore)

// WithResultClock overrides the time source.
func WithResultClock(now func() time.Time) MemoryResultOption {
	return func(s *MemoryResultStore) { s.now = now }
}

// NewMemoryResultStore creates a store retaining terminal jobs for the given
// period.
func NewMemoryResultStore(retention time.Duration, logger *slog.Logger, opts ...MemoryResultOption) *MemoryResultStore {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	s := &MemoryResultStore{
		retention: retention,
		logger:    logger,
		now:       time.Now,
		jobs:      make(map[string]*domain.Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the retention sweep until ctx is done.
func (s *MemoryResultStore) Start(ctx context.Context, gcEvery time.Duration) {
	if gcEvery <= 0 {
		gcEvery = time.Hour
	}
	go func() {
		ticker := time.NewTicker(gcEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *MemoryResultStore) Create(_ context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryResultStore) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryResultStore) Update(_ context.Context, id string, mutate func(*domain.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}

	updated := *job
	if err := mutate(&updated); err != nil {
		return err
	}
	if err := checkTransition(job.Status, updated.Status); err != nil {
		return err
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	updated.LastUpdatedAt = s.now()
	s.jobs[id] = &updated
	return nil
}

// sweep removes terminal jobs past the retention period.
func (s *MemoryResultStore) sweep() {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.LastUpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("result retention sweep", "removed", removed)
	}
}

// RedisResultStore is a ResultStore backed by Redis. Records are JSON values
// keyed by job id. Terminal records expire via TTL instead of a sweep.
type RedisResultStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisResultStore creates a store over an established Redis client.
func NewRedisResultStore(client *redis.Client, retention time.Duration) *RedisResultStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisResultStore{client: client, retention: retention, now: time.Now}
}

func (s *RedisResultStore) key(id string) string { return resultKeyPrefix + id }

func (s *RedisResultStore) Create(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	ok, err := s.client.SetNX(ctx, s.key(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

func (s *RedisResultStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Update does a read-modify-write. Each leased job has exactly one worker
// mutating it, so no optimistic locking is needed.
func (s *RedisResultStore) Update(ctx context.Context, id string, mutate func(*domain.Job) error) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	before := job.Status
	if err := mutate(job); err != nil {
		return err
	}
	if err := checkTransition(before, job.Status); err != nil {
		return err
	}
	if err := job.Validate(); err != nil {
		return err
	}
	job.LastUpdatedAt = s.now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", id, err)
	}

	ttl := time.Duration(0)
	if job.Status.Terminal() {
		ttl = s.retention
	}
	if err := s.client.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", id, err)
	}
	return nil
}
