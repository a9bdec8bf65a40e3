package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgeline/edgeline/pkg/config"
	"github.com/edgeline/edgeline/pkg/domain"
)

const (
	pendingKeyPrefix = "edgeline:queue:"
	leasesKeyPrefix  = "edgeline:leases:"

	redisPingAttempts = 5
)

// NewRedisClient connects to Redis and verifies the connection with a ping,
// retrying with exponential backoff before giving up.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= redisPingAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			logger.Info("redis connected", "addr", cfg.Addr, "db", cfg.DB)
			return client, nil
		}
		logger.Warn("redis ping failed, retrying", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("redis unreachable at %s after %d attempts: %w", cfg.Addr, redisPingAttempts, lastErr)
}

// leaseScript pops the queue head and records the lease atomically.
// KEYS[1] pending list, KEYS[2] lease zset, ARGV[1] deadline unix millis.
var leaseScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// nackScript releases the lease and requeues the job at the tail.
// KEYS[1] lease zset, KEYS[2] pending list, ARGV[1] job id.
var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// sweepScript requeues every lease whose deadline has passed.
// KEYS[1] lease zset, KEYS[2] pending list, ARGV[1] now unix millis.
var sweepScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #expired
`)

// RedisBroker is a Broker backed by Redis. Pending job ids live in a list per
// queue; leased ids move to a sorted set scored by lease deadline so the
// sweeper can requeue lapsed leases with a range query. Because a job id is
// in exactly one place at a time, the id itself serves as the lease token.
type RedisBroker struct {
	client        *redis.Client
	leaseDuration time.Duration
	logger        *slog.Logger
	metrics       Recorder
}

// NewRedisBroker creates a broker over an established Redis client.
func NewRedisBroker(client *redis.Client, leaseDuration time.Duration, logger *slog.Logger, metrics Recorder) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	return &RedisBroker{client: client, leaseDuration: leaseDuration, logger: logger, metrics: metrics}
}

func (b *RedisBroker) pendingKey(queue string) string { return pendingKeyPrefix + queue }
func (b *RedisBroker) leasesKey(queue string) string  { return leasesKeyPrefix + queue }

func (b *RedisBroker) Enqueue(ctx context.Context, queue, jobID string) error {
	if queue == "" || jobID == "" {
		return fmt.Errorf("enqueue: queue and job id are required: %w", domain.ErrEnqueueFailed)
	}
	if err := b.client.RPush(ctx, b.pendingKey(queue), jobID).Err(); err != nil {
		return fmt.Errorf("enqueue job %s on %s: %w", jobID, queue, errors.Join(err, domain.ErrEnqueueFailed))
	}
	b.reportDepth(ctx, queue)
	return nil
}

func (b *RedisBroker) Lease(ctx context.Context, queue string) (*Lease, error) {
	deadline := time.Now().Add(b.leaseDuration)
	res, err := leaseScript.Run(ctx, b.client,
		[]string{b.pendingKey(queue), b.leasesKey(queue)},
		deadline.UnixMilli()).Result()
	if errors.Is(err, redis.Nil) || res == nil {
		return nil, fmt.Errorf("queue %s: %w", queue, domain.ErrQueueEmpty)
	}
	if err != nil {
		return nil, fmt.Errorf("lease from %s: %w", queue, err)
	}

	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("lease from %s: unexpected script result %T", queue, res)
	}
	b.reportDepth(ctx, queue)
	return &Lease{JobID: jobID, Queue: queue, Token: jobID, Deadline: deadline}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, lease *Lease) error {
	removed, err := b.client.ZRem(ctx, b.leasesKey(lease.Queue), lease.JobID).Result()
	if err != nil {
		return fmt.Errorf("ack job %s: %w", lease.JobID, err)
	}
	if removed == 0 {
		return fmt.Errorf("job %s: %w", lease.JobID, domain.ErrNotLeased)
	}
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, lease *Lease, requeue bool) error {
	if !requeue {
		return b.Ack(ctx, lease)
	}
	res, err := nackScript.Run(ctx, b.client,
		[]string{b.leasesKey(lease.Queue), b.pendingKey(lease.Queue)},
		lease.JobID).Int()
	if err != nil {
		return fmt.Errorf("nack job %s: %w", lease.JobID, err)
	}
	if res == 0 {
		return fmt.Errorf("job %s: %w", lease.JobID, domain.ErrNotLeased)
	}
	b.reportDepth(ctx, lease.Queue)
	return nil
}

func (b *RedisBroker) Pending(ctx context.Context, queue string) (int, error) {
	n, err := b.client.LLen(ctx, b.pendingKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("pending depth of %s: %w", queue, err)
	}
	return int(n), nil
}

// Start runs the lease expiry sweeper over the given queues until ctx is done.
func (b *RedisBroker) Start(ctx context.Context, queues []string, sweepEvery time.Duration) {
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
				for _, queue := range queues {
					b.sweepQueue(ctx, queue)
				}
			}
		}
	}()
}

func (b *RedisBroker) sweepQueue(ctx context.Context, queue string) {
	expired, err := sweepScript.Run(ctx, b.client,
		[]string{b.leasesKey(queue), b.pendingKey(queue)},
		time.Now().UnixMilli()).Int()
	if err != nil {
		b.logger.Error("lease sweep failed", "queue", queue, "error", err)
		return
	}
	if expired > 0 {
		b.logger.Warn("leases expired, jobs requeued", "queue", queue, "count", expired)
		if b.metrics != nil {
			for i := 0; i < expired; i++ {
				b.metrics.RecordLeaseExpiration(queue)
			}
		}
		b.reportDepth(ctx, queue)
	}
}

func (b *RedisBroker) reportDepth(ctx context.Context, queue string) {
	if b.metrics == nil {
		return
	}
	if n, err := b.client.LLen(ctx, b.pendingKey(queue)).Result(); err == nil {
		b.metrics.SetQueueDepth(queue, int(n))
	}
}
