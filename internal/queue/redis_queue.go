package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"media-download-service/internal/config"
)

// RedisQueue hands download job ids to workers. A dequeued id moves to an in-flight
// sorted set scored by its lease deadline until the worker acks it.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
	now           func() time.Time
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.QueuePrefix, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wraps an existing client, used by tests and by the API which
// shares its client with the rate limiter.
func NewRedisQueueWithClient(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "downloads"
	}
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":queue:ready",
		inflightKey:   prefix + ":queue:inflight",
		visibilityTTL: visibility,
		now:           time.Now,
	}
}

// Client exposes the underlying redis client.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue appends a job id to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID int64) error {
	if err := q.client.RPush(ctx, q.readyKey, member(jobID)).Err(); err != nil {
		return fmt.Errorf("enqueue job %d: %w", jobID, err)
	}
	return nil
}

// RequeueIfAbsent pushes jobID onto the ready list unless it is already queued or leased.
// It reports whether the id was pushed.
func (q *RedisQueue) RequeueIfAbsent(ctx context.Context, jobID int64) (bool, error) {
	pushed, err := requeueIfAbsentScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, member(jobID)).Int()
	if err != nil {
		return false, fmt.Errorf("requeue job %d: %w", jobID, err)
	}
	return pushed == 1, nil
}

// DequeueWithLease pops the oldest ready id and leases it for the visibility timeout.
// ok is false when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (int64, bool, error) {
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	raw, ok := res.(string)
	if !ok {
		return 0, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed job id %q in queue: %w", raw, err)
	}
	return id, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID int64, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: member(jobID),
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID int64) error {
	return q.client.ZRem(ctx, q.inflightKey, member(jobID)).Err()
}

// RequeueExpired moves leases whose deadline passed back onto the ready list and
// returns the reclaimed ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error) {
	raw, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(raw))
	pipe := q.client.TxPipeline()
	for _, m := range raw {
		pipe.ZRem(ctx, q.inflightKey, m)
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, q.readyKey, m)
		ids = append(ids, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from the ready list and in-flight set.
func (q *RedisQueue) Cancel(ctx context.Context, jobID int64) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, member(jobID))
	pipe.ZRem(ctx, q.inflightKey, member(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of leased jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

func member(id int64) string {
	return strconv.FormatInt(id, 10)
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var requeueIfAbsentScript = redis.NewScript(`
if redis.call('LPOS', KEYS[1], ARGV[1]) then
  return 0
end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)
