package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	listKey       = "orion:jobs"
	pendingPrefix = "orion:jobs:pending:"
)

// RedisQueue is a Queue on a Redis list. Producers LPUSH and workers BRPOP,
// so jobs leave in FIFO order. A SETNX marker per dedup key keeps identical
// jobs from piling up; it expires after pendingTTL in case a worker dies
// before acking.
type RedisQueue struct {
	client     *redis.Client
	pendingTTL time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects to a redis:// URL.
func NewRedisQueue(url string, pendingTTL time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisQueue{client: client, pendingTTL: pendingTTL}, nil
}

func (r *RedisQueue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	job.stamp()
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}

	marker := pendingPrefix + job.DedupKey()
	first, err := r.client.SetNX(ctx, marker, job.ID.String(), r.pendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	if !first {
		return false, nil
	}

	if err := r.client.LPush(ctx, listKey, data).Err(); err != nil {
		r.client.Del(ctx, marker)
		return false, fmt.Errorf("redis LPUSH failed: %w", err)
	}
	return true, nil
}

func (r *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := r.client.BRPop(ctx, timeout, listKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis BRPOP failed: %w", err)
	}

	// res is [key, value].
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (r *RedisQueue) Ack(ctx context.Context, job *Job) error {
	if err := r.client.Del(ctx, pendingPrefix+job.DedupKey()).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (r *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN failed: %w", err)
	}
	return n, nil
}

func (r *RedisQueue) Close() error {
	return r.client.Close()
}
