// Package queue implements the job dispatch queue: a Redis sorted set keyed
// by the time a job becomes eligible to run, so fresh submissions and
// backoff-delayed retries share one ready-to-run ordering without a separate
// scheduler process.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const queueKey = "queue:jobs"

// Queue is a Redis sorted-set-backed ready queue for job IDs.
type Queue struct {
	rdb *redis.Client
}

// New creates a Queue backed by the given Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue makes a job eligible to run at readyAt. Re-enqueuing the same job
// ID updates its ready time rather than creating a duplicate entry, since a
// sorted set is keyed by member.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID, readyAt time.Time) error {
	err := q.rdb.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: jobID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// Dequeue pops up to n job IDs that are ready to run now (score <= now),
// ordered by readiness. Each ID is claimed by its own ZREM, and only IDs this
// call actually removed are returned, so concurrent callers never receive the
// same job. Returns an empty slice when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]uuid.UUID, error) {
	now := float64(time.Now().UnixMilli())

	members, err := q.rdb.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: int64(n),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("querying ready jobs: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, queueKey, m).Result()
		if err != nil {
			return nil, fmt.Errorf("removing dequeued jobs: %w", err)
		}
		if removed == 0 {
			continue
		}
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove takes a job out of the queue, used when a job is canceled before
// it's dequeued.
func (q *Queue) Remove(ctx context.Context, jobID uuid.UUID) error {
	if err := q.rdb.ZRem(ctx, queueKey, jobID.String()).Err(); err != nil {
		return fmt.Errorf("removing job from queue: %w", err)
	}
	return nil
}

// Len reports the total number of jobs currently queued, ready or not.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return n, nil
}

func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
