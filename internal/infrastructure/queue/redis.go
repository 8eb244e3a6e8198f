package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appqueue "github.com/smilemakc/taskflow/internal/application/queue"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// Redis key names.
const (
	keyTaskQueue  = "taskflow:task_queue"
	keyProcessing = "taskflow:processing"
)

// priorityScoreFactor spaces priority buckets far enough apart that the
// enqueue timestamp (nanoseconds since epoch, divided down to seconds)
// only ever breaks ties within a single priority.
const priorityScoreFactor = 1e10

// claimRecord is what gets stored in the processing hash per in-flight task.
type claimRecord struct {
	WorkerID  string `json:"worker_id"`
	ClaimedAt int64  `json:"claimed_at"`
	Priority  int    `json:"priority"`
}

// RedisQueue is a sorted-set priority queue with claim tracking, sitting in
// front of the Task Store. ZADD/BZPOPMIN realize priority dequeue; the
// processing hash records which worker holds which claim and when, so a
// crashed worker's claims can be recovered without waiting on the Task
// Store's own (coarser) reset-stale sweep.
type RedisQueue struct {
	client *redis.Client
	tasks  repository.TaskRepository
}

var _ appqueue.Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a Redis-backed queue. tasks is still the system of
// record for task rows; Redis only accelerates dispatch and claim tracking.
func NewRedisQueue(client *redis.Client, tasks repository.TaskRepository) *RedisQueue {
	return &RedisQueue{client: client, tasks: tasks}
}

func score(priority int, when time.Time) float64 {
	return -float64(priority)*priorityScoreFactor + float64(when.Unix())
}

// Enqueue adds a task to the sorted set at a score derived from priority
// and the current time, so higher priority always sorts first and ties
// break FIFO.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID uuid.UUID, priority int) error {
	return q.client.ZAdd(ctx, keyTaskQueue, redis.Z{
		Score:  score(priority, time.Now()),
		Member: taskID.String(),
	}).Err()
}

// Dequeue blocks on BZPOPMIN for up to timeout, then records a claim and
// flips the task to processing in the Task Store.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (uuid.UUID, int, bool, error) {
	res, err := q.client.BZPopMin(ctx, timeout, keyTaskQueue).Result()
	if err != nil {
		if err == redis.Nil {
			return uuid.Nil, 0, false, nil
		}
		return uuid.Nil, 0, false, fmt.Errorf("bzpopmin failed: %w", err)
	}

	member, ok := res.Member.(string)
	if !ok {
		return uuid.Nil, 0, false, fmt.Errorf("unexpected queue member type %T", res.Member)
	}
	taskID, err := uuid.Parse(member)
	if err != nil {
		return uuid.Nil, 0, false, fmt.Errorf("invalid task id in queue: %w", err)
	}

	// score = -priority*factor + unixSeconds, so priority = round(-score/factor)
	priority := int(math.Round(-res.Score / priorityScoreFactor))

	claim := claimRecord{WorkerID: workerID, ClaimedAt: time.Now().Unix(), Priority: priority}
	claimBytes, err := json.Marshal(claim)
	if err != nil {
		return uuid.Nil, 0, false, fmt.Errorf("failed to marshal claim record: %w", err)
	}
	if err := q.client.HSet(ctx, keyProcessing, taskID.String(), claimBytes).Err(); err != nil {
		return uuid.Nil, 0, false, fmt.Errorf("failed to record claim: %w", err)
	}

	task, err := q.tasks.ClaimNext(ctx, workerID)
	if err != nil || task == nil || task.TaskID != taskID {
		// The Redis queue and Task Store disagree (e.g. the row was
		// cancelled between enqueue and dequeue); drop the stale claim
		// and let the caller retry rather than process a ghost task.
		q.client.HDel(ctx, keyProcessing, taskID.String())
		if err != nil {
			return uuid.Nil, 0, false, err
		}
		return uuid.Nil, 0, false, nil
	}

	return taskID, priority, true, nil
}

// Heartbeat refreshes a claim's recorded timestamp so RecoverStale does not
// treat an active worker as crashed.
func (q *RedisQueue) Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string) error {
	raw, err := q.client.HGet(ctx, keyProcessing, taskID.String()).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read claim for heartbeat: %w", err)
	}
	var claim claimRecord
	if err := json.Unmarshal([]byte(raw), &claim); err != nil {
		return fmt.Errorf("failed to decode claim record: %w", err)
	}
	claim.ClaimedAt = time.Now().Unix()
	claimBytes, _ := json.Marshal(claim)
	return q.client.HSet(ctx, keyProcessing, taskID.String(), claimBytes).Err()
}

// Complete clears the processing-hash entry for a finished task.
func (q *RedisQueue) Complete(ctx context.Context, taskID uuid.UUID, workerID string) error {
	return q.client.HDel(ctx, keyProcessing, taskID.String()).Err()
}

// Fail clears the claim and, if requeue is set, re-adds the task at its
// original priority with a fresh timestamp.
func (q *RedisQueue) Fail(ctx context.Context, taskID uuid.UUID, workerID string, requeue bool, priority int) error {
	if err := q.client.HDel(ctx, keyProcessing, taskID.String()).Err(); err != nil {
		return fmt.Errorf("failed to clear claim on fail: %w", err)
	}
	if !requeue {
		return nil
	}
	return q.Enqueue(ctx, taskID, priority)
}

// RecoverStale scans the processing hash for claims older than timeout and
// re-enqueues them at their recorded priority.
func (q *RedisQueue) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	entries, err := q.client.HGetAll(ctx, keyProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing claims: %w", err)
	}

	cutoff := time.Now().Add(-timeout).Unix()
	recovered := 0

	for member, raw := range entries {
		var claim claimRecord
		if err := json.Unmarshal([]byte(raw), &claim); err != nil {
			continue
		}
		if claim.ClaimedAt > cutoff {
			continue
		}

		taskID, err := uuid.Parse(member)
		if err != nil {
			continue
		}

		if err := q.client.HDel(ctx, keyProcessing, member).Err(); err != nil {
			continue
		}
		if err := q.Enqueue(ctx, taskID, claim.Priority); err != nil {
			continue
		}
		recovered++
	}

	// The Redis-side claim is only half the picture; the Task Store row
	// itself must also be flipped back to pending so ClaimNext sees it.
	storeRecovered, err := q.tasks.ResetStale(ctx, timeout)
	if err != nil {
		return recovered, err
	}
	if storeRecovered > recovered {
		recovered = storeRecovered
	}
	return recovered, nil
}

// Stats reports pending (ZCARD) and processing (HLEN) counts alongside the
// Task Store's terminal-status counts.
func (q *RedisQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats, err := q.tasks.QueueStats(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := q.client.ZCard(ctx, keyTaskQueue).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending count: %w", err)
	}
	processing, err := q.client.HLen(ctx, keyProcessing).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read processing count: %w", err)
	}

	stats.Pending = int(pending)
	stats.Processing = int(processing)
	stats.RedisConnected = true
	return stats, nil
}

// Backed reports true: this realization is Redis-accelerated.
func (q *RedisQueue) Backed() bool {
	return true
}
