// Package queue contains the two concrete Queue realizations: an embedded
// one that treats the Task Store itself as the queue, and a Redis-backed
// one that adds an out-of-process sorted-set broker in front of it.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/taskflow/internal/application/queue"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// pollInterval is how often EmbeddedQueue retries ClaimNext while waiting
// out a Dequeue timeout.
const pollInterval = 100 * time.Millisecond

// EmbeddedQueue realizes queue.Queue directly on top of the Task Store's
// CAS claim. It has no separate claim-tracking state of its own: a task's
// own started_at/worker_id columns ARE the claim record, and ResetStale
// on the TaskRepository already does what RecoverStale would do.
type EmbeddedQueue struct {
	tasks repository.TaskRepository
}

var _ queue.Queue = (*EmbeddedQueue)(nil)

// NewEmbeddedQueue creates a queue backed solely by the Task Store.
func NewEmbeddedQueue(tasks repository.TaskRepository) *EmbeddedQueue {
	return &EmbeddedQueue{tasks: tasks}
}

// Enqueue is a no-op: the pending row created by the Task Store already
// makes the task visible to ClaimNext.
func (q *EmbeddedQueue) Enqueue(ctx context.Context, taskID uuid.UUID, priority int) error {
	return nil
}

// Dequeue polls ClaimNext until a task is claimed or timeout elapses.
func (q *EmbeddedQueue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (uuid.UUID, int, bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		task, err := q.tasks.ClaimNext(ctx, workerID)
		if err != nil {
			return uuid.Nil, 0, false, err
		}
		if task != nil {
			return task.TaskID, task.Priority, true, nil
		}
		if time.Now().After(deadline) {
			return uuid.Nil, 0, false, nil
		}
		select {
		case <-ctx.Done():
			return uuid.Nil, 0, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Heartbeat is a no-op; liveness is implied by the task still being
// processing and ResetStale only reclaims past the stale timeout.
func (q *EmbeddedQueue) Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string) error {
	return nil
}

// Complete is a no-op: Finalize on the Task Store already clears status.
func (q *EmbeddedQueue) Complete(ctx context.Context, taskID uuid.UUID, workerID string) error {
	return nil
}

// Fail is a no-op: Finalize on the Task Store already records the
// terminal failure, and this realization does not requeue the task even
// when requeue is set.
func (q *EmbeddedQueue) Fail(ctx context.Context, taskID uuid.UUID, workerID string, requeue bool, priority int) error {
	return nil
}

// RecoverStale delegates to the Task Store's own reset-stale sweep.
func (q *EmbeddedQueue) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	return q.tasks.ResetStale(ctx, timeout)
}

// Stats delegates to the Task Store.
func (q *EmbeddedQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return q.tasks.QueueStats(ctx)
}

// Backed reports false: there is no separate broker behind this queue.
func (q *EmbeddedQueue) Backed() bool {
	return false
}
