// Package queue defines the priority-queue port shared by the embedded
// (Task-Store-backed) and Redis-accelerated realizations.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// Queue dispatches pending tasks to workers and tracks in-flight claims.
type Queue interface {
	// Enqueue makes a newly created task visible to ClaimNext/Dequeue.
	// The embedded realization is a no-op since the Task Store row itself
	// is the queue entry; the Redis realization pushes a sorted-set member.
	Enqueue(ctx context.Context, taskID uuid.UUID, priority int) error

	// Dequeue blocks up to timeout for a task to claim, returning its ID
	// and priority, or (uuid.Nil, 0, false) on timeout.
	Dequeue(ctx context.Context, workerID string, timeout time.Duration) (uuid.UUID, int, bool, error)

	// Heartbeat refreshes a claim's liveness so RecoverStale does not
	// reclaim it out from under an active worker.
	Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string) error

	// Complete clears claim-tracking state for a finished task.
	Complete(ctx context.Context, taskID uuid.UUID, workerID string) error

	// Fail clears claim-tracking state, optionally re-enqueueing the task
	// at its original priority with a fresh timestamp.
	Fail(ctx context.Context, taskID uuid.UUID, workerID string, requeue bool, priority int) error

	// RecoverStale re-enqueues claims whose claimed_at predates timeout,
	// returning how many were recovered.
	RecoverStale(ctx context.Context, timeout time.Duration) (int, error)

	// Stats reports pending/processing counts and backend connectivity.
	Stats(ctx context.Context) (*models.QueueStats, error)

	// Backed reports whether this realization is Redis-accelerated.
	Backed() bool
}
