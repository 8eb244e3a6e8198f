package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// TaskFilters narrows List queries.
type TaskFilters struct {
	Status   *models.TaskStatus
	UserID   *uuid.UUID
	Backend  *string
	IsParent *bool
}

// TaskRepository persists and retrieves ingestion tasks, and implements
// the claim/finalize/reset-stale/fan-out-merge operations that make the
// Task Store usable as an embedded priority queue.
type TaskRepository interface {
	// Create inserts a new pending task, assigning a TaskID if unset.
	Create(ctx context.Context, task *models.TaskModel) error

	// ClaimNext atomically transitions the highest-priority pending task
	// to processing and assigns it to workerID. Returns (nil, nil) when
	// the queue is empty. Retries internally on claim contention.
	ClaimNext(ctx context.Context, workerID string) (*models.TaskModel, error)

	// Finalize marks a task completed or failed and records its result.
	// The update is conditional on the task still being processing and
	// held by workerID; it returns false without error if the row was
	// already moved out from under the caller (cancelled, reset-stale,
	// or finalized by a duplicate delivery).
	Finalize(ctx context.Context, taskID uuid.UUID, workerID string, status models.TaskStatus, resultPath, errMsg string) (bool, error)

	// Cancel marks a pending task cancelled; returns ErrTaskConflictState
	// if the task has already left pending.
	Cancel(ctx context.Context, taskID uuid.UUID) error

	// ResetStale requeues processing tasks whose claim (started_at) is
	// older than timeout, incrementing their retry count.
	ResetStale(ctx context.Context, timeout time.Duration) (int, error)

	// CleanupOlderThan deletes completed/failed/cancelled task rows (and, via the
	// caller, their on-disk artifacts) older than the cutoff.
	CleanupOlderThan(ctx context.Context, cutoff time.Time) ([]*models.TaskModel, error)

	// ConvertToParent flips a task into a parent awaiting childCount children.
	ConvertToParent(ctx context.Context, taskID uuid.UUID, childCount int) error

	// CreateChild inserts a pending child task linked to its parent and
	// increments the parent's child_count.
	CreateChild(ctx context.Context, parentID uuid.UUID, child *models.TaskModel) error

	// OnChildCompleted increments the parent's child_completed counter and
	// returns the parent's ID once every child has completed, nil otherwise.
	OnChildCompleted(ctx context.Context, childID uuid.UUID) (*uuid.UUID, error)

	// OnChildFailed marks the parent task failed, referencing the
	// failing child, unless the parent has already left processing.
	OnChildFailed(ctx context.Context, childID uuid.UUID, errMsg string) error

	// GetByID returns a single task.
	GetByID(ctx context.Context, taskID uuid.UUID) (*models.TaskModel, error)

	// GetWithChildren loads a parent task plus all of its children, ordered
	// by chunk start page.
	GetWithChildren(ctx context.Context, parentID uuid.UUID) (*models.TaskModel, []*models.TaskModel, error)

	// GetChildren returns a parent's children ordered by chunk start page.
	GetChildren(ctx context.Context, parentID uuid.UUID) ([]*models.TaskModel, error)

	// List returns tasks matching filters, newest first, paginated.
	List(ctx context.Context, filters TaskFilters, limit, offset int) ([]*models.TaskModel, error)

	// MarkImagesUploaded flips the idempotency flag the Output Normalizer
	// uses to avoid re-rewriting already-relocated images.
	MarkImagesUploaded(ctx context.Context, taskID uuid.UUID) error

	// QueueStats summarizes the embedded queue's pending/processing/
	// completed/failed counts.
	QueueStats(ctx context.Context) (*models.QueueStats, error)
}
