package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
	commonerrs "github.com/smilemakc/taskflow/pkg/models"
)

// Ensure TaskRepository implements the interface
var _ repository.TaskRepository = (*TaskRepository)(nil)

// maxClaimRetries bounds the CAS retry loop in ClaimNext.
const maxClaimRetries = 3

// TaskRepository implements repository.TaskRepository using Bun ORM over
// PostgreSQL. It doubles as the embedded priority queue: ClaimNext performs
// an atomic claim via a conditional UPDATE rather than a separate broker.
type TaskRepository struct {
	db *bun.DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *bun.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a new pending task.
func (r *TaskRepository) Create(ctx context.Context, task *models.TaskModel) error {
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	_, err := r.db.NewInsert().Model(task).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the highest-priority pending task.
// It picks a candidate with a plain SELECT, then claims it with an
// UPDATE ... WHERE status='pending' guarded by task_id, checking the
// affected row count to detect a losing race against another worker.
// On contention it retries against the next-best candidate, up to
// maxClaimRetries times.
func (r *TaskRepository) ClaimNext(ctx context.Context, workerID string) (*models.TaskModel, error) {
	excluded := make([]uuid.UUID, 0, maxClaimRetries)

	for attempt := 0; attempt < maxClaimRetries; attempt++ {
		candidate := &models.TaskModel{}
		q := r.db.NewSelect().
			Model(candidate).
			Where("status = ?", models.TaskStatusPending).
			Order("priority DESC", "created_at ASC").
			Limit(1)
		for _, id := range excluded {
			q = q.Where("task_id != ?", id)
		}

		if err := q.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to scan next pending task: %w", err)
		}

		now := time.Now()
		res, err := r.db.NewUpdate().
			Model((*models.TaskModel)(nil)).
			Set("status = ?", models.TaskStatusProcessing).
			Set("worker_id = ?", workerID).
			Set("started_at = ?", now).
			Where("task_id = ?", candidate.TaskID).
			Where("status = ?", models.TaskStatusPending).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to claim task %s: %w", candidate.TaskID, err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if rows == 0 {
			// lost the race to another worker; exclude and retry
			excluded = append(excluded, candidate.TaskID)
			continue
		}

		candidate.Status = models.TaskStatusProcessing
		candidate.WorkerID = workerID
		candidate.StartedAt = &now
		return candidate, nil
	}

	return nil, nil
}

// Finalize marks a task completed or failed with its result. The update
// is conditional on the row still being processing and held by
// workerID, so a duplicate finalize (e.g. from a worker whose claim was
// already reclaimed by the stale sweep) cannot clobber a row that has
// since moved on.
func (r *TaskRepository) Finalize(ctx context.Context, taskID uuid.UUID, workerID string, status models.TaskStatus, resultPath, errMsg string) (bool, error) {
	now := time.Now()
	q := r.db.NewUpdate().
		Model((*models.TaskModel)(nil)).
		Set("status = ?", status).
		Set("completed_at = ?", now).
		Where("task_id = ?", taskID).
		Where("status = ?", models.TaskStatusProcessing).
		Where("worker_id = ?", workerID)

	if resultPath != "" {
		q = q.Set("result_path = ?", resultPath)
	}
	if errMsg != "" {
		q = q.Set("error_message = ?", errMsg)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to finalize task %s: %w", taskID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read finalize result: %w", err)
	}
	return rows > 0, nil
}

// Cancel marks a pending task cancelled. Cancellation is only honored
// while the task is still pending; a processing task can only leave
// that state via finalize or the stale-reset sweep.
func (r *TaskRepository) Cancel(ctx context.Context, taskID uuid.UUID) error {
	now := time.Now()
	res, err := r.db.NewUpdate().
		Model((*models.TaskModel)(nil)).
		Set("status = ?", models.TaskStatusCancelled).
		Set("completed_at = ?", now).
		Where("task_id = ?", taskID).
		Where("status = ?", models.TaskStatusPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %s is not pending", commonerrs.ErrTaskConflictState, taskID)
	}
	return nil
}

// ResetStale requeues processing tasks whose claim predates the timeout,
// incrementing their retry count.
func (r *TaskRepository) ResetStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout)
	res, err := r.db.NewUpdate().
		Model((*models.TaskModel)(nil)).
		Set("status = ?", models.TaskStatusPending).
		Set("worker_id = ?", "").
		Set("retry_count = retry_count + 1").
		Where("status = ?", models.TaskStatusProcessing).
		Where("started_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale tasks: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reset-stale result: %w", err)
	}
	return int(rows), nil
}

// CleanupOlderThan deletes completed/failed/cancelled rows older than cutoff, returning
// the deleted rows so the caller can remove their on-disk artifacts first.
func (r *TaskRepository) CleanupOlderThan(ctx context.Context, cutoff time.Time) ([]*models.TaskModel, error) {
	var victims []*models.TaskModel
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().
			Model(&victims).
			Where("completed_at < ?", cutoff).
			Where("status IN (?)", bun.In([]models.TaskStatus{models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled})).
			Scan(ctx); err != nil {
			return fmt.Errorf("failed to select cleanup candidates: %w", err)
		}
		if len(victims) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(victims))
		for i, v := range victims {
			ids[i] = v.TaskID
		}
		_, err := tx.NewDelete().
			Model((*models.TaskModel)(nil)).
			Where("task_id IN (?)", bun.In(ids)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete cleaned-up tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return victims, nil
}

// ConvertToParent flips a task into a parent awaiting childCount children.
func (r *TaskRepository) ConvertToParent(ctx context.Context, taskID uuid.UUID, childCount int) error {
	_, err := r.db.NewUpdate().
		Model((*models.TaskModel)(nil)).
		Set("is_parent = ?", true).
		Set("status = ?", models.TaskStatusProcessing).
		Set("child_count = ?", childCount).
		Where("task_id = ?", taskID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to convert task %s to parent: %w", taskID, err)
	}
	return nil
}

// CreateChild inserts a pending child task and increments the parent's
// child_count.
func (r *TaskRepository) CreateChild(ctx context.Context, parentID uuid.UUID, child *models.TaskModel) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if child.TaskID == uuid.Nil {
			child.TaskID = uuid.New()
		}
		child.ParentTaskID = &parentID
		child.Status = models.TaskStatusPending
		if child.CreatedAt.IsZero() {
			child.CreatedAt = time.Now()
		}
		if _, err := tx.NewInsert().Model(child).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert child task: %w", err)
		}
		_, err := tx.NewUpdate().
			Model((*models.TaskModel)(nil)).
			Set("child_count = child_count + 1").
			Where("task_id = ?", parentID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to increment parent child_count: %w", err)
		}
		return nil
	})
}

// OnChildCompleted increments the parent's child_completed counter and
// returns the parent ID once every child has reported completion.
func (r *TaskRepository) OnChildCompleted(ctx context.Context, childID uuid.UUID) (*uuid.UUID, error) {
	var parentID *uuid.UUID
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		child := &models.TaskModel{}
		if err := tx.NewSelect().Model(child).Where("task_id = ?", childID).Scan(ctx); err != nil {
			return fmt.Errorf("failed to load child task %s: %w", childID, err)
		}
		if child.ParentTaskID == nil {
			return nil
		}

		parent := &models.TaskModel{}
		_, err := tx.NewUpdate().
			Model(parent).
			Set("child_completed = child_completed + 1").
			Where("task_id = ?", *child.ParentTaskID).
			Returning("*").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to increment parent child_completed: %w", err)
		}

		if parent.ChildCompleted >= parent.ChildCount {
			id := *child.ParentTaskID
			parentID = &id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parentID, nil
}

// OnChildFailed marks the parent task failed, referencing the failing
// child, unless the parent has already left processing (e.g. another
// child already failed it first).
func (r *TaskRepository) OnChildFailed(ctx context.Context, childID uuid.UUID, errMsg string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		child := &models.TaskModel{}
		if err := tx.NewSelect().Model(child).Where("task_id = ?", childID).Scan(ctx); err != nil {
			return fmt.Errorf("failed to load child task %s: %w", childID, err)
		}
		if child.ParentTaskID == nil {
			return nil
		}

		now := time.Now()
		_, err := tx.NewUpdate().
			Model((*models.TaskModel)(nil)).
			Set("status = ?", models.TaskStatusFailed).
			Set("completed_at = ?", now).
			Set("error_message = ?", fmt.Sprintf("child task %s failed: %s", childID, errMsg)).
			Where("task_id = ?", *child.ParentTaskID).
			Where("status = ?", models.TaskStatusProcessing).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to fail parent task: %w", err)
		}
		return nil
	})
}

// GetByID returns a single task.
func (r *TaskRepository) GetByID(ctx context.Context, taskID uuid.UUID) (*models.TaskModel, error) {
	task := &models.TaskModel{}
	if err := r.db.NewSelect().Model(task).Where("task_id = ?", taskID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return task, nil
}

// GetWithChildren loads a parent task plus its children ordered by start page.
func (r *TaskRepository) GetWithChildren(ctx context.Context, parentID uuid.UUID) (*models.TaskModel, []*models.TaskModel, error) {
	parent, err := r.GetByID(ctx, parentID)
	if err != nil || parent == nil {
		return parent, nil, err
	}
	children, err := r.GetChildren(ctx, parentID)
	if err != nil {
		return parent, nil, err
	}
	return parent, children, nil
}

// GetChildren returns a parent's children ordered by chunk start page.
func (r *TaskRepository) GetChildren(ctx context.Context, parentID uuid.UUID) ([]*models.TaskModel, error) {
	var children []*models.TaskModel
	err := r.db.NewSelect().
		Model(&children).
		Where("parent_task_id = ?", parentID).
		OrderExpr("(chunk_info->>'start_page')::int ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", parentID, err)
	}
	return children, nil
}

// List returns tasks matching filters, newest first, paginated.
func (r *TaskRepository) List(ctx context.Context, filters repository.TaskFilters, limit, offset int) ([]*models.TaskModel, error) {
	var tasks []*models.TaskModel
	q := r.db.NewSelect().Model(&tasks).OrderExpr("created_at DESC")

	if filters.Status != nil {
		q = q.Where("status = ?", *filters.Status)
	}
	if filters.UserID != nil {
		q = q.Where("user_id = ?", *filters.UserID)
	}
	if filters.Backend != nil {
		q = q.Where("backend = ?", *filters.Backend)
	}
	if filters.IsParent != nil {
		q = q.Where("is_parent = ?", *filters.IsParent)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// MarkImagesUploaded flips the idempotency flag used by the Output Normalizer.
func (r *TaskRepository) MarkImagesUploaded(ctx context.Context, taskID uuid.UUID) error {
	_, err := r.db.NewUpdate().
		Model((*models.TaskModel)(nil)).
		Set("images_uploaded = ?", true).
		Where("task_id = ?", taskID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark images uploaded for task %s: %w", taskID, err)
	}
	return nil
}

// QueueStats summarizes the embedded queue's status counts.
func (r *TaskRepository) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{}

	counts := []struct {
		status models.TaskStatus
		target *int
	}{
		{models.TaskStatusPending, &stats.Pending},
		{models.TaskStatusProcessing, &stats.Processing},
		{models.TaskStatusCompleted, &stats.Completed},
		{models.TaskStatusFailed, &stats.Failed},
	}

	for _, c := range counts {
		n, err := r.db.NewSelect().
			Model((*models.TaskModel)(nil)).
			Where("status = ?", c.status).
			Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s tasks: %w", c.status, err)
		}
		*c.target = n
	}

	return stats, nil
}
