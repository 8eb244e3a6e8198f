package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
	commonerrs "github.com/smilemakc/taskflow/pkg/models"
)

// newBunDBWithMock creates a bun.DB backed by go-sqlmock for unit testing
// the repository's SQL without a live database.
// Uses QueryMatcherRegexp so that ExpectQuery patterns are treated as regexps.
func newBunDBWithMock(t *testing.T) (*bun.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return bun.NewDB(db, pgdialect.New()), mock
}

// taskColumns mirrors the bun-tag column names of TaskModel; sqlmock rows
// must use these names for bun to scan them back into the struct.
var taskColumns = []string{
	"task_id", "user_id", "file_name", "file_path", "backend", "status",
	"priority", "options", "chunk_info", "result_path", "error_message",
	"worker_id", "retry_count", "is_parent", "parent_task_id",
	"child_count", "child_completed", "images_uploaded",
	"created_at", "started_at", "completed_at",
}

func pendingTaskRow(taskID uuid.UUID, createdAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(taskColumns).AddRow(
		taskID, nil, "input.pdf", "/uploads/input.pdf", "pipeline", "pending",
		0, []byte("{}"), nil, "", "",
		"", 0, false, nil,
		0, 0, false,
		createdAt, nil, nil,
	)
}

func TestClaimNext_ShouldStampWorkerAndStatus_WhenUpdateWins(t *testing.T) {
	bunDB, mock := newBunDBWithMock(t)
	repo := NewTaskRepository(bunDB)
	taskID := uuid.New()

	mock.ExpectQuery(`^SELECT .* FROM "tasks"`).WillReturnRows(pendingTaskRow(taskID, time.Now()))
	mock.ExpectExec(`^UPDATE "tasks"`).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.ClaimNext(context.Background(), "host-gpu0-123")

	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, taskID, claimed.TaskID)
	assert.Equal(t, models.TaskStatusProcessing, claimed.Status)
	assert.Equal(t, "host-gpu0-123", claimed.WorkerID)
	assert.NotNil(t, claimed.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNext_ShouldRetryNextCandidate_WhenUpdateLosesRace(t *testing.T) {
	bunDB, mock := newBunDBWithMock(t)
	repo := NewTaskRepository(bunDB)
	lostID := uuid.New()
	wonID := uuid.New()

	// First candidate is claimed out from under us (0 rows affected),
	// so ClaimNext must exclude it and move to the next-best candidate.
	mock.ExpectQuery(`^SELECT .* FROM "tasks"`).WillReturnRows(pendingTaskRow(lostID, time.Now().Add(-time.Minute)))
	mock.ExpectExec(`^UPDATE "tasks"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`^SELECT .* FROM "tasks"`).WillReturnRows(pendingTaskRow(wonID, time.Now()))
	mock.ExpectExec(`^UPDATE "tasks"`).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.ClaimNext(context.Background(), "host-gpu0-123")

	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, wonID, claimed.TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_ShouldReportNoChange_WhenClaimNoLongerHeld(t *testing.T) {
	bunDB, mock := newBunDBWithMock(t)
	repo := NewTaskRepository(bunDB)

	// The conditional UPDATE matches no row: the claim was reclaimed by
	// the stale sweep (or the task cancelled) before this worker finished.
	mock.ExpectExec(`^UPDATE "tasks" SET .* WHERE .*worker_id`).WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.Finalize(context.Background(), uuid.New(), "host-gpu0-123",
		models.TaskStatusCompleted, "/output/result", "")

	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel_ShouldReturnConflict_WhenTaskNotPending(t *testing.T) {
	bunDB, mock := newBunDBWithMock(t)
	repo := NewTaskRepository(bunDB)

	mock.ExpectExec(`^UPDATE "tasks"`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Cancel(context.Background(), uuid.New())

	require.ErrorIs(t, err, commonerrs.ErrTaskConflictState)
	assert.NoError(t, mock.ExpectationsWereMet())
}
