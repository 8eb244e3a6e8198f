package merger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/taskflow/internal/application/normalizer"
	"github.com/smilemakc/taskflow/internal/config"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// fakeTaskRepository is an in-memory stand-in for the Task Store, enough
// to exercise Merger without a Postgres instance.
type fakeTaskRepository struct {
	repository.TaskRepository
	tasks map[uuid.UUID]*models.TaskModel

	finalizeCalls []finalizeCall
}

type finalizeCall struct {
	taskID   uuid.UUID
	workerID string
	status   models.TaskStatus
}

func newFakeTaskRepository() *fakeTaskRepository {
	return &fakeTaskRepository{tasks: make(map[uuid.UUID]*models.TaskModel)}
}

func (f *fakeTaskRepository) put(t *models.TaskModel) {
	f.tasks[t.TaskID] = t
}

func (f *fakeTaskRepository) GetWithChildren(ctx context.Context, parentID uuid.UUID) (*models.TaskModel, []*models.TaskModel, error) {
	parent := f.tasks[parentID]
	var children []*models.TaskModel
	for _, t := range f.tasks {
		if t.ParentTaskID != nil && *t.ParentTaskID == parentID {
			children = append(children, t)
		}
	}
	return parent, children, nil
}

func (f *fakeTaskRepository) Finalize(ctx context.Context, taskID uuid.UUID, workerID string, status models.TaskStatus, resultPath, errMsg string) (bool, error) {
	f.finalizeCalls = append(f.finalizeCalls, finalizeCall{taskID, workerID, status})
	t, ok := f.tasks[taskID]
	if !ok {
		return false, nil
	}
	t.Status = status
	t.ResultPath = resultPath
	t.ErrorMsg = errMsg
	return true, nil
}

func (f *fakeTaskRepository) MarkImagesUploaded(ctx context.Context, taskID uuid.UUID) error {
	if t, ok := f.tasks[taskID]; ok {
		t.ImagesUploaded = true
	}
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(config.LoggingConfig{Level: "error", Format: "text"})
}

func writeChild(t *testing.T, repo *fakeTaskRepository, parentID uuid.UUID, start, end int, markdown string) *models.TaskModel {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "result.md"), []byte(markdown), 0o644))

	child := &models.TaskModel{
		TaskID:       uuid.New(),
		ParentTaskID: &parentID,
		Status:       models.TaskStatusCompleted,
		ResultPath:   dir,
		ChunkInfo:    &models.ChunkInfo{StartPage: start, EndPage: end, PageCount: end - start + 1},
	}
	repo.put(child)
	return child
}

func TestMerger_MergeOrdersChildrenByPageRange(t *testing.T) {
	repo := newFakeTaskRepository()
	norm := normalizer.New(repo, nil, testLogger())
	m := New(repo, norm, testLogger())

	parentID := uuid.New()
	outDir := t.TempDir()
	repo.put(&models.TaskModel{TaskID: parentID, Status: models.TaskStatusProcessing, IsParent: true, WorkerID: "worker-1", ResultPath: outDir})

	// Created out of page order to prove Merge sorts by start page, not
	// child creation order.
	writeChild(t, repo, parentID, 11, 20, "second half")
	writeChild(t, repo, parentID, 1, 10, "first half")

	require.NoError(t, m.Merge(context.Background(), parentID))

	merged, err := os.ReadFile(filepath.Join(outDir, "result.md"))
	require.NoError(t, err)

	firstIdx := indexOf(string(merged), "first half")
	secondIdx := indexOf(string(merged), "second half")
	require.Greater(t, firstIdx, -1)
	require.Greater(t, secondIdx, -1)
	require.Less(t, firstIdx, secondIdx, "page 1-10 content must precede page 11-20 content")
	require.Contains(t, string(merged), "<!-- Pages 1-10 -->")
	require.Contains(t, string(merged), "<!-- Pages 11-20 -->")

	require.Equal(t, models.TaskStatusCompleted, repo.tasks[parentID].Status)
	require.Len(t, repo.finalizeCalls, 1)
	require.Equal(t, "worker-1", repo.finalizeCalls[0].workerID, "finalize must use the parent's recorded worker_id")
}

func TestMerger_SkipsParentAlreadyFailed(t *testing.T) {
	repo := newFakeTaskRepository()
	norm := normalizer.New(repo, nil, testLogger())
	outputRoot := t.TempDir()
	m := New(repo, norm, testLogger()).WithOutputDir(outputRoot)

	// Child A failed first and flipped the parent; B then completed and
	// its worker observed the fan-in counter reach the total.
	parentID := uuid.New()
	repo.put(&models.TaskModel{TaskID: parentID, Status: models.TaskStatusFailed, IsParent: true, WorkerID: "worker-1"})
	writeChild(t, repo, parentID, 1, 10, "survivor output")

	require.NoError(t, m.Merge(context.Background(), parentID))

	require.Equal(t, models.TaskStatusFailed, repo.tasks[parentID].Status, "a failed parent never reverts")
	require.Empty(t, repo.finalizeCalls, "no finalize should be attempted for a non-processing parent")
	require.NoFileExists(t, filepath.Join(outputRoot, parentID.String(), "result.md"),
		"no merged artifacts should be written for a failed parent")
}

func TestMerger_WritesUnderOutputRootWhenParentHasNoResultPath(t *testing.T) {
	repo := newFakeTaskRepository()
	norm := normalizer.New(repo, nil, testLogger())
	outputRoot := t.TempDir()
	m := New(repo, norm, testLogger()).WithOutputDir(outputRoot)

	parentID := uuid.New()
	repo.put(&models.TaskModel{TaskID: parentID, Status: models.TaskStatusProcessing, IsParent: true, WorkerID: "worker-1"})
	writeChild(t, repo, parentID, 1, 10, "content")

	require.NoError(t, m.Merge(context.Background(), parentID))

	merged, err := os.ReadFile(filepath.Join(outputRoot, parentID.String(), "result.md"))
	require.NoError(t, err)
	require.Contains(t, string(merged), "content")
	require.Equal(t, filepath.Join(outputRoot, parentID.String()), repo.tasks[parentID].ResultPath)
}

func TestMerger_MissingChildIsSkipped(t *testing.T) {
	repo := newFakeTaskRepository()
	norm := normalizer.New(repo, nil, testLogger())
	m := New(repo, norm, testLogger())

	parentID := uuid.New()
	outDir := t.TempDir()
	repo.put(&models.TaskModel{TaskID: parentID, Status: models.TaskStatusProcessing, IsParent: true, WorkerID: "worker-1", ResultPath: outDir})

	writeChild(t, repo, parentID, 1, 10, "present")
	// A child whose result directory never produced a markdown file
	// (e.g. the engine failed mid-write but still reported completed).
	missing := &models.TaskModel{
		TaskID:       uuid.New(),
		ParentTaskID: &parentID,
		Status:       models.TaskStatusCompleted,
		ResultPath:   t.TempDir(),
		ChunkInfo:    &models.ChunkInfo{StartPage: 11, EndPage: 20},
	}
	repo.put(missing)

	require.NoError(t, m.Merge(context.Background(), parentID))

	merged, err := os.ReadFile(filepath.Join(outDir, "result.md"))
	require.NoError(t, err)
	require.Contains(t, string(merged), "present")
	require.Equal(t, models.TaskStatusCompleted, repo.tasks[parentID].Status)
}

func TestMerger_AllChildrenMissingFailsParent(t *testing.T) {
	repo := newFakeTaskRepository()
	norm := normalizer.New(repo, nil, testLogger())
	m := New(repo, norm, testLogger())

	parentID := uuid.New()
	repo.put(&models.TaskModel{TaskID: parentID, Status: models.TaskStatusProcessing, IsParent: true, WorkerID: "worker-1"})

	missing := &models.TaskModel{
		TaskID:       uuid.New(),
		ParentTaskID: &parentID,
		Status:       models.TaskStatusCompleted,
		ResultPath:   t.TempDir(),
		ChunkInfo:    &models.ChunkInfo{StartPage: 1, EndPage: 10},
	}
	repo.put(missing)

	err := m.Merge(context.Background(), parentID)
	require.Error(t, err)

	require.Equal(t, models.TaskStatusFailed, repo.tasks[parentID].Status)
	require.Len(t, repo.finalizeCalls, 1)
	require.Equal(t, models.TaskStatusFailed, repo.finalizeCalls[0].status)
	require.Equal(t, "worker-1", repo.finalizeCalls[0].workerID)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
