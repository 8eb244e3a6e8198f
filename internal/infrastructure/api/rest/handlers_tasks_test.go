package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/taskflow/internal/application/auth"
	"github.com/smilemakc/taskflow/internal/config"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	infraqueue "github.com/smilemakc/taskflow/internal/infrastructure/queue"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
	commonerrs "github.com/smilemakc/taskflow/pkg/models"
)

// fakeTaskRepository backs the handlers with an in-memory store; only
// the methods the REST surface reaches are implemented.
type fakeTaskRepository struct {
	repository.TaskRepository
	tasks map[uuid.UUID]*models.TaskModel
}

func newFakeTaskRepository() *fakeTaskRepository {
	return &fakeTaskRepository{tasks: make(map[uuid.UUID]*models.TaskModel)}
}

func (f *fakeTaskRepository) put(t *models.TaskModel) { f.tasks[t.TaskID] = t }

func (f *fakeTaskRepository) Create(ctx context.Context, task *models.TaskModel) error {
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	f.tasks[task.TaskID] = task
	return nil
}

func (f *fakeTaskRepository) GetByID(ctx context.Context, taskID uuid.UUID) (*models.TaskModel, error) {
	return f.tasks[taskID], nil
}

func (f *fakeTaskRepository) Cancel(ctx context.Context, taskID uuid.UUID) error {
	t, ok := f.tasks[taskID]
	if !ok || t.Status != models.TaskStatusPending {
		return commonerrs.ErrTaskConflictState
	}
	t.Status = models.TaskStatusCancelled
	return nil
}

func (f *fakeTaskRepository) List(ctx context.Context, filters repository.TaskFilters, limit, offset int) ([]*models.TaskModel, error) {
	var out []*models.TaskModel
	for _, t := range f.tasks {
		if filters.Status != nil && t.Status != *filters.Status {
			continue
		}
		if filters.UserID != nil && (t.UserID == nil || *t.UserID != *filters.UserID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTaskRepository) GetWithChildren(ctx context.Context, parentID uuid.UUID) (*models.TaskModel, []*models.TaskModel, error) {
	return f.tasks[parentID], nil, nil
}

func (f *fakeTaskRepository) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{}
	for _, t := range f.tasks {
		switch t.Status {
		case models.TaskStatusPending:
			stats.Pending++
		case models.TaskStatusProcessing:
			stats.Processing++
		case models.TaskStatusCompleted:
			stats.Completed++
		case models.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

var (
	userOneID = uuid.New()
	userTwoID = uuid.New()
	adminID   = uuid.New()
)

// newTestRouter mounts the full route table over the fake repository,
// with three API-key principals: two plain users and an administrator.
func newTestRouter(t *testing.T, repo *fakeTaskRepository) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chain := auth.NewChain(auth.NewAPIKeyResolver([]string{
		"u1key:" + userOneID.String() + ":task.submit|queue.view",
		"u2key:" + userTwoID.String() + ":task.submit",
		"adminkey:" + adminID.String() + ":task.submit|task.view_all|task.delete_all|queue.view|queue.manage",
	}))

	uploadDir := t.TempDir()
	log := logger.New(config.LoggingConfig{Level: "error", Format: "text"})

	router := gin.New()
	RegisterRoutes(router, Deps{
		Tasks:      repo,
		Queue:      infraqueue.NewEmbeddedQueue(repo),
		AuthChain:  chain,
		UploadPath: uploadDir,
		OutputPath: t.TempDir(),
		Logger:     log,
	})
	return router, uploadDir
}

func doRequest(router *gin.Engine, method, path, apiKey string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, fileName, backend string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4 test"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("backend", backend))
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestSubmit_CreatesPendingTaskOwnedByCaller(t *testing.T) {
	repo := newFakeTaskRepository()
	router, uploadDir := newTestRouter(t, repo)

	body, contentType := multipartUpload(t, "a.pdf", "pipeline")
	w := doRequest(router, http.MethodPost, "/api/v1/tasks/submit", "u1key", body, contentType)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, repo.tasks, 1)
	for _, task := range repo.tasks {
		assert.Equal(t, models.TaskStatusPending, task.Status)
		assert.Equal(t, "pipeline", task.Backend)
		require.NotNil(t, task.UserID)
		assert.Equal(t, userOneID, *task.UserID)
		assert.FileExists(t, task.FilePath)
		assert.Equal(t, uploadDir, filepath.Dir(task.FilePath))
	}
}

func TestSubmit_AcceptsOfficeBackend(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	body, contentType := multipartUpload(t, "slides.pptx", "office")
	w := doRequest(router, http.MethodPost, "/api/v1/tasks/submit", "u1key", body, contentType)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestSubmit_AcceptsConfiguredDomainFormatTag(t *testing.T) {
	repo := newFakeTaskRepository()
	gin.SetMode(gin.TestMode)

	chain := auth.NewChain(auth.NewAPIKeyResolver([]string{
		"u1key:" + userOneID.String() + ":task.submit",
	}))
	log := logger.New(config.LoggingConfig{Level: "error", Format: "text"})

	router := gin.New()
	RegisterRoutes(router, Deps{
		Tasks:      repo,
		Queue:      infraqueue.NewEmbeddedQueue(repo),
		AuthChain:  chain,
		UploadPath: t.TempDir(),
		OutputPath: t.TempDir(),
		Backends:   []string{"pipeline", "cad-drawing"},
		Logger:     log,
	})

	body, contentType := multipartUpload(t, "floorplan.dwg", "cad-drawing")
	w := doRequest(router, http.MethodPost, "/api/v1/tasks/submit", "u1key", body, contentType)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Names outside the configured roster are still refused up front.
	body, contentType = multipartUpload(t, "a.pdf", "sensevoice")
	w = doRequest(router, http.MethodPost, "/api/v1/tasks/submit", "u1key", body, contentType)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmit_RejectsUnknownBackend(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	body, contentType := multipartUpload(t, "a.pdf", "imaginary-engine")
	w := doRequest(router, http.MethodPost, "/api/v1/tasks/submit", "u1key", body, contentType)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown backend")
	assert.Empty(t, repo.tasks)
}

func TestSubmit_RequiresAuthentication(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	body, contentType := multipartUpload(t, "a.pdf", "pipeline")
	w := doRequest(router, http.MethodPost, "/api/v1/tasks/submit", "", body, contentType)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDelete_CancelsPendingAndUnlinksUpload(t *testing.T) {
	repo := newFakeTaskRepository()
	router, uploadDir := newTestRouter(t, repo)

	uploadPath := filepath.Join(uploadDir, "pending.pdf")
	require.NoError(t, os.WriteFile(uploadPath, []byte("%PDF"), 0o644))

	uid := userOneID
	task := &models.TaskModel{
		TaskID: uuid.New(), UserID: &uid, FileName: "pending.pdf",
		FilePath: uploadPath, Backend: "pipeline", Status: models.TaskStatusPending,
	}
	repo.put(task)

	w := doRequest(router, http.MethodDelete, "/api/v1/tasks/"+task.TaskID.String(), "u1key", nil, "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, models.TaskStatusCancelled, repo.tasks[task.TaskID].Status)
	assert.NoFileExists(t, uploadPath)
}

func TestDelete_RejectsProcessingTaskWithConflict(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	uid := userOneID
	task := &models.TaskModel{
		TaskID: uuid.New(), UserID: &uid, FileName: "busy.pdf",
		Backend: "pipeline", Status: models.TaskStatusProcessing, WorkerID: "w-1",
	}
	repo.put(task)

	w := doRequest(router, http.MethodDelete, "/api/v1/tasks/"+task.TaskID.String(), "u1key", nil, "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "processing")
	assert.Equal(t, models.TaskStatusProcessing, repo.tasks[task.TaskID].Status)
}

func TestGet_OwnershipEnforced(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	uid := userOneID
	task := &models.TaskModel{
		TaskID: uuid.New(), UserID: &uid, FileName: "a.pdf",
		Backend: "pipeline", Status: models.TaskStatusPending,
	}
	repo.put(task)
	path := "/api/v1/tasks/" + task.TaskID.String()

	// The owner sees their task.
	w := doRequest(router, http.MethodGet, path, "u1key", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	// A second user without task.view_all is refused.
	w = doRequest(router, http.MethodGet, path, "u2key", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// An administrator holding task.view_all sees the full envelope.
	w = doRequest(router, http.MethodGet, path, "adminkey", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data struct {
			TaskID   string `json:"task_id"`
			Status   string `json:"status"`
			FileName string `json:"file_name"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, task.TaskID.String(), envelope.Data.TaskID)
	assert.Equal(t, "pending", envelope.Data.Status)
	assert.Equal(t, "a.pdf", envelope.Data.FileName)
}

func TestGet_UnknownTaskReturnsNotFound(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	w := doRequest(router, http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), "adminkey", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGet_CompletedTaskReturnsContent(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	resultDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(resultDir, "result.md"),
		[]byte("# extracted\n<img src=\"images/fig1.png\" alt=\"fig\">"), 0o644))

	uid := userOneID
	task := &models.TaskModel{
		TaskID: uuid.New(), UserID: &uid, FileName: "a.pdf", Backend: "pipeline",
		Status: models.TaskStatusCompleted, ResultPath: resultDir,
	}
	repo.put(task)

	w := doRequest(router, http.MethodGet, "/api/v1/tasks/"+task.TaskID.String()+"?format=markdown", "u1key", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data struct {
			Content string `json:"content"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Contains(t, envelope.Data.Content, "<img")
}

func TestQueueStats_RequiresQueueViewPermission(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	w := doRequest(router, http.MethodGet, "/api/v1/queue/stats", "u2key", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/queue/stats", "u1key", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListQueue_ScopedToCallerWithoutViewAll(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	u1, u2 := userOneID, userTwoID
	repo.put(&models.TaskModel{TaskID: uuid.New(), UserID: &u1, FileName: "mine.pdf", Backend: "pipeline", Status: models.TaskStatusPending})
	repo.put(&models.TaskModel{TaskID: uuid.New(), UserID: &u2, FileName: "theirs.pdf", Backend: "pipeline", Status: models.TaskStatusPending})

	w := doRequest(router, http.MethodGet, "/api/v1/queue/tasks", "u1key", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mine.pdf")
	assert.NotContains(t, w.Body.String(), "theirs.pdf")

	w = doRequest(router, http.MethodGet, "/api/v1/queue/tasks", "adminkey", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mine.pdf")
	assert.Contains(t, w.Body.String(), "theirs.pdf")
}

func TestAdminEndpoints_RequireQueueManage(t *testing.T) {
	repo := newFakeTaskRepository()
	router, _ := newTestRouter(t, repo)

	w := doRequest(router, http.MethodPost, "/api/v1/admin/reset-stale?timeout_minutes=5", "u1key", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
