package rest

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/smilemakc/taskflow/internal/application/auth"
	appqueue "github.com/smilemakc/taskflow/internal/application/queue"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	storagemodels "github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
	commonerrs "github.com/smilemakc/taskflow/pkg/models"
)

// uploadChunkSize bounds the memory used streaming an incoming file to
// disk.
const uploadChunkSize = 8 * 1024 * 1024

// TaskHandlers implements the tasks/submit, tasks/{id} and queue/*
// endpoints.
type TaskHandlers struct {
	tasks      repository.TaskRepository
	queue      appqueue.Queue
	uploadPath string
	outputPath string
	backends   map[string]bool
	logger     *logger.Logger
}

// NewTaskHandlers wires the task submission/inspection endpoints.
// backends is the accepted engine-selector vocabulary for submissions —
// the configured roster names (including any registered domain-format
// tags), sourced from the same ENGINES_JSON the worker registers its
// engines from so both processes agree; "auto" is always accepted. An
// empty list falls back to the default roster.
func NewTaskHandlers(tasks repository.TaskRepository, q appqueue.Queue, uploadPath, outputPath string, backends []string, log *logger.Logger) *TaskHandlers {
	if len(backends) == 0 {
		backends = defaultBackends
	}
	accepted := make(map[string]bool, len(backends)+1)
	accepted["auto"] = true
	for _, name := range backends {
		accepted[name] = true
	}
	return &TaskHandlers{tasks: tasks, queue: q, uploadPath: uploadPath, outputPath: outputPath, backends: accepted, logger: log}
}

// defaultBackends mirrors the default engine roster, for callers that
// don't supply a configured one.
var defaultBackends = []string{
	"pipeline", "paddleocr-vl", "paddleocr-vl-vllm", "sensevoice", "video", "office",
}

// HandleSubmit handles POST /api/v1/tasks/submit: streams the uploaded
// file to disk in fixed-size chunks and inserts a pending task, which
// also enqueues it onto the Priority Queue.
func (h *TaskHandlers) HandleSubmit(c *gin.Context) {
	principal := GetPrincipal(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondAPIError(c, commonerrs.ErrValidationFailed)
		return
	}

	backend := c.DefaultPostForm("backend", "auto")
	if !h.backends[backend] {
		respondAPIErrorWithRequestID(c, NewAPIError("VALIDATION_FAILED", fmt.Sprintf("unknown backend: %s", backend), http.StatusBadRequest))
		return
	}

	priority, _ := strconv.Atoi(c.DefaultPostForm("priority", "0"))

	taskID := uuid.New()
	safeName := filepath.Base(fileHeader.Filename)
	destPath := filepath.Join(h.uploadPath, fmt.Sprintf("%s_%s", taskID, safeName))

	if err := streamUpload(fileHeader, destPath); err != nil {
		h.logger.Error("upload failed", "error", err, "task_id", taskID)
		respondAPIError(c, commonerrs.ErrUploadFailure)
		return
	}

	options := map[string]interface{}{}
	for _, field := range []string{"lang", "method", "ocr_backend"} {
		if v := c.PostForm(field); v != "" {
			options[field] = v
		}
	}
	for _, field := range []string{
		"formula_enable", "table_enable", "keep_audio", "enable_keyframe_ocr",
		"keep_keyframes", "enable_speaker_diarization", "remove_watermark", "force_mineru",
	} {
		if v := c.PostForm(field); v != "" {
			options[field], _ = strconv.ParseBool(v)
		}
	}
	for _, field := range []string{"watermark_conf_threshold", "watermark_dilation"} {
		if v := c.PostForm(field); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				options[field] = f
			}
		}
	}

	task := &storagemodels.TaskModel{
		TaskID:   taskID,
		FileName: safeName,
		FilePath: destPath,
		Backend:  backend,
		Status:   storagemodels.TaskStatusPending,
		Priority: priority,
		Options:  options,
	}
	if principal != nil {
		if uid, err := uuid.Parse(principal.ID); err == nil {
			task.UserID = &uid
		}
	}

	if err := h.tasks.Create(c.Request.Context(), task); err != nil {
		h.logger.Error("task create failed", "error", err)
		respondAPIError(c, commonerrs.ErrStorageFailure)
		return
	}

	if err := h.queue.Enqueue(c.Request.Context(), task.TaskID, task.Priority); err != nil {
		h.logger.Error("queue enqueue failed", "error", err, "task_id", task.TaskID)
	}

	respondJSON(c, http.StatusCreated, task)
}

// streamUpload copies the multipart file to destPath in uploadChunkSize
// pieces so the handler never buffers the whole upload in memory.
func streamUpload(fh *multipart.FileHeader, destPath string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	buf := make([]byte, uploadChunkSize)
	_, err = io.CopyBuffer(dst, src, buf)
	return err
}

// HandleGet handles GET /api/v1/tasks/{id}?format=markdown|json|both.
// Completed tasks return their primary content inline; parent tasks
// additionally report subtask progress.
func (h *TaskHandlers) HandleGet(c *gin.Context) {
	idStr, ok := getParam(c, "id")
	if !ok {
		return
	}
	taskID, err := uuid.Parse(idStr)
	if err != nil {
		respondAPIError(c, commonerrs.ErrInvalidTaskID)
		return
	}

	principal := GetPrincipal(c)
	task, err := h.tasks.GetByID(c.Request.Context(), taskID)
	if err != nil {
		respondAPIError(c, commonerrs.ErrStorageFailure)
		return
	}
	if task == nil {
		respondAPIError(c, commonerrs.ErrTaskNotFound)
		return
	}
	if !canAccessTask(principal, task, auth.PermTaskViewAll) {
		respondAPIError(c, commonerrs.ErrForbidden)
		return
	}

	body := gin.H{
		"task_id":     task.TaskID,
		"status":      task.Status,
		"file_name":   task.FileName,
		"backend":     task.Backend,
		"priority":    task.Priority,
		"created_at":  task.CreatedAt,
		"started_at":  task.StartedAt,
		"error":       task.ErrorMsg,
		"retry_count": task.RetryCount,
	}

	if task.IsParent {
		_, children, err := h.tasks.GetWithChildren(c.Request.Context(), task.TaskID)
		if err == nil {
			body["is_parent"] = true
			body["subtask_progress"] = gin.H{
				"total":     task.ChildCount,
				"completed": task.ChildCompleted,
			}
			summary := make([]gin.H, 0, len(children))
			for _, child := range children {
				summary = append(summary, gin.H{
					"task_id": child.TaskID,
					"status":  child.Status,
					"chunk":   child.ChunkInfo,
				})
			}
			body["children"] = summary
		}
	}

	if task.Status == storagemodels.TaskStatusCompleted && task.ResultPath != "" {
		format := getQuery(c, "format", "markdown")
		attachContent(body, task.ResultPath, format)
	}

	if filter := c.Query("options_query"); filter != "" {
		input, err := toJQInput(task.Options)
		if err != nil {
			respondAPIErrorWithRequestID(c, NewAPIError("VALIDATION_FAILED", err.Error(), http.StatusBadRequest))
			return
		}
		result, err := runJQFilter(filter, input)
		if err != nil {
			respondAPIErrorWithRequestID(c, NewAPIError("VALIDATION_FAILED", err.Error(), http.StatusBadRequest))
			return
		}
		body["options_query_result"] = result
	}

	respondJSON(c, http.StatusOK, body)
}

// attachContent reads the normalized result.md/result.json produced
// under outDir and attaches whichever the requested format names.
func attachContent(body gin.H, outDir, format string) {
	if format == "markdown" || format == "both" {
		if b, err := os.ReadFile(filepath.Join(outDir, "result.md")); err == nil {
			body["content"] = string(b)
		}
	}
	if format == "json" || format == "both" {
		if b, err := os.ReadFile(filepath.Join(outDir, "result.json")); err == nil {
			body["content_json"] = string(b)
		}
	}
}

// HandleDelete handles DELETE /api/v1/tasks/{id}: cancels a pending task
// and unlinks its uploaded file.
func (h *TaskHandlers) HandleDelete(c *gin.Context) {
	idStr, ok := getParam(c, "id")
	if !ok {
		return
	}
	taskID, err := uuid.Parse(idStr)
	if err != nil {
		respondAPIError(c, commonerrs.ErrInvalidTaskID)
		return
	}

	principal := GetPrincipal(c)
	task, err := h.tasks.GetByID(c.Request.Context(), taskID)
	if err != nil {
		respondAPIError(c, commonerrs.ErrStorageFailure)
		return
	}
	if task == nil {
		respondAPIError(c, commonerrs.ErrTaskNotFound)
		return
	}
	if !canAccessTask(principal, task, auth.PermTaskDeleteAll) {
		respondAPIError(c, commonerrs.ErrForbidden)
		return
	}

	if task.Status != storagemodels.TaskStatusPending {
		respondAPIErrorWithRequestID(c, NewAPIError("CONFLICT_STATE",
			fmt.Sprintf("cannot cancel task in state %s", task.Status), http.StatusBadRequest))
		return
	}

	if err := h.tasks.Cancel(c.Request.Context(), taskID); err != nil {
		respondAPIError(c, commonerrs.ErrStorageFailure)
		return
	}
	if task.FilePath != "" {
		_ = os.Remove(task.FilePath)
	}

	c.Status(http.StatusNoContent)
}

// HandleListQueue handles GET /api/v1/queue/tasks?status=&limit=.
func (h *TaskHandlers) HandleListQueue(c *gin.Context) {
	principal := GetPrincipal(c)
	if principal == nil {
		respondAPIError(c, commonerrs.ErrUnauthorized)
		return
	}
	limit := getQueryInt(c, "limit", 50)
	offset := getQueryInt(c, "offset", 0)

	filters := repository.TaskFilters{}
	if status := c.Query("status"); status != "" {
		s := storagemodels.TaskStatus(status)
		filters.Status = &s
	}
	if !principal.Has(auth.PermTaskViewAll) {
		if uid, err := uuid.Parse(principal.ID); err == nil {
			filters.UserID = &uid
		}
	}

	tasks, err := h.tasks.List(c.Request.Context(), filters, limit, offset)
	if err != nil {
		respondAPIError(c, commonerrs.ErrStorageFailure)
		return
	}
	respondList(c, http.StatusOK, tasks, len(tasks), limit, offset)
}

// HandleQueueStats handles GET /api/v1/queue/stats.
func (h *TaskHandlers) HandleQueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		respondAPIError(c, commonerrs.ErrStorageFailure)
		return
	}
	respondJSON(c, http.StatusOK, stats)
}

// canAccessTask enforces the "self, or <all-permission>" ownership rule.
func canAccessTask(p *auth.Principal, task *storagemodels.TaskModel, allPerm string) bool {
	if p == nil {
		return false
	}
	if p.Has(allPerm) {
		return true
	}
	return task.UserID != nil && task.UserID.String() == p.ID
}
