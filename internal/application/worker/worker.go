// Package worker implements the poll-claim-dispatch-finalize runtime that
// pulls tasks off the Priority Queue, routes them to an extraction engine,
// and writes results back to the Task Store.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/taskflow/internal/application/engine"
	"github.com/smilemakc/taskflow/internal/application/merger"
	"github.com/smilemakc/taskflow/internal/application/normalizer"
	"github.com/smilemakc/taskflow/internal/application/observer"
	appqueue "github.com/smilemakc/taskflow/internal/application/queue"
	"github.com/smilemakc/taskflow/internal/application/splitter"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// PreProcessor rewrites a task's input file before dispatch (watermark
// removal, office-to-PDF conversion), returning the possibly-new path and
// a cleanup func that must run on every exit path. It receives the full
// task so it can gate itself on per-task options (e.g. remove_watermark,
// force_mineru) rather than a single process-wide toggle.
type PreProcessor func(ctx context.Context, task *models.TaskModel, filePath string) (newPath string, cleanup func(), err error)

// EngineResolver picks the extraction engine for a task. *engine.Registry
// satisfies this directly; internal/application/dispatch.Router wraps a
// Registry with rule-based "auto" overrides and satisfies it too, so
// either can be wired in without changing the worker.
type EngineResolver interface {
	ResolveTask(task *models.TaskModel, filePath string) (engine.Engine, error)
}

// Config controls poll cadence and shutdown behavior.
type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	ShutdownGrace     time.Duration
	HeartbeatInterval time.Duration
	OutputDir         string
}

// Worker runs the claim/dispatch/finalize loop for one process. Multiple
// Workers (one per device slot) can run inside the same cmd/worker binary
// or across separate processes started with distinct device env.
type Worker struct {
	cfg           Config
	queue         appqueue.Queue
	tasks         repository.TaskRepository
	engines       EngineResolver
	normalizer    *normalizer.Normalizer
	splitter      *splitter.Splitter
	merger        *merger.Merger
	preprocessors []PreProcessor
	logger        *logger.Logger
	events        observer.Publisher

	running atomic.Bool
}

// WithEvents attaches a Publisher that receives a lifecycle event on
// every claim, completion, and failure this Worker processes — an
// observer.Hub for single-process wiring, or an observer.RedisBridge
// to reach an API server process. Passing nil (the default) disables
// publishing entirely.
func (w *Worker) WithEvents(pub observer.Publisher) *Worker {
	w.events = pub
	return w
}

func (w *Worker) publish(taskID uuid.UUID, status, message string) {
	if w.events == nil {
		return
	}
	w.events.Publish(observer.Event{TaskID: taskID, Status: status, Message: message, Timestamp: time.Now()})
}

// New creates a Worker wired to its dependencies.
func New(
	cfg Config,
	q appqueue.Queue,
	tasks repository.TaskRepository,
	engines EngineResolver,
	norm *normalizer.Normalizer,
	split *splitter.Splitter,
	merge *merger.Merger,
	preprocessors []PreProcessor,
	log *logger.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Worker{
		cfg:           cfg,
		queue:         q,
		tasks:         tasks,
		engines:       engines,
		normalizer:    norm,
		splitter:      split,
		merger:        merge,
		preprocessors: preprocessors,
		logger:        log,
	}
}

// Run blocks, polling for work until ctx is cancelled. On cancellation it
// waits out ShutdownGrace for any in-flight task before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		taskID, _, ok, err := w.queue.Dequeue(ctx, w.cfg.WorkerID, w.cfg.PollInterval)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			continue
		}
		if !ok {
			continue
		}

		w.processOne(ctx, taskID)
	}
}

func (w *Worker) processOne(parent context.Context, taskID uuid.UUID) {
	// In-flight work survives a shutdown signal for up to ShutdownGrace;
	// after that the engine context is cancelled and the stale sweep will
	// eventually reclaim whatever this worker left behind.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(w.cfg.ShutdownGrace, cancel)
	})
	defer stop()

	task, err := w.tasks.GetByID(ctx, taskID)
	if err != nil || task == nil {
		w.logger.Error("failed to load claimed task", "task_id", taskID, "error", err)
		return
	}

	w.publish(taskID, string(models.TaskStatusProcessing), "")

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go w.heartbeatLoop(hbCtx, taskID)

	outDir := filepath.Join(w.cfg.OutputDir, taskID.String())

	filePath := task.FilePath
	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	for _, pre := range w.preprocessors {
		newPath, cleanup, err := pre(ctx, task, filePath)
		if cleanup != nil {
			cleanups = append(cleanups, cleanup)
		}
		if err != nil {
			w.fail(ctx, task, fmt.Errorf("pre-processing failed: %w", err))
			return
		}
		filePath = newPath
	}

	split, err := w.splitter.MaybeSplit(ctx, task, filePath, outDir)
	if err != nil {
		w.fail(ctx, task, fmt.Errorf("split check failed: %w", err))
		return
	}
	if split {
		// Task is now a parent awaiting its children; nothing more to do here.
		w.queue.Complete(ctx, taskID, w.cfg.WorkerID)
		return
	}

	eng, err := w.engines.ResolveTask(task, filePath)
	if err != nil {
		w.fail(ctx, task, fmt.Errorf("engine resolution failed: %w", err))
		return
	}

	result, err := eng.Parse(ctx, filePath, outDir, task.Options)
	if err != nil {
		w.fail(ctx, task, fmt.Errorf("engine failed: %w", err))
		return
	}

	if err := w.normalizer.Normalize(ctx, task, result.MarkdownPath, result.JSONPath, result.ImagesDir); err != nil {
		w.logger.Warn("output normalization failed", "task_id", taskID, "error", err)
	}

	w.succeed(ctx, task, outDir)
}

func (w *Worker) succeed(ctx context.Context, task *models.TaskModel, outDir string) {
	changed, err := w.tasks.Finalize(ctx, task.TaskID, w.cfg.WorkerID, models.TaskStatusCompleted, outDir, "")
	if err != nil {
		w.logger.Error("failed to finalize completed task", "task_id", task.TaskID, "error", err)
		return
	}
	if !changed {
		// Another actor (stale sweep, cancel) already moved this row out
		// from under us; don't propagate a completion the store rejected.
		w.logger.Warn("finalize skipped: task claim no longer held", "task_id", task.TaskID, "worker_id", w.cfg.WorkerID)
		return
	}
	w.queue.Complete(ctx, task.TaskID, w.cfg.WorkerID)
	w.publish(task.TaskID, string(models.TaskStatusCompleted), "")

	if task.ParentTaskID != nil {
		w.onChildDone(ctx, *task.ParentTaskID, task.TaskID, nil)
	}
}

func (w *Worker) fail(ctx context.Context, task *models.TaskModel, cause error) {
	w.logger.Error("task failed", "task_id", task.TaskID, "error", cause)
	changed, err := w.tasks.Finalize(ctx, task.TaskID, w.cfg.WorkerID, models.TaskStatusFailed, "", cause.Error())
	if err != nil {
		w.logger.Error("failed to finalize failed task", "task_id", task.TaskID, "error", err)
		return
	}
	if !changed {
		w.logger.Warn("finalize skipped: task claim no longer held", "task_id", task.TaskID, "worker_id", w.cfg.WorkerID)
		return
	}
	w.queue.Fail(ctx, task.TaskID, w.cfg.WorkerID, false, task.Priority)
	w.publish(task.TaskID, string(models.TaskStatusFailed), cause.Error())

	if task.ParentTaskID != nil {
		w.onChildDone(ctx, *task.ParentTaskID, task.TaskID, cause)
	}
}

// onChildDone propagates a finished child's result into its parent's
// fan-in counters, triggering the merge step once the last child lands.
func (w *Worker) onChildDone(ctx context.Context, parentID, childID uuid.UUID, childErr error) {
	if childErr != nil {
		if err := w.tasks.OnChildFailed(ctx, childID, childErr.Error()); err != nil {
			w.logger.Error("failed to propagate child failure", "parent_id", parentID, "error", err)
		}
		return
	}

	readyParent, err := w.tasks.OnChildCompleted(ctx, childID)
	if err != nil {
		w.logger.Error("failed to record child completion", "parent_id", parentID, "error", err)
		return
	}
	if readyParent == nil {
		return
	}

	if err := w.merger.Merge(ctx, *readyParent); err != nil {
		w.logger.Error("merge failed", "parent_id", *readyParent, "error", err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, taskID uuid.UUID) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, taskID, w.cfg.WorkerID); err != nil {
				w.logger.Warn("heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// Running reports whether the poll loop is currently active, used by
// health checks.
func (w *Worker) Running() bool {
	return w.running.Load()
}
