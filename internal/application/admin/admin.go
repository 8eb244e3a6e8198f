// Package admin implements the scheduled and on-demand maintenance
// sweeps over the Task Store: the retention cleanup that deletes old
// completed/failed/cancelled rows (and their on-disk artifacts), and the
// reset-stale sweep that reclaims processing tasks whose worker went
// away without finalizing them. Both are exposed as plain functions so
// the HTTP admin endpoints and the cron schedule call the same code.
package admin

import (
	"context"
	"os"
	"time"

	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/robfig/cron/v3"
)

// Scheduler runs the cleanup and reset-stale sweeps on a cron schedule.
type Scheduler struct {
	tasks  repository.TaskRepository
	logger *logger.Logger
	cron   *cron.Cron

	cleanupAfterDays  int
	resetStaleTimeout time.Duration
}

// Config controls the cron schedule and default sweep parameters.
type Config struct {
	CleanupCron       string
	CleanupAfterDays  int
	ResetStaleCron    string
	ResetStaleTimeout time.Duration
}

// NewScheduler builds and registers both cron jobs but does not start them.
func NewScheduler(tasks repository.TaskRepository, cfg Config, log *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		tasks:             tasks,
		logger:            log,
		cron:              cron.New(),
		cleanupAfterDays:  cfg.CleanupAfterDays,
		resetStaleTimeout: cfg.ResetStaleTimeout,
	}

	if _, err := s.cron.AddFunc(cfg.CleanupCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := Cleanup(ctx, tasks, time.Duration(s.cleanupAfterDays)*24*time.Hour); err != nil {
			log.Error("scheduled cleanup failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}

	if _, err := s.cron.AddFunc(cfg.ResetStaleCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := ResetStale(ctx, tasks, s.resetStaleTimeout); err != nil {
			log.Error("scheduled reset-stale failed", "error", err)
		} else if n > 0 {
			log.Info("reset-stale sweep reclaimed tasks", "count", n)
		}
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Start begins the background cron schedule.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until running jobs finish and the schedule is halted.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// Cleanup deletes completed/failed/cancelled tasks older than maxAge, removing
// their upload and output artifacts from disk, and returns how many
// rows were removed.
func Cleanup(ctx context.Context, tasks repository.TaskRepository, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed, err := tasks.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, task := range removed {
		if task.FilePath != "" {
			_ = os.Remove(task.FilePath)
		}
		if task.ResultPath != "" {
			_ = os.RemoveAll(task.ResultPath)
		}
	}
	return len(removed), nil
}

// ResetStale requeues processing tasks whose claim has gone quiet for
// longer than timeout, returning how many were reclaimed.
func ResetStale(ctx context.Context, tasks repository.TaskRepository, timeout time.Duration) (int, error) {
	return tasks.ResetStale(ctx, timeout)
}
