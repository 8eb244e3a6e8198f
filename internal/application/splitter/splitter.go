// Package splitter implements the oversized-PDF sharding gate the Worker
// Runtime runs before dispatch: documents past a page-count threshold are
// converted into a parent task plus N page-range child tasks instead of
// being parsed in one pass.
package splitter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	appqueue "github.com/smilemakc/taskflow/internal/application/queue"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// Config controls whether and when splitting kicks in.
type Config struct {
	Enabled        bool
	ThresholdPages int
	ChunkSize      int
}

// DefaultConfig is the conventional splitting configuration.
func DefaultConfig() Config {
	return Config{Enabled: true, ThresholdPages: 500, ChunkSize: 500}
}

// Splitter decides whether a task's input needs sharding and, if so,
// performs the split and creates child tasks.
type Splitter struct {
	cfg    Config
	tasks  repository.TaskRepository
	queue  appqueue.Queue
	logger *logger.Logger
}

// New creates a Splitter.
func New(cfg Config, tasks repository.TaskRepository, log *logger.Logger) *Splitter {
	return &Splitter{cfg: cfg, tasks: tasks, logger: log}
}

// WithQueue attaches the Priority Queue so freshly created children are
// immediately visible to Dequeue. Without it only the embedded queue
// (where the pending row itself is the queue entry) would pick them up.
func (s *Splitter) WithQueue(q appqueue.Queue) *Splitter {
	s.queue = q
	return s
}

// MaybeSplit inspects task's PDF page count; if it's within the
// threshold, it returns (false, nil) and the caller proceeds to normal
// dispatch. Otherwise it converts task into a parent, writes one PDF per
// chunk under outDir/splits/<task_id>/, creates a pending child task per
// chunk (inheriting backend/options/priority/user), and returns
// (true, nil).
func (s *Splitter) MaybeSplit(ctx context.Context, task *models.TaskModel, filePath, outDir string) (bool, error) {
	if !s.cfg.Enabled || !strings.EqualFold(filepath.Ext(filePath), ".pdf") {
		return false, nil
	}

	pageCount, err := api.PageCountFile(filePath)
	if err != nil {
		return false, fmt.Errorf("failed to count pages: %w", err)
	}
	if pageCount <= s.cfg.ThresholdPages {
		return false, nil
	}

	splitDir := filepath.Join(outDir, "splits", task.TaskID.String())
	if err := os.MkdirAll(splitDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create split dir: %w", err)
	}

	ranges := chunkRanges(pageCount, s.cfg.ChunkSize)
	// Convert with a zero count first; CreateChild bumps child_count as
	// each child row lands, so a crash mid-split leaves a parent whose
	// count matches the children that actually exist.
	if err := s.tasks.ConvertToParent(ctx, task.TaskID, 0); err != nil {
		return false, fmt.Errorf("failed to convert task to parent: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))

	for _, r := range ranges {
		chunkName := fmt.Sprintf("%s_pages_%d-%d.pdf", stem, r.start, r.end)
		chunkPath := filepath.Join(splitDir, chunkName)

		selector := fmt.Sprintf("%d-%d", r.start, r.end)
		if err := api.TrimFile(filePath, chunkPath, []string{selector}, model.NewDefaultConfiguration()); err != nil {
			return false, fmt.Errorf("failed to extract pages %s: %w", selector, err)
		}

		childOptions := make(map[string]interface{}, len(task.Options)+1)
		for k, v := range task.Options {
			childOptions[k] = v
		}
		childOptions["chunk_info"] = map[string]int{
			"start_page": r.start,
			"end_page":   r.end,
			"page_count": r.end - r.start + 1,
		}

		child := &models.TaskModel{
			UserID:   task.UserID,
			FileName: chunkName,
			FilePath: chunkPath,
			Backend:  task.Backend,
			Priority: task.Priority,
			Options:  childOptions,
			ChunkInfo: &models.ChunkInfo{
				StartPage: r.start,
				EndPage:   r.end,
				PageCount: r.end - r.start + 1,
			},
		}
		if err := s.tasks.CreateChild(ctx, task.TaskID, child); err != nil {
			return false, fmt.Errorf("failed to create child task for pages %s: %w", selector, err)
		}
		if s.queue != nil {
			if err := s.queue.Enqueue(ctx, child.TaskID, child.Priority); err != nil {
				s.logger.Warn("failed to enqueue child task", "child_id", child.TaskID, "error", err)
			}
		}
	}

	s.logger.Info("split oversized PDF into child tasks",
		"task_id", task.TaskID, "page_count", pageCount, "children", len(ranges))
	return true, nil
}

type pageRange struct {
	start, end int
}

// chunkRanges splits [1, pageCount] into chunkSize-page windows, 1-indexed
// and inclusive.
func chunkRanges(pageCount, chunkSize int) []pageRange {
	if chunkSize <= 0 {
		chunkSize = pageCount
	}
	var ranges []pageRange
	for start := 1; start <= pageCount; start += chunkSize {
		end := start + chunkSize - 1
		if end > pageCount {
			end = pageCount
		}
		ranges = append(ranges, pageRange{start: start, end: end})
	}
	return ranges
}
