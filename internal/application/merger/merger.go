// Package merger recomposes a split parent task's result from its
// completed children once the last one lands, implementing the fan-in
// half of the splitter/merger pair.
package merger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/smilemakc/taskflow/internal/application/normalizer"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// pageDelimiterFormat marks where one child's content ends and the next
// begins in the merged markdown output.
const pageDelimiterFormat = "<!-- Pages %d-%d -->\n"

// Merger concatenates child task outputs into a single parent result.
type Merger struct {
	tasks      repository.TaskRepository
	normalizer *normalizer.Normalizer
	outputDir  string
	logger     *logger.Logger
}

// New creates a Merger.
func New(tasks repository.TaskRepository, norm *normalizer.Normalizer, log *logger.Logger) *Merger {
	return &Merger{tasks: tasks, normalizer: norm, logger: log}
}

// WithOutputDir sets the output root the merged parent result is
// written under (outputDir/<parent_id>/), the same root the worker
// hands each engine. The parent's recorded result path, when set, takes
// precedence over it; with neither, a temp directory is used.
func (m *Merger) WithOutputDir(dir string) *Merger {
	m.outputDir = dir
	return m
}

// pageEntry is one page's worth of the structured JSON output, with its
// page number shifted by an owning child's starting offset.
type pageEntry map[string]interface{}

// Merge loads parentID's children (ordered by start page), concatenates
// their markdown and JSON outputs into the parent's own output directory,
// normalizes the merged result, and finalizes the parent as completed. A
// child missing its primary output is skipped with a warning; if every
// child is missing output, the parent is finalized as failed instead.
func (m *Merger) Merge(ctx context.Context, parentID uuid.UUID) error {
	parent, children, err := m.tasks.GetWithChildren(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to load parent %s: %w", parentID, err)
	}
	if parent == nil {
		return fmt.Errorf("parent task %s not found", parentID)
	}
	if parent.Status != models.TaskStatusProcessing {
		// A child failure (or the stale sweep) already moved the parent
		// out of processing; completing children may still trigger this
		// call, but there is nothing left to merge into.
		m.logger.Warn("skipping merge: parent is no longer processing",
			"parent_id", parentID, "status", parent.Status)
		return nil
	}

	sort.Slice(children, func(i, j int) bool {
		return startPage(children[i]) < startPage(children[j])
	})

	var mdParts []string
	var pages []pageEntry
	usable := 0

	for _, child := range children {
		mdPath := filepath.Join(child.ResultPath, "result.md")
		md, err := os.ReadFile(mdPath)
		if err != nil {
			m.logger.Warn("child markdown missing, skipping in merge", "child_id", child.TaskID, "error", err)
			continue
		}
		usable++

		start, end := startPage(child), endPage(child)
		mdParts = append(mdParts, fmt.Sprintf(pageDelimiterFormat, start, end), string(md))

		jsonPath := filepath.Join(child.ResultPath, "result.json")
		if raw, err := os.ReadFile(jsonPath); err == nil {
			var childPages []pageEntry
			if err := json.Unmarshal(raw, &childPages); err == nil {
				for _, p := range childPages {
					shiftPageNumber(p, start-1)
					pages = append(pages, p)
				}
			}
		}
	}

	if usable == 0 {
		errMsg := "all child tasks were missing their primary output"
		// The merger may run on a different worker than the one that
		// originally claimed and split the parent; pass the parent's own
		// recorded worker_id back so Finalize's ownership check is
		// satisfied regardless of which worker observed the last child.
		changed, err := m.tasks.Finalize(ctx, parentID, parent.WorkerID, models.TaskStatusFailed, "", errMsg)
		if err != nil {
			return fmt.Errorf("failed to finalize parent as failed: %w", err)
		}
		if !changed {
			m.logger.Warn("parent already moved on before merge could fail it", "parent_id", parentID)
			return nil
		}
		return errors.New(errMsg)
	}

	outDir := parent.ResultPath
	if outDir == "" && m.outputDir != "" {
		outDir = filepath.Join(m.outputDir, parentID.String())
	}
	if outDir == "" {
		outDir = filepath.Join(os.TempDir(), "taskflow-merge", parentID.String())
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create parent output dir: %w", err)
	}

	mdOut := filepath.Join(outDir, "result.md")
	if err := os.WriteFile(mdOut, []byte(joinStrings(mdParts)), 0o644); err != nil {
		return fmt.Errorf("failed to write merged markdown: %w", err)
	}

	jsonOut := filepath.Join(outDir, "result.json")
	if pagesBytes, err := json.MarshalIndent(pages, "", "  "); err == nil {
		if err := os.WriteFile(jsonOut, pagesBytes, 0o644); err != nil {
			return fmt.Errorf("failed to write merged JSON: %w", err)
		}
	}

	if err := m.normalizer.Normalize(ctx, parent, mdOut, jsonOut, filepath.Join(outDir, "images")); err != nil {
		m.logger.Warn("normalization of merged output failed", "parent_id", parentID, "error", err)
	}

	changed, err := m.tasks.Finalize(ctx, parentID, parent.WorkerID, models.TaskStatusCompleted, outDir, "")
	if err != nil {
		return fmt.Errorf("failed to finalize merged parent: %w", err)
	}
	if !changed {
		// Another actor (a child failure, the stale sweep) moved the
		// parent out from under us between the status check above and
		// here; keep the shards for whoever owns the row now.
		m.logger.Warn("merge finalize skipped: parent claim no longer held",
			"parent_id", parentID, "worker_id", parent.WorkerID)
		return nil
	}

	// Shard PDFs are no longer needed once the parent is merged; child
	// result directories are left in place in case of a later re-merge.
	// The splitter wrote them under the parent's own output directory.
	splitDir := filepath.Join(outDir, "splits", parentID.String())
	if err := os.RemoveAll(splitDir); err != nil {
		m.logger.Warn("failed to clean up split shards", "parent_id", parentID, "error", err)
	}

	return nil
}

func startPage(t *models.TaskModel) int {
	if t.ChunkInfo == nil {
		return 0
	}
	return t.ChunkInfo.StartPage
}

func endPage(t *models.TaskModel) int {
	if t.ChunkInfo == nil {
		return 0
	}
	return t.ChunkInfo.EndPage
}

func shiftPageNumber(p pageEntry, offset int) {
	if raw, ok := p["page_idx"]; ok {
		if n, ok := raw.(float64); ok {
			p["page_idx"] = int(n) + offset
		}
	}
}

func joinStrings(parts []string) string {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return string(out)
}
