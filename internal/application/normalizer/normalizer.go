// Package normalizer implements the post-engine Output Normalizer: it
// unifies whatever filenames/layout an extraction engine produced into a
// fixed shape (result.md, result.json, images/), rewrites image
// references in both, and optionally uploads images to an object store.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// Fixed output names every engine's artifacts are normalized to.
const (
	MarkdownName = "result.md"
	JSONName     = "result.json"
	ImagesDir    = "images"
)

// ImageUploader pushes a local image file to an object store and returns
// its public URL. Implementations live outside this module; object
// storage is a consumed collaborator.
type ImageUploader interface {
	Upload(ctx context.Context, localPath, taskID, fileName string) (url string, err error)
}

// Normalizer relocates images, rewrites references, and optionally
// uploads images via an ImageUploader.
type Normalizer struct {
	tasks    repository.TaskRepository
	uploader ImageUploader
	logger   *logger.Logger
}

// New creates a Normalizer. uploader may be nil to disable image upload.
func New(tasks repository.TaskRepository, uploader ImageUploader, log *logger.Logger) *Normalizer {
	return &Normalizer{tasks: tasks, uploader: uploader, logger: log}
}

var (
	mdImageRef   = regexp.MustCompile(`!\[([^\]]*)\]\(images/([^)\s]+)\)`)
	htmlImageRef = regexp.MustCompile(`<img([^>]*?)src=["']images/([^"']+)["']([^>]*?)>`)
)

// Normalize relocates mdPath/jsonPath/imagesDir into the fixed layout
// inside the task's output directory, rewrites image references, and
// (if an uploader is configured and the task hasn't already had its
// images uploaded) uploads every relocated image and rewrites references
// to the resulting URLs. It is safe to call twice: the second call is a
// no-op on rewriting because the first call already moved references to
// their final form, and image upload is skipped once task.ImagesUploaded
// is set — an explicit persisted flag rather than a substring heuristic
// over the rewritten markdown.
func (n *Normalizer) Normalize(ctx context.Context, task *models.TaskModel, mdPath, jsonPath, imagesSrcDir string) error {
	outDir := filepath.Dir(mdPath)
	if mdPath == "" {
		return fmt.Errorf("normalizer: no markdown produced for task %s", task.TaskID)
	}

	stdMD := filepath.Join(outDir, MarkdownName)
	stdJSON := ""
	stdImages := filepath.Join(outDir, ImagesDir)

	if err := relocateFile(mdPath, stdMD); err != nil {
		return fmt.Errorf("failed to relocate markdown: %w", err)
	}
	if jsonPath != "" {
		stdJSON = filepath.Join(outDir, JSONName)
		if err := relocateFile(jsonPath, stdJSON); err != nil {
			return fmt.Errorf("failed to relocate json: %w", err)
		}
	}
	imageNames, err := relocateImages(imagesSrcDir, stdImages)
	if err != nil {
		return fmt.Errorf("failed to relocate images: %w", err)
	}

	if len(imageNames) > 0 {
		if err := rewriteLocalImagePaths(stdMD, stdJSON); err != nil {
			return fmt.Errorf("failed to rewrite local image references: %w", err)
		}
	}

	if n.uploader == nil || len(imageNames) == 0 || task.ImagesUploaded {
		return nil
	}

	urlMapping := make(map[string]string, len(imageNames))
	for _, name := range imageNames {
		url, err := n.uploader.Upload(ctx, filepath.Join(stdImages, name), task.TaskID.String(), name)
		if err != nil {
			// Upload failure is non-fatal: the local images/ layout is
			// preserved and the task still completes.
			n.logger.Warn("image upload failed, keeping local layout",
				"task_id", task.TaskID, "image", name, "error", err)
			continue
		}
		urlMapping[name] = url
	}
	if len(urlMapping) == 0 {
		return nil
	}

	if err := rewriteToURLs(stdMD, stdJSON, urlMapping); err != nil {
		n.logger.Warn("failed to rewrite image URLs after upload", "task_id", task.TaskID, "error", err)
		return nil
	}
	if err := n.tasks.MarkImagesUploaded(ctx, task.TaskID); err != nil {
		n.logger.Warn("failed to persist images_uploaded flag", "task_id", task.TaskID, "error", err)
	}
	return nil
}

func relocateFile(src, dst string) error {
	if src == dst {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	if src != dst {
		_ = os.Remove(src)
	}
	return nil
}

// relocateImages moves every file under srcDir into dstDir (a no-op when
// they're already the same directory) and returns the relocated file names.
func relocateImages(srcDir, dstDir string) ([]string, error) {
	if srcDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	if srcDir != dstDir {
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return nil, err
		}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
		if srcDir == dstDir {
			continue
		}
		if err := relocateFile(filepath.Join(srcDir, e.Name()), filepath.Join(dstDir, e.Name())); err != nil {
			return nil, err
		}
	}
	if srcDir != dstDir {
		_ = os.Remove(srcDir)
	}
	sort.Strings(names)
	return names, nil
}

// rewriteLocalImagePaths converts markdown image syntax to <img> tags
// pointing at the relocated images/ directory; idempotent, since it only matches the images/<name> form, which
// is a no-op once references already point elsewhere.
func rewriteLocalImagePaths(mdPath, jsonPath string) error {
	if err := rewriteFile(mdPath, func(content string) string {
		content = mdImageRef.ReplaceAllString(content, `<img src="images/$2" alt="$1">`)
		return content
	}); err != nil {
		return err
	}
	return nil
}

// rewriteToURLs applies the three reference-rewrite rules against the
// already-relocated images/ references, replacing each with its resolved
// object-store URL. Safe to call more than once: once a reference already
// holds a resolved URL it no longer matches these images/-relative
// patterns, keeping a second run a no-op.
func rewriteToURLs(mdPath, jsonPath string, urlMapping map[string]string) error {
	if err := rewriteFile(mdPath, func(content string) string {
		content = mdImageRef.ReplaceAllStringFunc(content, func(m string) string {
			sub := mdImageRef.FindStringSubmatch(m)
			alt, name := sub[1], sub[2]
			if url, ok := urlMapping[name]; ok {
				return fmt.Sprintf(`<img src="%s" alt="%s">`, url, alt)
			}
			return m
		})
		content = htmlImageRef.ReplaceAllStringFunc(content, func(m string) string {
			sub := htmlImageRef.FindStringSubmatch(m)
			pre, name, post := sub[1], sub[2], sub[3]
			if url, ok := urlMapping[name]; ok {
				return fmt.Sprintf(`<img%ssrc="%s"%s>`, pre, url, post)
			}
			return m
		})
		return content
	}); err != nil {
		return err
	}

	if jsonPath == "" {
		return nil
	}
	raw, err := os.ReadFile(jsonPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	rewriteJSONValue(doc, urlMapping)
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(jsonPath, out, 0o644)
}

// rewriteJSONValue recursively replaces any string value that references
// the images/ directory and a known filename with its resolved URL,
// so structured output points at the same URLs as the markdown.
func rewriteJSONValue(v interface{}, urlMapping map[string]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if s, ok := val.(string); ok {
				if url, replaced := rewriteJSONString(s, urlMapping); replaced {
					t[k] = url
					continue
				}
			}
			rewriteJSONValue(val, urlMapping)
		}
	case []interface{}:
		for i, val := range t {
			if s, ok := val.(string); ok {
				if url, replaced := rewriteJSONString(s, urlMapping); replaced {
					t[i] = url
					continue
				}
			}
			rewriteJSONValue(val, urlMapping)
		}
	}
}

func rewriteJSONString(s string, urlMapping map[string]string) (string, bool) {
	if !strings.Contains(s, ImagesDir) {
		return s, false
	}
	for name, url := range urlMapping {
		if strings.Contains(s, name) {
			return url, true
		}
	}
	return s, false
}

func rewriteFile(path string, transform func(string) string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	out := transform(string(raw))
	if out == string(raw) {
		return nil
	}
	return os.WriteFile(path, []byte(out), 0o644)
}

// NewTaskScopedName builds a deterministic per-task file name for an
// uploaded image, used by ImageUploader implementations that want
// collision-free object keys without depending on this package's
// internals.
func NewTaskScopedName(taskID uuid.UUID, fileName string) string {
	return fmt.Sprintf("%s/%s", taskID.String(), fileName)
}
