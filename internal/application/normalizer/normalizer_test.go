package normalizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/taskflow/internal/config"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

type fakeTaskRepository struct {
	repository.TaskRepository
	uploadedMarks map[uuid.UUID]bool
}

func newFakeTaskRepository() *fakeTaskRepository {
	return &fakeTaskRepository{uploadedMarks: make(map[uuid.UUID]bool)}
}

func (f *fakeTaskRepository) MarkImagesUploaded(ctx context.Context, taskID uuid.UUID) error {
	f.uploadedMarks[taskID] = true
	return nil
}

type fakeUploader struct {
	calls int
	urls  map[string]string
}

func (u *fakeUploader) Upload(ctx context.Context, localPath, taskID, fileName string) (string, error) {
	u.calls++
	return u.urls[fileName], nil
}

func testLogger() *logger.Logger {
	return logger.New(config.LoggingConfig{Level: "error", Format: "text"})
}

func setupEngineOutput(t *testing.T) (dir, mdPath, jsonPath, imagesDir string) {
	t.Helper()
	dir = t.TempDir()
	imagesDir = filepath.Join(dir, "raw_images")
	require.NoError(t, os.MkdirAll(imagesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(imagesDir, "fig1.png"), []byte("fake-png"), 0o644))

	mdPath = filepath.Join(dir, "engine_output.md")
	require.NoError(t, os.WriteFile(mdPath, []byte("# Title\n\n![a figure](images/fig1.png)\n"), 0o644))

	jsonPath = filepath.Join(dir, "engine_output.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"page_idx":0,"text":"see images/fig1.png"}]`), 0o644))

	return dir, mdPath, jsonPath, imagesDir
}

func TestNormalizer_RelocatesToFixedLayout(t *testing.T) {
	repo := newFakeTaskRepository()
	n := New(repo, nil, testLogger())

	dir, mdPath, jsonPath, imagesDir := setupEngineOutput(t)
	task := &models.TaskModel{TaskID: uuid.New()}

	require.NoError(t, n.Normalize(context.Background(), task, mdPath, jsonPath, imagesDir))

	require.FileExists(t, filepath.Join(dir, MarkdownName))
	require.FileExists(t, filepath.Join(dir, JSONName))
	require.FileExists(t, filepath.Join(dir, ImagesDir, "fig1.png"))
	require.NoFileExists(t, mdPath, "engine's original markdown path must be moved, not copied")
}

func TestNormalizer_RewritesMarkdownImageReferences(t *testing.T) {
	repo := newFakeTaskRepository()
	n := New(repo, nil, testLogger())

	dir, mdPath, jsonPath, imagesDir := setupEngineOutput(t)
	task := &models.TaskModel{TaskID: uuid.New()}

	require.NoError(t, n.Normalize(context.Background(), task, mdPath, jsonPath, imagesDir))

	md, err := os.ReadFile(filepath.Join(dir, MarkdownName))
	require.NoError(t, err)
	require.Contains(t, string(md), `<img src="images/fig1.png" alt="a figure">`)
}

func TestNormalizer_UploadsImagesAndRewritesToURLs(t *testing.T) {
	repo := newFakeTaskRepository()
	uploader := &fakeUploader{urls: map[string]string{"fig1.png": "https://cdn.example.com/fig1.png"}}
	n := New(repo, uploader, testLogger())

	dir, mdPath, jsonPath, imagesDir := setupEngineOutput(t)
	taskID := uuid.New()
	task := &models.TaskModel{TaskID: taskID}

	require.NoError(t, n.Normalize(context.Background(), task, mdPath, jsonPath, imagesDir))

	md, err := os.ReadFile(filepath.Join(dir, MarkdownName))
	require.NoError(t, err)
	require.Contains(t, string(md), `https://cdn.example.com/fig1.png`)
	require.NotContains(t, string(md), `images/fig1.png`)

	jsonOut, err := os.ReadFile(filepath.Join(dir, JSONName))
	require.NoError(t, err)
	require.Contains(t, string(jsonOut), `https://cdn.example.com/fig1.png`)

	require.Equal(t, 1, uploader.calls)
	require.True(t, repo.uploadedMarks[taskID])
}

// TestNormalizer_IdempotentOnSecondCall checks that a second Normalize
// run is a no-op property: running Normalize twice on already-normalized
// output must not error and must not re-upload images.
func TestNormalizer_IdempotentOnSecondCall(t *testing.T) {
	repo := newFakeTaskRepository()
	uploader := &fakeUploader{urls: map[string]string{"fig1.png": "https://cdn.example.com/fig1.png"}}
	n := New(repo, uploader, testLogger())

	dir, mdPath, jsonPath, imagesDir := setupEngineOutput(t)
	taskID := uuid.New()
	task := &models.TaskModel{TaskID: taskID}

	require.NoError(t, n.Normalize(context.Background(), task, mdPath, jsonPath, imagesDir))
	require.Equal(t, 1, uploader.calls)

	// Simulate re-running normalize on the now-standard paths, as a
	// duplicate finalize delivery might trigger. ImagesUploaded is now
	// set on the task, matching what a reloaded task row would show.
	task.ImagesUploaded = true
	stdMD := filepath.Join(dir, MarkdownName)
	stdJSON := filepath.Join(dir, JSONName)
	stdImages := filepath.Join(dir, ImagesDir)

	beforeMD, err := os.ReadFile(stdMD)
	require.NoError(t, err)

	require.NoError(t, n.Normalize(context.Background(), task, stdMD, stdJSON, stdImages))

	afterMD, err := os.ReadFile(stdMD)
	require.NoError(t, err)
	require.Equal(t, string(beforeMD), string(afterMD), "second normalize call must be a no-op")
	require.Equal(t, 1, uploader.calls, "images_uploaded flag must prevent a second upload pass")
}

func TestNormalizer_NoImagesSkipsUpload(t *testing.T) {
	repo := newFakeTaskRepository()
	uploader := &fakeUploader{urls: map[string]string{}}
	n := New(repo, uploader, testLogger())

	dir := t.TempDir()
	mdPath := filepath.Join(dir, "engine_output.md")
	require.NoError(t, os.WriteFile(mdPath, []byte("# No images here\n"), 0o644))

	task := &models.TaskModel{TaskID: uuid.New()}
	require.NoError(t, n.Normalize(context.Background(), task, mdPath, "", ""))

	require.Equal(t, 0, uploader.calls)
	require.False(t, repo.uploadedMarks[task.TaskID])
}
