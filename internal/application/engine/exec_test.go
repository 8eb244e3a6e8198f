package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecEngineSupportsByExtension(t *testing.T) {
	e := NewExecEngine("pipeline", "true", []string{".pdf", ".PNG"})

	assert.True(t, e.Supports("report.pdf"))
	assert.True(t, e.Supports("scan.png"))
	assert.True(t, e.Supports("SCAN.PDF"))
	assert.False(t, e.Supports("talk.mp3"))
}

func TestExecEngineParseInvokesBinaryAndCollectsArtifacts(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")

	var gotArgs []string
	// "true" exists on any PATH, satisfying the availability check; the
	// fake runner stands in for the actual engine invocation.
	e := NewExecEngine("pipeline", "true", []string{".pdf"}).WithRunner(
		func(ctx context.Context, bin string, args ...string) ([]byte, error) {
			gotArgs = args
			require.NoError(t, os.WriteFile(filepath.Join(outDir, "result.md"), []byte("# out"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(outDir, "result.json"), []byte("[]"), 0o644))
			require.NoError(t, os.MkdirAll(filepath.Join(outDir, "images"), 0o755))
			return nil, nil
		})

	result, err := e.Parse(context.Background(), "/uploads/a.pdf", outDir, map[string]interface{}{"lang": "en"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "result.md"), result.MarkdownPath)
	assert.Equal(t, filepath.Join(outDir, "result.json"), result.JSONPath)
	assert.Equal(t, filepath.Join(outDir, "images"), result.ImagesDir)

	require.Len(t, gotArgs, 6)
	assert.Equal(t, "--input", gotArgs[0])
	assert.Equal(t, "/uploads/a.pdf", gotArgs[1])
	assert.Equal(t, "--output-dir", gotArgs[2])

	var opts map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(gotArgs[5]), &opts))
	assert.Equal(t, "en", opts["lang"])
}

func TestExecEngineParseFallsBackToAnyMarkdown(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")

	e := NewExecEngine("pipeline", "true", []string{".pdf"}).WithRunner(
		func(ctx context.Context, bin string, args ...string) ([]byte, error) {
			return nil, os.WriteFile(filepath.Join(outDir, "a_report.md"), []byte("# out"), 0o644)
		})

	result, err := e.Parse(context.Background(), "a.pdf", outDir, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "a_report.md"), result.MarkdownPath)
	assert.Empty(t, result.JSONPath)
}

func TestExecEngineParseFailsWhenBinaryMissing(t *testing.T) {
	e := NewExecEngine("paddleocr-vl", "definitely-not-installed-anywhere", []string{".pdf"})

	_, err := e.Parse(context.Background(), "a.pdf", t.TempDir(), nil)
	require.ErrorIs(t, err, ErrEngineNotFound)
	assert.Contains(t, err.Error(), "not installed")
}

func TestExecEngineParseFailsWhenNoMarkdownProduced(t *testing.T) {
	e := NewExecEngine("pipeline", "true", []string{".pdf"}).WithRunner(
		func(ctx context.Context, bin string, args ...string) ([]byte, error) {
			return nil, nil
		})

	_, err := e.Parse(context.Background(), "a.pdf", t.TempDir(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no markdown")
}
