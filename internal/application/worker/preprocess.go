package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// officeExtensions lists the document formats the office-to-PDF
// pre-processor converts before dispatch, since extraction engines only
// understand PDF/image/text inputs.
var officeExtensions = map[string]bool{
	".doc": true, ".docx": true, ".ppt": true, ".pptx": true,
	".xls": true, ".xlsx": true, ".odt": true,
}

// OfficeConverter converts filePath to a PDF under dir, returning the new
// path. It is injected so the actual conversion (LibreOffice headless, a
// hosted conversion service) stays outside this repo's scope.
type OfficeConverter func(ctx context.Context, filePath, dir string) (string, error)

// NewOfficeToPDFPreProcessor converts office documents to PDF before
// dispatch when the task's force_mineru option is set, using convert.
// Non-office files, and office files without force_mineru, pass through
// unchanged. The converted file is removed on cleanup regardless of how
// the task finishes, since Go's defer guarantees the cleanup func
// registered by the worker loop always runs.
func NewOfficeToPDFPreProcessor(convert OfficeConverter, workDir string, log *logger.Logger) PreProcessor {
	return func(ctx context.Context, task *models.TaskModel, filePath string) (string, func(), error) {
		ext := strings.ToLower(filepath.Ext(filePath))
		if !officeExtensions[ext] || !task.Options.GetBool("force_mineru") {
			return filePath, func() {}, nil
		}

		pdfPath, err := convert(ctx, filePath, workDir)
		if err != nil {
			return filePath, func() {}, err
		}

		cleanup := func() {
			if err := os.Remove(pdfPath); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to clean up converted PDF", "path", pdfPath, "error", err)
			}
		}
		return pdfPath, cleanup, nil
	}
}

// WatermarkParams carries the per-task tuning knobs the submit endpoint
// accepts alongside remove_watermark.
type WatermarkParams struct {
	ConfThreshold float64
	Dilation      float64
}

func watermarkParamsFromTask(task *models.TaskModel) WatermarkParams {
	p := WatermarkParams{ConfThreshold: 0.5, Dilation: 1}
	if task.Options.Has("watermark_conf_threshold") {
		p.ConfThreshold = task.Options.GetFloat("watermark_conf_threshold")
	}
	if task.Options.Has("watermark_dilation") {
		p.Dilation = task.Options.GetFloat("watermark_dilation")
	}
	return p
}

// WatermarkRemover strips a watermark from filePath, writing the cleaned
// file under dir and returning its path. Injected for the same reason as
// OfficeConverter: the actual image/PDF processing is out of this repo's
// scope.
type WatermarkRemover func(ctx context.Context, filePath, dir string, params WatermarkParams) (string, error)

// NewWatermarkRemovalPreProcessor runs remove only for PDFs whose task
// carries remove_watermark=true, keeping it opt-in rather than applied
// to every upload.
func NewWatermarkRemovalPreProcessor(remove WatermarkRemover, workDir string, log *logger.Logger) PreProcessor {
	return func(ctx context.Context, task *models.TaskModel, filePath string) (string, func(), error) {
		if !task.Options.GetBool("remove_watermark") || !strings.EqualFold(filepath.Ext(filePath), ".pdf") {
			return filePath, func() {}, nil
		}

		cleanedPath, err := remove(ctx, filePath, workDir, watermarkParamsFromTask(task))
		if err != nil {
			return filePath, func() {}, err
		}

		cleanup := func() {
			if err := os.Remove(cleanedPath); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to clean up watermark-stripped file", "path", cleanedPath, "error", err)
			}
		}
		return cleanedPath, cleanup, nil
	}
}
