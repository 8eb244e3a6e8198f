// Package engine adapts the extraction-backend roster to the worker
// runtime's dispatch-by-backend/extension model. Engines themselves
// (pipeline/vlm/office/audio/video parsers) are consumed, not
// reimplemented here — this package only supplies the registry and the
// "auto" ordered-probe fallback described for backend selection.
package engine

import (
	"context"
)

// Result is what an Engine produces for a single input file.
type Result struct {
	MarkdownPath string
	JSONPath     string
	ImagesDir    string
}

// Engine is the contract every extraction backend adapter implements.
type Engine interface {
	// Name is the backend identifier used in Task.Backend and API requests.
	Name() string

	// Supports reports whether this engine can handle the given file,
	// used both by capability probing and by the "auto" selection order.
	Supports(filePath string) bool

	// Parse runs extraction, writing outputs under outDir.
	Parse(ctx context.Context, filePath, outDir string, opts map[string]interface{}) (*Result, error)
}

// autoOrder is the fixed probe order for backend="auto" after any
// registered domain-format engines have declined the file: audio
// (sensevoice), then video, then the general pdf/image pipeline, then
// the office/text fallback. The paddleocr variants are listed so they
// count as named backends rather than domain-format tags — they share
// the pipeline's extensions and must never pre-empt it; for auto
// dispatch they are reachable only when the pipeline is unregistered.
var autoOrder = []string{"sensevoice", "video", "pipeline", "paddleocr-vl", "paddleocr-vl-vllm", "office"}
