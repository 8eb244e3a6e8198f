package rest

import (
	"net/http"
	"os/exec"

	"github.com/gin-gonic/gin"
)

// engineDescriptor is the public shape of the engine catalog: name,
// the extensions it claims, and whether its runtime dependency is
// actually present on this host (capability probe).
type engineDescriptor struct {
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
	Available  bool     `json:"available"`
}

// engineCatalog is the public backend roster. Engines themselves run
// inside the worker process; this is a static description plus a
// best-effort capability probe, not an invocation.
var engineCatalog = []struct {
	name       string
	extensions []string
	probeBin   string
}{
	{name: "pipeline", extensions: []string{".pdf", ".png", ".jpg", ".jpeg"}, probeBin: "mineru"},
	{name: "paddleocr-vl", extensions: []string{".pdf", ".png", ".jpg", ".jpeg"}, probeBin: "paddleocr"},
	{name: "paddleocr-vl-vllm", extensions: []string{".pdf", ".png", ".jpg", ".jpeg"}, probeBin: "vllm"},
	{name: "sensevoice", extensions: []string{".wav", ".mp3", ".flac", ".m4a"}, probeBin: "sensevoice"},
	{name: "video", extensions: []string{".mp4", ".mov", ".mkv"}, probeBin: "ffmpeg"},
	{name: "office", extensions: []string{".docx", ".pptx", ".xlsx"}, probeBin: "libreoffice"},
}

// EngineHandlers implements the public engine catalog endpoint.
type EngineHandlers struct{}

// NewEngineHandlers wires the engine catalog endpoint.
func NewEngineHandlers() *EngineHandlers { return &EngineHandlers{} }

// HandleList handles GET /api/v1/engines: a static roster, each entry's
// Available flag capability-probed against the host's PATH. An optional
// ?filter= jq expression (e.g. ".[] | select(.available)") lets a
// caller narrow the roster without a bespoke query-param vocabulary.
func (h *EngineHandlers) HandleList(c *gin.Context) {
	result := make([]engineDescriptor, 0, len(engineCatalog))
	for _, e := range engineCatalog {
		available := true
		if e.probeBin != "" {
			_, err := exec.LookPath(e.probeBin)
			available = err == nil
		}
		result = append(result, engineDescriptor{Name: e.name, Extensions: e.extensions, Available: available})
	}

	if filter := c.Query("filter"); filter != "" {
		filtered, err := jqFilterCatalog(filter, result)
		if err != nil {
			respondAPIErrorWithRequestID(c, NewAPIError("VALIDATION_FAILED", err.Error(), http.StatusBadRequest))
			return
		}
		respondJSON(c, http.StatusOK, filtered)
		return
	}
	respondJSON(c, http.StatusOK, result)
}

// jqFilterCatalog round-trips the descriptor slice through JSON so
// gojq sees plain maps/slices rather than struct values.
func jqFilterCatalog(filter string, descriptors []engineDescriptor) (interface{}, error) {
	raw, err := toJQInput(descriptors)
	if err != nil {
		return nil, err
	}
	return runJQFilter(filter, raw)
}
