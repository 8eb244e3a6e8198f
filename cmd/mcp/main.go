// Command mcp exposes taskflow as a Model Context Protocol tool server:
// parse_document, get_task_status, list_tasks and get_queue_stats, each
// a thin JSON-RPC-over-stdio wrapper around the same REST handlers the
// HTTP API serves. Diagnostics go to stderr; stdout carries only the
// line-oriented JSON-RPC stream, since the transport is stdio rather
// than argv.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/smilemakc/taskflow/internal/application/auth"
	"github.com/smilemakc/taskflow/internal/config"
	"github.com/smilemakc/taskflow/internal/infrastructure/api/rest"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/queue"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage"
)

const protocolVersion = "2024-11-05"

// rpcRequest is a JSON-RPC 2.0 request line.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response line. Notifications (requests
// with no id) never produce one.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toolDef describes one MCP tool for the tools/list response.
type toolDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Diagnostics go to stderr: stdout is reserved for the JSON-RPC
	// stream the MCP client reads.
	appLogger := logger.NewWithWriter(cfg.Logging, os.Stderr)

	dbConfig := &storage.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MinConnections,
		ConnMaxLifetime: cfg.Database.MaxConnLifetime,
		ConnMaxIdleTime: cfg.Database.MaxIdleTime,
		Debug:           false,
	}
	db, err := storage.NewDB(dbConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer storage.Close(db)

	taskRepo := storage.NewTaskRepository(db)
	taskQueue := queue.NewFromConfig(queue.Config{
		Backend:  cfg.Queue.Backend,
		RedisURL: cfg.Redis.URL(),
	}, taskRepo, appLogger)

	if err := os.MkdirAll(cfg.Storage.UploadPath, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create upload directory: %v\n", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	backends := make([]string, 0, len(cfg.Engines.Specs))
	for name := range cfg.Engines.Specs {
		backends = append(backends, name)
	}
	taskHandlers := rest.NewTaskHandlers(taskRepo, taskQueue, cfg.Storage.UploadPath, cfg.Storage.OutputPath, backends, appLogger)

	// The MCP server is a trusted local tool: it runs as whatever
	// identity operates the client (an editor, an agent runtime), not
	// as a separate remote caller, so it resolves one fixed principal
	// up front rather than parsing per-call credentials. Reuses the
	// same dev-mode always-allow resolver the HTTP API falls back to,
	// rather than inventing a parallel authorization scheme.
	principalID := os.Getenv("MCP_PRINCIPAL_ID")
	if principalID == "" {
		principalID = "mcp-client"
	}
	principal, _ := auth.DevResolver{}.Resolve(context.Background(), principalID)

	srv := &mcpServer{
		tasks:     taskHandlers,
		principal: principal,
		logger:    appLogger,
	}

	srv.serve(os.Stdin, os.Stdout)
}

type mcpServer struct {
	tasks     *rest.TaskHandlers
	principal *auth.Principal
	logger    *logger.Logger
}

// serve reads one JSON-RPC request per line from r and writes one
// response per line to w, the transport shape the MCP stdio runtime
// expects.
func (s *mcpServer) serve(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("malformed JSON-RPC line", "error", err)
			continue
		}

		resp := s.dispatch(req)
		if resp == nil {
			continue // notification, no reply expected
		}
		if err := enc.Encode(resp); err != nil {
			s.logger.Error("failed to write JSON-RPC response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("stdin scan failed", "error", err)
	}
}

func (s *mcpServer) dispatch(req rpcRequest) *rpcResponse {
	if req.ID == nil {
		return nil // notification (e.g. "notifications/initialized")
	}

	switch req.Method {
	case "initialize":
		return s.ok(req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]string{"name": "taskflow-mcp", "version": "1.0.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		})
	case "ping":
		return s.ok(req.ID, map[string]interface{}{})
	case "tools/list":
		return s.ok(req.ID, map[string]interface{}{"tools": toolCatalog()})
	case "tools/call":
		return s.callTool(req)
	default:
		return s.fail(req.ID, -32601, "method not found: "+req.Method)
	}
}

func (s *mcpServer) ok(id json.RawMessage, result interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *mcpServer) fail(id json.RawMessage, code int, message string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *mcpServer) callTool(req rpcRequest) *rpcResponse {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.fail(req.ID, -32602, "invalid params: "+err.Error())
	}

	var (
		status int
		body   []byte
		err    error
	)
	switch params.Name {
	case "parse_document":
		status, body, err = s.parseDocument(params.Arguments)
	case "get_task_status":
		status, body, err = s.getTaskStatus(params.Arguments)
	case "list_tasks":
		status, body, err = s.listTasks(params.Arguments)
	case "get_queue_stats":
		status, body, err = s.getQueueStats()
	default:
		return s.fail(req.ID, -32602, "unknown tool: "+params.Name)
	}
	if err != nil {
		return s.fail(req.ID, -32000, err.Error())
	}

	isError := status >= 400
	return s.ok(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(body)},
		},
		"isError": isError,
	})
}

// newGinContext builds a gin.Context wired to a response recorder, the
// same plumbing gin's own test helpers use, so a handler can be called
// directly without going through net/http.
func (s *mcpServer) newGinContext(req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set(rest.ContextKeyPrincipal, s.principal)
	return c, w
}

type parseDocumentArgs struct {
	FileBase64 string                 `json:"file_base64"`
	FileURL    string                 `json:"file_url"`
	FileName   string                 `json:"file_name"`
	Backend    string                 `json:"backend"`
	Priority   int                    `json:"priority"`
	Options    map[string]interface{} `json:"options"`
}

// parseDocument implements the parse_document tool: accepts either a
// base64 payload or an upstream URL the server downloads, builds an
// in-memory multipart body, and calls HandleSubmit exactly as the HTTP
// route would.
func (s *mcpServer) parseDocument(raw json.RawMessage) (int, []byte, error) {
	var args parseDocumentArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return 0, nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.FileBase64 == "" && args.FileURL == "" {
		return 0, nil, fmt.Errorf("one of file_base64 or file_url is required")
	}
	fileName := args.FileName
	if fileName == "" {
		fileName = "document"
	}

	content, err := s.resolveFileContent(args)
	if err != nil {
		return 0, nil, err
	}

	body, contentType, err := buildMultipartBody(content, fileName, args)
	if err != nil {
		return 0, nil, err
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/submit", body)
	req.Header.Set("Content-Type", contentType)

	c, w := s.newGinContext(req)
	s.tasks.HandleSubmit(c)
	return w.Code, w.Body.Bytes(), nil
}

// resolveFileContent decodes the base64 payload, or downloads file_url
// with a bounded timeout.
func (s *mcpServer) resolveFileContent(args parseDocumentArgs) ([]byte, error) {
	if args.FileBase64 != "" {
		return decodeBase64Loose(args.FileBase64)
	}

	if _, err := url.ParseRequestURI(args.FileURL); err != nil {
		return nil, fmt.Errorf("invalid file_url: %w", err)
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(args.FileURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download file_url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("file_url returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func buildMultipartBody(content []byte, fileName string, args parseDocumentArgs) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}

	if args.Backend != "" {
		_ = mw.WriteField("backend", args.Backend)
	}
	if args.Priority != 0 {
		_ = mw.WriteField("priority", strconv.Itoa(args.Priority))
	}
	for k, v := range args.Options {
		_ = mw.WriteField(k, fmt.Sprintf("%v", v))
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

type getTaskStatusArgs struct {
	TaskID string `json:"task_id"`
	Format string `json:"format"`
}

func (s *mcpServer) getTaskStatus(raw json.RawMessage) (int, []byte, error) {
	var args getTaskStatusArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return 0, nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.TaskID == "" {
		return 0, nil, fmt.Errorf("task_id is required")
	}

	target := "/api/v1/tasks/" + args.TaskID
	if args.Format != "" {
		target += "?format=" + url.QueryEscape(args.Format)
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	c, w := s.newGinContext(req)
	c.Params = gin.Params{{Key: "id", Value: args.TaskID}}
	s.tasks.HandleGet(c)
	return w.Code, w.Body.Bytes(), nil
}

type listTasksArgs struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (s *mcpServer) listTasks(raw json.RawMessage) (int, []byte, error) {
	var args listTasksArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return 0, nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	q := url.Values{}
	if args.Status != "" {
		q.Set("status", args.Status)
	}
	if args.Limit > 0 {
		q.Set("limit", strconv.Itoa(args.Limit))
	}
	if args.Offset > 0 {
		q.Set("offset", strconv.Itoa(args.Offset))
	}

	target := "/api/v1/queue/tasks"
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	c, w := s.newGinContext(req)
	s.tasks.HandleListQueue(c)
	return w.Code, w.Body.Bytes(), nil
}

func (s *mcpServer) getQueueStats() (int, []byte, error) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	c, w := s.newGinContext(req)
	s.tasks.HandleQueueStats(c)
	return w.Code, w.Body.Bytes(), nil
}

// decodeBase64Loose accepts both standard and URL-safe, padded and
// unpadded base64, since MCP clients vary in which encoder they use.
func decodeBase64Loose(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	encodings := []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding}
	var lastErr error
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		} else {
			lastErr = err
		}
	}
	return nil, fmt.Errorf("invalid base64 content: %w", lastErr)
}

// toolCatalog is the static tools/list payload: the four exposed MCP
// tools and their input schemas.
func toolCatalog() []toolDef {
	return []toolDef{
		{
			Name:        "parse_document",
			Description: "Submit a document for parsing/extraction. Accepts either a base64-encoded file or an upstream URL to download.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_base64": map[string]string{"type": "string", "description": "base64-encoded file content"},
					"file_url":    map[string]string{"type": "string", "description": "URL the server downloads before submitting"},
					"file_name":   map[string]string{"type": "string"},
					"backend":     map[string]string{"type": "string", "description": "auto, pipeline, paddleocr-vl, paddleocr-vl-vllm, sensevoice, video"},
					"priority":    map[string]string{"type": "integer"},
				},
			},
		},
		{
			Name:        "get_task_status",
			Description: "Fetch a task's status, and its parsed content once completed.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task_id": map[string]string{"type": "string"},
					"format":  map[string]string{"type": "string", "description": "markdown, json, or both"},
				},
				"required": []string{"task_id"},
			},
		},
		{
			Name:        "list_tasks",
			Description: "List tasks visible to the caller, optionally filtered by status.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"status": map[string]string{"type": "string"},
					"limit":  map[string]string{"type": "integer"},
					"offset": map[string]string{"type": "integer"},
				},
			},
		},
		{
			Name:        "get_queue_stats",
			Description: "Report Priority Queue depth and per-status task counts.",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
	}
}
