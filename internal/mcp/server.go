package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arturoeanton/wikirag/internal/domain"
	"github.com/arturoeanton/wikirag/internal/middleware"
	"github.com/arturoeanton/wikirag/internal/port"
	"github.com/arturoeanton/wikirag/internal/service"
)

// Server implements the Model Context Protocol (MCP) server.
// It exposes corpus retrieval and question answering as tools for external agents.
type Server struct {
	ragService *service.RAGService
	library    *service.Library
	defaultK   int
	port       string
	audit      middleware.AuditWriter
	httpServer *http.Server
}

// NewServer creates a new MCP server. Each tools/call is written to audit as
// an mcp_call record; audit may be nil.
func NewServer(ragService *service.RAGService, library *service.Library, defaultK int, port string, audit middleware.AuditWriter) *Server {
	return &Server{
		ragService: ragService,
		library:    library,
		defaultK:   defaultK,
		port:       port,
		audit:      audit,
	}
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Handler returns the MCP HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleRPC)
	mux.HandleFunc("/mcp/sse", s.handleSSE)
	return mux
}

// Start begins the MCP server on the configured port.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("MCP server starting", "port", s.port)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, codeParseError, "parse error")
		return
	}

	var result any
	var err error

	switch req.Method {
	case "tools/list":
		result = s.listTools()
	case "tools/call":
		start := time.Now()
		result, err = s.callTool(r.Context(), req.Params)
		s.recordCall(r, req.Params, err, start)
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]string{
				"name":    "wikirag",
				"version": "1.0.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]bool{"listChanged": false},
			},
		}
	default:
		writeError(w, req.ID, codeMethodNotFound, "method not found")
		return
	}

	if err != nil {
		code := codeInternalError
		if errors.Is(err, port.ErrValidation) {
			code = codeInvalidParams
		}
		writeError(w, req.ID, code, err.Error())
		return
	}

	writeResult(w, req.ID, result)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial endpoint message
	fmt.Fprintf(w, "event: endpoint\ndata: /mcp\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// Keep connection alive
	<-r.Context().Done()
}

func (s *Server) listTools() map[string]any {
	tools := []Tool{
		{
			Name:        "retrieve",
			Description: "Return the corpus passages nearest to a query, closest first",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Search query"},
					"k": {"type": "integer", "description": "Number of passages", "minimum": 1}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "answer",
			Description: "Answer a question grounded on retrieved corpus passages",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Question"},
					"k": {"type": "integer", "description": "Number of passages", "minimum": 1}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "corpus_stats",
			Description: "Report the size and vector dimension of the loaded corpus",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {}
			}`),
		},
	}
	return map[string]any{"tools": tools}
}

type queryArgs struct {
	Query string `json:"query"`
	K     *int   `json:"k"`
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid params: %v", port.ErrValidation, err)
	}

	switch req.Name {
	case "retrieve":
		query, k, err := s.parseQuery(req.Arguments)
		if err != nil {
			return nil, err
		}
		chunks, err := s.ragService.Retriever().Retrieve(ctx, query, k)
		if err != nil {
			return nil, err
		}
		content := make([]map[string]any, len(chunks))
		for i, c := range chunks {
			content[i] = map[string]any{"type": "text", "text": c.Text}
		}
		return map[string]any{"content": content, "sources": chunks}, nil

	case "answer":
		query, k, err := s.parseQuery(req.Arguments)
		if err != nil {
			return nil, err
		}
		ans, err := s.ragService.Answer(ctx, query, k)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": ans.Text},
			},
			"sources": ans.SupportingChunks,
		}, nil

	case "corpus_stats":
		chunks, dim := 0, 0
		if snap := s.library.Snapshot(); snap != nil {
			chunks, dim = snap.Len(), snap.Dimension()
		}
		return map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": fmt.Sprintf("%d chunks, dimension %d", chunks, dim)},
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown tool: %s", port.ErrValidation, req.Name)
	}
}

func (s *Server) recordCall(r *http.Request, params json.RawMessage, callErr error, start time.Time) {
	if s.audit == nil {
		return
	}
	var call struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(params, &call)

	details := map[string]any{"duration_ms": time.Since(start).Milliseconds()}
	if callErr != nil {
		details["error"] = callErr.Error()
	}
	blob, _ := json.Marshal(details)
	middleware.Record(s.audit, domain.AuditLog{
		Action:    domain.AuditActionMCPCall,
		Resource:  call.Name,
		Details:   string(blob),
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
		CreatedAt: start,
	})
}

func (s *Server) parseQuery(raw json.RawMessage) (string, int, error) {
	var args queryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", 0, fmt.Errorf("%w: invalid arguments: %v", port.ErrValidation, err)
	}
	k := s.defaultK
	if args.K != nil {
		k = *args.K
	}
	return strings.TrimSpace(args.Query), k, nil
}

func writeResult(w http.ResponseWriter, id any, result any) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id any, code int, message string) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
