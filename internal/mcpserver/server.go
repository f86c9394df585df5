// Package mcpserver serves tool sets over the MCP streamable HTTP transport.
// It backs the local retail demo and the transport tests.
package mcpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/mcp"
	"github.com/petasbytes/mcp-playground/tools"
)

const Path = "/mcp"

// Server answers MCP JSON-RPC requests for one set of tools.
type Server struct {
	name    string
	version string
	tools   []tools.ToolDefinition
	token   string
	sse     bool
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]struct{}
}

type Option func(*Server)

// WithAuthToken requires a matching bearer token on every request.
func WithAuthToken(token string) Option { return func(s *Server) { s.token = token } }

// WithSSE answers requests with a text/event-stream body instead of JSON.
func WithSSE(enabled bool) Option { return func(s *Server) { s.sse = enabled } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func New(name string, defs []tools.ToolDefinition, opts ...Option) *Server {
	s := &Server{
		name:     name,
		version:  "0.1.0",
		tools:    defs,
		log:      zap.NewNop(),
		sessions: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes: POST/DELETE on Path plus /healthz.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "server": s.name})
	})
	r.Group(func(api chi.Router) {
		api.Use(s.auth)
		api.Post(Path, s.handlePost)
		api.Delete(Path, s.handleDelete)
		api.Get(Path, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusMethodNotAllowed)
		})
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(mcp.HeaderSessionID)
	s.mu.Lock()
	_, ok := s.sessions[sid]
	delete(s.sessions, sid)
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.reply(w, mcp.Response{JSONRPC: mcp.JSONRPCVersion, Error: mcp.NewRPCError(mcp.CodeParseError, "read body", err.Error())})
		return
	}
	var req mcp.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.reply(w, mcp.Response{JSONRPC: mcp.JSONRPCVersion, Error: mcp.NewRPCError(mcp.CodeParseError, "invalid json", nil)})
		return
	}
	if sid := r.Header.Get(mcp.HeaderSessionID); sid != "" && req.Method != mcp.MethodInitialize && !s.known(sid) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	resp := mcp.Response{JSONRPC: mcp.JSONRPCVersion, ID: req.ID}
	if req.JSONRPC != mcp.JSONRPCVersion {
		resp.Error = mcp.NewRPCError(mcp.CodeInvalidRequest, "jsonrpc must be 2.0", nil)
		s.reply(w, resp)
		return
	}

	var result any
	switch req.Method {
	case mcp.MethodInitialize:
		sid := uuid.NewString()
		s.mu.Lock()
		s.sessions[sid] = struct{}{}
		s.mu.Unlock()
		w.Header().Set(mcp.HeaderSessionID, sid)
		result = mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      mcp.Implementation{Name: s.name, Version: s.version},
		}
	case mcp.MethodToolsList:
		result = s.listTools()
	case mcp.MethodToolsCall:
		var p mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			resp.Error = mcp.NewRPCError(mcp.CodeInvalidParams, "tools/call requires a tool name", nil)
			break
		}
		res, rpcErr := s.callTool(p)
		if rpcErr != nil {
			resp.Error = rpcErr
			break
		}
		result = res
	default:
		resp.Error = mcp.NewRPCError(mcp.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}

	if resp.Error == nil {
		b, err := json.Marshal(result)
		if err != nil {
			resp.Error = mcp.NewRPCError(mcp.CodeInternalError, err.Error(), nil)
		} else {
			resp.Result = b
		}
	}
	s.log.Debug("mcp request", zap.String("server", s.name), zap.String("method", req.Method), zap.Bool("error", resp.Error != nil))
	s.reply(w, resp)
}

func (s *Server) known(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sid]
	return ok
}

func (s *Server) listTools() mcp.ListToolsResult {
	out := mcp.ListToolsResult{Tools: make([]mcp.Tool, 0, len(s.tools))}
	for _, t := range s.tools {
		out.Tools = append(out.Tools, mcp.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// callTool runs a tool. Tool failures are results with isError set; only an
// unknown tool is a protocol error.
func (s *Server) callTool(p mcp.CallToolParams) (*mcp.CallToolResult, *mcp.RPCError) {
	var def *tools.ToolDefinition
	for i := range s.tools {
		if s.tools[i].Name == p.Name {
			def = &s.tools[i]
			break
		}
	}
	if def == nil {
		return nil, mcp.NewRPCError(mcp.CodeInvalidParams, "unknown tool: "+p.Name, nil)
	}

	out, err := def.Function(p.Arguments)
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{{Type: "text", Text: fmt.Sprintf("Error: %v", err)}},
			IsError: true,
		}, nil
	}
	if text, ok := out.(string); ok {
		return &mcp.CallToolResult{Content: []mcp.Content{{Type: "text", Text: text}}}, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, mcp.NewRPCError(mcp.CodeInternalError, err.Error(), nil)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{{Type: "text", Text: string(b)}},
		StructuredContent: b,
	}, nil
}

func (s *Server) reply(w http.ResponseWriter, resp mcp.Response) {
	if !s.sse {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
