package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/aio/internal/log"
)

// ToolHandler handles one tool call. It receives the raw JSON arguments
// and returns a result or an error. Errors become ToolCallResult with
// IsError set so the agent sees them as content, not protocol failures.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// Server is an MCP tool server. One instance serves one role; it can run
// over stdio or be mounted as an HTTP handler.
type Server struct {
	info         ImplementationInfo
	instructions string
	tools        map[string]Tool
	handlers     map[string]ToolHandler
	tracer       trace.Tracer

	reader io.Reader
	writer io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex

	initialized bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithTracer enables a span per tool call.
func WithTracer(tracer trace.Tracer) ServerOption {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// NewServer creates an MCP server identified as name/version.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info:     ImplementationInfo{Name: name, Version: version},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the server's implementation name.
func (s *Server) Name() string {
	return s.info.Name
}

// RegisterTool registers a tool with its handler. Registering the same
// name twice replaces the earlier handler.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "Registered tool", "server", s.info.Name, "name", tool.Name)
}

// Serve runs the stdio loop, reading newline-delimited JSON-RPC from
// stdin and writing responses to stdout. It returns when stdin closes
// or the server is stopped.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.reader = stdin
	s.writer = stdout
	s.mu.Unlock()

	return s.run()
}

// Handler returns the server as an HTTP handler for MCP-over-HTTP.
// Each POST carries one JSON-RPC message and receives one response.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}

		response := s.handleRequestBytes(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(response); err != nil {
			log.Debug(log.CatMCP, "Failed to write response", "error", err)
		}
	})
}

// Stop shuts the server down. In-flight tool handlers see their context
// cancelled.
func (s *Server) Stop() {
	s.cancel()
}

// run is the stdio loop.
func (s *Server) run() error {
	scanner := bufio.NewScanner(s.reader)
	// Tool arguments can carry whole diffs; allow large lines.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(NewErrorResponse(nil, NewParseError(err.Error())))
			continue
		}

		if isNotification(&req) {
			s.handleNotification(&req)
		} else {
			s.send(s.dispatch(s.ctx, &req))
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// handleRequestBytes processes a single JSON-RPC message for the HTTP
// transport and returns the response bytes.
func (s *Server) handleRequestBytes(ctx context.Context, body []byte) []byte {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		data, _ := json.Marshal(NewErrorResponse(nil, NewParseError(err.Error())))
		return data
	}

	if isNotification(&req) {
		s.handleNotification(&req)
		return []byte("{}")
	}

	data, _ := json.Marshal(s.dispatch(ctx, &req))
	return data
}

// isNotification reports whether the message carries no ID. json.RawMessage
// is a byte slice, so length distinguishes absent from present.
func isNotification(req *Request) bool {
	return len(req.ID) == 0 || string(req.ID) == "null"
}

// dispatch routes one request to its method handler and builds the
// response.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	log.Debug(log.CatMCP, "Handling request", "server", s.info.Name, "method", req.Method)

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "tools/list":
		result, rpcErr = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResponse(req.ID, result)
}

// handleNotification processes a notification. No response is sent.
func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatMCP, "Client initialized", "server", s.info.Name)
	default:
		// Unknown notifications are ignored per protocol.
		log.Debug(log.CatMCP, "Ignoring notification", "method", req.Method)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatMCP, "Initialize request",
		"server", s.info.Name,
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

// handleToolsList returns the registered tools in stable name order.
func (s *Server) handleToolsList() (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	return ToolsListResult{Tools: tools}, nil
}

// handleToolsCall invokes a tool. Handler errors become an ErrorResult
// body; only unknown tools and malformed params are protocol errors.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()

	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "mcp.tool."+p.Name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("mcp.tool.name", p.Name),
				attribute.String("mcp.server.name", s.info.Name),
			),
		)
		defer span.End()
	}

	log.Debug(log.CatMCP, "Calling tool", "server", s.info.Name, "name", p.Name)

	result, err := handler(ctx, p.Arguments)
	if err != nil {
		log.Debug(log.CatMCP, "Tool call failed", "server", s.info.Name, "name", p.Name, "error", err)
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return ErrorResult(err.Error()), nil
	}

	if span != nil {
		if result != nil && result.IsError {
			span.SetStatus(codes.Error, "tool returned error result")
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	return result, nil
}

// send marshals and writes a response to the stdio writer.
func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatMCP, "Failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return
	}

	// Transport is newline-delimited JSON.
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatMCP, "Failed to write response", "error", err)
	}
}
