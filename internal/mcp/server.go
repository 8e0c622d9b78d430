package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const maxLineSize = 16 * 1024 * 1024

// Handler executes tool calls. The returned value is rendered as JSON text
// content; a non-nil error becomes an isError result.
type Handler interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, name string, args map[string]any) (any, error)

func (f HandlerFunc) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return f(ctx, name, args)
}

// ErrUnknownResource is returned by ReadResource for a URI it does not serve
var ErrUnknownResource = errors.New("unknown resource")

// ResourceProvider is implemented by handlers that also expose read-only
// resources. ReadResource values are rendered like tool results.
type ResourceProvider interface {
	ListResources() []Resource
	ReadResource(ctx context.Context, uri string) (any, error)
}

// Server answers MCP requests read line by line from a reader. Tool calls
// run concurrently; responses are written whole, one per line, in completion
// order.
type Server struct {
	info      ServerInfo
	tools     []Tool
	byName    map[string]Tool
	handler   Handler
	resources ResourceProvider
	logger    *zap.Logger

	writeMu sync.Mutex
	out     io.Writer
}

// NewServer creates a server exposing tools backed by handler
func NewServer(info ServerInfo, tools []Tool, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	resources, _ := handler.(ResourceProvider)
	return &Server{
		info:      info,
		tools:     tools,
		byName:    byName,
		handler:   handler,
		resources: resources,
		logger:    logger.Named("mcp"),
	}
}

// Serve reads requests from r and writes responses to w until r reaches EOF
// or ctx is cancelled. In-flight tool calls are awaited before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = w

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read error: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				s.write(Response{JSONRPC: "2.0", ID: json.RawMessage("null"),
					Error: &RPCError{Code: CodeParseError, Message: "parse error: " + err.Error()}})
				continue
			}
			if req.Method == "tools/call" {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.respond(ctx, &req)
				}()
				continue
			}
			s.respond(ctx, &req)
		}
	}
}

func (s *Server) respond(ctx context.Context, req *Request) {
	resp := s.handleRequest(ctx, req)
	if req.IsNotification() {
		return
	}
	s.write(*resp)
}

func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", zap.Error(err))
		data, _ = json.Marshal(Response{JSONRPC: "2.0", ID: resp.ID,
			Error: &RPCError{Code: CodeInternalError, Message: "response not encodable"}})
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) handleRequest(ctx context.Context, req *Request) (resp *Response) {
	resp = &Response{JSONRPC: "2.0", ID: req.ID}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request panic", zap.String("method", req.Method), zap.Any("panic", r))
			resp.Result = nil
			resp.Error = &RPCError{Code: CodeInternalError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	s.logger.Debug("request", zap.String("method", req.Method))

	switch req.Method {
	case "initialize":
		capabilities := map[string]any{"tools": map[string]any{}}
		if s.resources != nil {
			capabilities["resources"] = map[string]any{}
		}
		resp.Result = map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    capabilities,
			"serverInfo":      s.info,
		}

	case "notifications/initialized", "notifications/cancelled":
		return resp

	case "ping":
		resp.Result = map[string]any{}

	case "tools/list":
		resp.Result = map[string]any{"tools": s.tools}

	case "tools/call":
		result, rpcErr := s.callTool(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
			return resp
		}
		resp.Result = result

	case "resources/list":
		if s.resources == nil {
			resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
			return resp
		}
		list := s.resources.ListResources()
		if list == nil {
			list = []Resource{}
		}
		resp.Result = map[string]any{"resources": list}

	case "resources/read":
		if s.resources == nil {
			resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
			return resp
		}
		result, rpcErr := s.readResource(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
			return resp
		}
		resp.Result = result

	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return resp
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (*ToolResult, *RPCError) {
	var params ToolCallParams
	if len(raw) == 0 {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	tool, ok := s.byName[params.Name]
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown tool: " + params.Name}
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	if missing := missingRequired(tool, params.Arguments); missing != "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("%s requires '%s' argument", tool.Name, missing)}
	}

	value, err := s.handler.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		s.logger.Info("tool failed", zap.String("tool", params.Name), zap.Error(err))
		return TextResult(err.Error(), true), nil
	}

	if text, ok := value.(string); ok {
		return TextResult(text, false), nil
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: "encoding tool result: " + err.Error()}
	}
	return TextResult(string(data), false), nil
}

func (s *Server) readResource(ctx context.Context, raw json.RawMessage) (*ResourceReadResult, *RPCError) {
	var params ResourceReadParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
	}
	if params.URI == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "resources/read requires 'uri'"}
	}

	value, err := s.resources.ReadResource(ctx, params.URI)
	switch {
	case errors.Is(err, ErrUnknownResource):
		return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown resource: " + params.URI}
	case err != nil:
		s.logger.Info("resource read failed", zap.String("uri", params.URI), zap.Error(err))
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}

	text, ok := value.(string)
	if !ok {
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, &RPCError{Code: CodeInternalError, Message: "encoding resource: " + err.Error()}
		}
		text = string(data)
	}
	return &ResourceReadResult{Contents: []ResourceContents{{
		URI:      params.URI,
		MimeType: "application/json",
		Text:     text,
	}}}, nil
}

func missingRequired(tool Tool, args map[string]any) string {
	required, _ := tool.InputSchema["required"].([]string)
	for _, name := range required {
		if v, ok := args[name]; !ok || v == nil || v == "" {
			return name
		}
	}
	return ""
}
