package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-mesh/internal/store"
	"github.com/xiy/memory-mesh/pkg/types"
)

const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2024-11-05"
	serverVersion   = "0.2.0"
)

// Memory is the facade the tools dispatch to.
type Memory interface {
	AddMemory(ctx context.Context, in types.AddInput) types.AddResult
	SearchMemory(ctx context.Context, in types.SearchInput) types.SearchResult
	UpdateMemory(ctx context.Context, in types.UpdateInput) types.UpdateResult
	DeleteMemory(ctx context.Context, in types.DeleteInput) types.DeleteResult
	GetAllMemory(ctx context.Context, in types.GetAllInput) types.GetAllResult
	Stats(ctx context.Context) types.StatsResult
}

// RequestLogSink receives one summary row per handled request.
type RequestLogSink interface {
	InsertRequestLog(ctx context.Context, rec store.RequestLog) error
}

// Server handles MCP JSON-RPC messages over stdio.
type Server struct {
	mem    Memory
	name   string
	logger *log.Logger
	sink   RequestLogSink

	requests atomic.Uint64
	errors   atomic.Uint64
}

// NewServer creates an MCP server. sink may be nil.
func NewServer(mem Memory, name string, logger *log.Logger, sink RequestLogSink) *Server {
	if strings.TrimSpace(name) == "" {
		name = "memory-mesh"
	}
	return &Server{mem: mem, name: name, logger: logger, sink: sink}
}

// Serve handles requests from in until EOF or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	c := newCodec(in, out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, mode, err := c.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			resp := errorResponse(nil, codeParseError, "parse error", err.Error())
			s.recordRequest(ctx, request{Method: "parse_error"}, resp, 0)
			if werr := c.write(resp, mode); werr != nil {
				return werr
			}
			continue
		}

		started := time.Now()
		resp, reply := s.handle(ctx, req)
		s.recordRequest(ctx, req, resp, time.Since(started))
		if !reply {
			continue
		}
		if err := c.write(resp, mode); err != nil {
			return err
		}
	}
}

const (
	codeParseError     = -32700
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`

	// failure is the tool error text recorded in the request log.
	failure string
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.requests.Add(1)

	hasID := len(req.ID) > 0
	id := decodeID(req.ID)

	switch req.Method {
	case "notifications/initialized":
		return response{}, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := strings.TrimSpace(p.ProtocolVersion)
		if pv == "" {
			pv = protocolVersion
		}
		return ok(id, map[string]any{
			"protocolVersion": pv,
			"capabilities": map[string]any{
				"tools":     map[string]any{"listChanged": false},
				"resources": map[string]any{"listChanged": false, "subscribe": false},
			},
			"serverInfo": map[string]any{"name": s.name, "version": serverVersion},
		}), hasID
	case "ping":
		return ok(id, map[string]any{}), hasID
	case "tools/list":
		return ok(id, map[string]any{"tools": toolDefinitions()}), hasID
	case "tools/call":
		res, failure := s.callTool(ctx, req.Params)
		resp := ok(id, res)
		if failure != "" {
			s.errors.Add(1)
			resp.failure = failure
		}
		return resp, hasID
	case "resources/list":
		return ok(id, map[string]any{"resources": resourceDefinitions()}), hasID
	case "resources/read":
		res, err := s.readResource(ctx, req.Params)
		if err != nil {
			s.errors.Add(1)
			return errorResponse(id, codeInvalidParams, err.Error(), nil), hasID
		}
		return ok(id, res), hasID
	default:
		if !hasID {
			return response{}, false
		}
		return errorResponse(id, codeMethodNotFound, "method not found", req.Method), true
	}
}

// callTool returns the tool result and, when the call failed, a short
// description of why.
func (s *Server) callTool(ctx context.Context, params json.RawMessage) (map[string]any, string) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return invalidArguments(fmt.Errorf("invalid tools/call params: %w", err))
	}
	args := p.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	switch p.Name {
	case "mem0_add_memory":
		var in types.AddInput
		if err := json.Unmarshal(args, &in); err != nil {
			return invalidArguments(fmt.Errorf("invalid %s arguments: %w", p.Name, err))
		}
		res := s.mem.AddMemory(ctx, in)
		return toolResult(res, res.Success, res.Error)
	case "mem0_search_memory":
		var in types.SearchInput
		if err := json.Unmarshal(args, &in); err != nil {
			return invalidArguments(fmt.Errorf("invalid %s arguments: %w", p.Name, err))
		}
		res := s.mem.SearchMemory(ctx, in)
		return toolResult(res, res.Success, res.Error)
	case "mem0_update_memory":
		var in types.UpdateInput
		if err := json.Unmarshal(args, &in); err != nil {
			return invalidArguments(fmt.Errorf("invalid %s arguments: %w", p.Name, err))
		}
		res := s.mem.UpdateMemory(ctx, in)
		return toolResult(res, res.Success, res.Error)
	case "mem0_delete_memory":
		var in types.DeleteInput
		if err := json.Unmarshal(args, &in); err != nil {
			return invalidArguments(fmt.Errorf("invalid %s arguments: %w", p.Name, err))
		}
		res := s.mem.DeleteMemory(ctx, in)
		return toolResult(res, res.Success, res.Error)
	case "mem0_get_all_memory":
		var in types.GetAllInput
		if err := json.Unmarshal(args, &in); err != nil {
			return invalidArguments(fmt.Errorf("invalid %s arguments: %w", p.Name, err))
		}
		res := s.mem.GetAllMemory(ctx, in)
		return toolResult(res, res.Success, res.Error)
	case "mem0_get_memory_stats":
		res := s.mem.Stats(ctx)
		return toolResult(res, res.Success, res.Error)
	default:
		return invalidArguments(fmt.Errorf("unknown tool %q", p.Name))
	}
}

func (s *Server) readResource(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid resources/read params: %w", err)
	}

	var v any
	switch p.URI {
	case resourceStats:
		v = s.mem.Stats(ctx)
	case resourceMemories:
		v = s.mem.GetAllMemory(ctx, types.GetAllInput{})
	default:
		return nil, fmt.Errorf("unknown resource %q", p.URI)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"contents": []map[string]any{{
			"uri":      p.URI,
			"mimeType": "application/json",
			"text":     string(b),
		}},
	}, nil
}

// toolResult renders a facade result. The text block and structuredContent
// carry the same value.
func toolResult(v any, success bool, info *types.ErrorInfo) (map[string]any, string) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return invalidArguments(err)
	}
	failure := ""
	if !success {
		failure = "tool call failed"
		if info != nil {
			failure = string(info.Kind) + ": " + info.Message
		}
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(b)}},
		"structuredContent": v,
		"isError":           !success,
	}, failure
}

func invalidArguments(err error) (map[string]any, string) {
	info := &types.ErrorInfo{Kind: types.KindInvalidInput, Message: err.Error()}
	return toolResult(map[string]any{"success": false, "error": info}, false, info)
}

func (s *Server) recordRequest(ctx context.Context, req request, resp response, duration time.Duration) {
	if s.sink == nil {
		return
	}
	rec := store.RequestLog{
		Transport:  "mcp",
		Method:     strings.TrimSpace(req.Method),
		ToolName:   toolNameFromParams(req.Method, req.Params),
		Success:    responseSuccessful(resp),
		ErrorText:  responseErrorText(resp),
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if rec.Method == "" {
		rec.Method = "unknown"
	}
	if err := s.sink.InsertRequestLog(ctx, rec); err != nil {
		s.logger.Warn("failed to persist request log", "error", err)
	}
}

func toolNameFromParams(method string, params json.RawMessage) string {
	if method != "tools/call" || len(params) == 0 {
		return ""
	}
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return ""
	}
	return strings.TrimSpace(in.Name)
}

func responseSuccessful(resp response) bool {
	return resp.Error == nil && resp.failure == ""
}

func responseErrorText(resp response) string {
	if resp.Error != nil {
		return strings.TrimSpace(resp.Error.Message)
	}
	return resp.failure
}

func ok(id any, result any) response {
	return response{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

func errorResponse(id any, code int, msg string, data any) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Snapshot returns server counters for dashboards.
func (s *Server) Snapshot() map[string]any {
	return map[string]any{
		"requests": s.requests.Load(),
		"errors":   s.errors.Load(),
		"ts":       time.Now().UTC(),
	}
}
