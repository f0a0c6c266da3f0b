package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-mesh/internal/store"
	"github.com/xiy/memory-mesh/pkg/types"
)

type stubMemory struct {
	mu      sync.Mutex
	added   []types.AddInput
	updates []types.UpdateInput
	getAll  []types.GetAllInput
}

func (m *stubMemory) AddMemory(_ context.Context, in types.AddInput) types.AddResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, in)
	if strings.TrimSpace(in.Text()) == "" {
		return types.AddResult{Warnings: []types.Warning{}, Error: &types.ErrorInfo{Kind: types.KindInvalidInput, Message: "content is required"}}
	}
	return types.AddResult{Success: true, MemoryID: fmt.Sprintf("m%d", len(m.added)), Warnings: []types.Warning{}}
}

func (m *stubMemory) SearchMemory(_ context.Context, in types.SearchInput) types.SearchResult {
	if in.Query == "" {
		return types.SearchResult{Results: []types.SearchHit{}, Warnings: []types.Warning{}, Error: &types.ErrorInfo{Kind: types.KindInvalidInput, Message: "query is required"}}
	}
	return types.SearchResult{
		Success:  true,
		Results:  []types.SearchHit{{ID: "m1", Content: "I am vegetarian", Score: 0.7, Scope: in.Scope}},
		Warnings: []types.Warning{{Backend: "graph", Kind: types.KindBackendTimeout, Message: "timed out"}},
	}
}

func (m *stubMemory) UpdateMemory(_ context.Context, in types.UpdateInput) types.UpdateResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, in)
	return types.UpdateResult{Success: true, Warnings: []types.Warning{}}
}

func (m *stubMemory) DeleteMemory(_ context.Context, in types.DeleteInput) types.DeleteResult {
	if in.MemoryID == "missing" {
		return types.DeleteResult{Error: &types.ErrorInfo{Kind: types.KindNotFound, Message: "memory not found"}}
	}
	return types.DeleteResult{Success: true}
}

func (m *stubMemory) GetAllMemory(_ context.Context, in types.GetAllInput) types.GetAllResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getAll = append(m.getAll, in)
	return types.GetAllResult{Success: true, Memories: []types.MemoryRecord{{ID: "m1"}}, Count: 1}
}

func (m *stubMemory) Stats(context.Context) types.StatsResult {
	return types.StatsResult{Success: true, Stats: types.Stats{BackendHealth: map[string]bool{"vector": true}, TotalMemories: 3, EmbeddingDim: 64}}
}

type captureSink struct {
	mu   sync.Mutex
	rows []store.RequestLog
}

func (c *captureSink) InsertRequestLog(_ context.Context, rec store.RequestLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, rec)
	return nil
}

func newTestServer(sink RequestLogSink) (*Server, *stubMemory) {
	mem := &stubMemory{}
	return NewServer(mem, "", log.NewWithOptions(io.Discard, log.Options{}), sink), mem
}

func call(t *testing.T, srv *Server, method string, params string) response {
	t.Helper()
	req := request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	resp, ok := srv.handle(context.Background(), req)
	if !ok {
		t.Fatalf("handle(%s) produced no response", method)
	}
	return resp
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(nil)

	resp := call(t, srv, "tools/list", "")
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	tools, ok := result["tools"].([]ToolDefinition)
	if !ok || len(tools) != 6 {
		t.Fatalf("expected 6 tools, got %v", result["tools"])
	}
	for _, tool := range tools {
		if !strings.HasPrefix(tool.Name, "mem0_") {
			t.Fatalf("tool %q lacks mem0_ prefix", tool.Name)
		}
	}
}

func TestHandle_Initialize(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(nil)

	resp := call(t, srv, "initialize", `{}`)
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "memory-mesh" {
		t.Fatalf("serverInfo.name = %v", info["name"])
	}
	caps := result["capabilities"].(map[string]any)
	if _, ok := caps["resources"]; !ok {
		t.Fatalf("resources capability missing: %v", caps)
	}
}

func TestHandle_ToolCallResults(t *testing.T) {
	t.Parallel()
	srv, mem := newTestServer(nil)

	resp := call(t, srv, "tools/call", `{"name":"mem0_add_memory","arguments":{"messages":[{"role":"user","content":"I am vegetarian"}],"user_id":"alice"}}`)
	result := resp.Result.(map[string]any)
	if result["isError"] != false {
		t.Fatalf("add isError = %v", result["isError"])
	}
	add, ok := result["structuredContent"].(types.AddResult)
	if !ok || !add.Success || add.MemoryID != "m1" {
		t.Fatalf("structuredContent = %#v", result["structuredContent"])
	}
	if mem.added[0].UserID != "alice" || mem.added[0].Text() != "user: I am vegetarian" {
		t.Fatalf("AddInput = %+v", mem.added[0])
	}
	text := result["content"].([]map[string]any)[0]["text"].(string)
	var decoded types.AddResult
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("content text is not JSON: %v", err)
	}
	if decoded.MemoryID != add.MemoryID {
		t.Fatalf("content text = %s, want same value as structuredContent", text)
	}

	resp = call(t, srv, "tools/call", `{"name":"mem0_add_memory","arguments":{}}`)
	if resp.Result.(map[string]any)["isError"] != true {
		t.Fatalf("empty add should set isError")
	}
	if resp.failure == "" || !strings.Contains(resp.failure, string(types.KindInvalidInput)) {
		t.Fatalf("failure = %q", resp.failure)
	}

	resp = call(t, srv, "tools/call", `{"name":"mem0_update_memory","arguments":{"memory_id":"m1","data":"I eat fish now"}}`)
	if resp.Result.(map[string]any)["isError"] != false {
		t.Fatalf("update isError = %v", resp.Result)
	}
	if got := mem.updates[0].Data.Content; got == nil || *got != "I eat fish now" {
		t.Fatalf("update patch = %+v", mem.updates[0].Data)
	}

	resp = call(t, srv, "tools/call", `{"name":"mem0_delete_memory","arguments":{"memory_id":"missing"}}`)
	if resp.Result.(map[string]any)["isError"] != true {
		t.Fatalf("delete of missing id should set isError")
	}

	resp = call(t, srv, "tools/call", `{"name":"mem0_get_memory_stats"}`)
	stats := resp.Result.(map[string]any)["structuredContent"].(types.StatsResult)
	if stats.Stats.EmbeddingDim != 64 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestHandle_ToolCallBadArguments(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(nil)

	for _, params := range []string{
		`{"name":"mem0_search_memory","arguments":{"query":42}}`,
		`{"name":"nope","arguments":{}}`,
		`[1,2]`,
	} {
		resp := call(t, srv, "tools/call", params)
		if resp.Error != nil {
			t.Fatalf("%s: tool failures should not be JSON-RPC errors: %+v", params, resp.Error)
		}
		result := resp.Result.(map[string]any)
		if result["isError"] != true {
			t.Fatalf("%s: isError = %v", params, result["isError"])
		}
		sc := result["structuredContent"].(map[string]any)
		if info := sc["error"].(*types.ErrorInfo); info.Kind != types.KindInvalidInput {
			t.Fatalf("%s: kind = %s", params, info.Kind)
		}
	}
	if got := srv.Snapshot()["errors"].(uint64); got != 3 {
		t.Fatalf("error counter = %d, want 3", got)
	}
}

func TestHandle_Resources(t *testing.T) {
	t.Parallel()
	srv, mem := newTestServer(nil)

	resp := call(t, srv, "resources/list", "")
	defs := resp.Result.(map[string]any)["resources"].([]ResourceDefinition)
	if len(defs) != 2 {
		t.Fatalf("resources = %+v", defs)
	}

	resp = call(t, srv, "resources/read", `{"uri":"mem0://stats"}`)
	contents := resp.Result.(map[string]any)["contents"].([]map[string]any)
	var stats types.StatsResult
	if err := json.Unmarshal([]byte(contents[0]["text"].(string)), &stats); err != nil {
		t.Fatalf("stats resource is not JSON: %v", err)
	}
	if stats.Stats.TotalMemories != 3 {
		t.Fatalf("stats resource = %+v", stats)
	}

	resp = call(t, srv, "resources/read", `{"uri":"mem0://memories"}`)
	if resp.Error != nil {
		t.Fatalf("memories resource error = %+v", resp.Error)
	}
	if len(mem.getAll) != 1 || mem.getAll[0].Limit != 0 {
		t.Fatalf("memories resource should use the default limit, got %+v", mem.getAll)
	}

	resp = call(t, srv, "resources/read", `{"uri":"mem0://nope"}`)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("unknown resource response = %+v", resp)
	}
}

func TestHandle_NotificationsAndUnknownMethods(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(nil)

	if _, ok := srv.handle(context.Background(), request{Method: "notifications/initialized"}); ok {
		t.Fatal("notifications must not be answered")
	}
	if _, ok := srv.handle(context.Background(), request{Method: "bogus"}); ok {
		t.Fatal("unknown notification must not be answered")
	}
	resp := call(t, srv, "bogus", "")
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("unknown method response = %+v", resp)
	}
}

func TestCodec_FramedRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := newCodec(nil, &buf)
	if err := w.write(response{JSONRPC: "2.0", ID: 1, Result: map[string]any{"ok": true}}, wireModeFramed); err != nil {
		t.Fatalf("write() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: ") {
		t.Fatalf("framed output = %q", buf.String())
	}

	r := newCodec(&buf, io.Discard)
	payload, mode, err := r.read()
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	if mode != wireModeFramed {
		t.Fatalf("mode = %v, want framed", mode)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
}

func TestCodec_JSONLineSkipsBlankLines(t *testing.T) {
	t.Parallel()
	r := newCodec(strings.NewReader("\n\n  {\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n\n"), io.Discard)

	payload, mode, err := r.read()
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	if mode != wireModeJSONLine {
		t.Fatalf("expected JSON-line mode, got %v", mode)
	}
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("json.Unmarshal(payload) error = %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
	if _, _, err := r.read(); err != io.EOF {
		t.Fatalf("trailing read error = %v, want io.EOF", err)
	}
}

func TestCodec_FramedRejectsMissingLength(t *testing.T) {
	t.Parallel()
	r := newCodec(strings.NewReader("Content-Length: x\r\n\r\n{}"), io.Discard)
	if _, _, err := r.read(); err == nil {
		t.Fatal("expected error for invalid Content-Length")
	}
}

func TestServe_AnswersInArrivalFraming(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(nil)

	ping := `{"jsonrpc":"2.0","id":2,"method":"ping"}`
	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\",\"params\":{\"protocolVersion\":\"2025-03-26\"}}\n")
	in.WriteString(fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(ping), ping))
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	first, rest, found := strings.Cut(out.String(), "\n")
	if !found || strings.Contains(first, "Content-Length") {
		t.Fatalf("first response should be a JSON line: %q", out.String())
	}
	var init map[string]any
	if err := json.Unmarshal([]byte(first), &init); err != nil {
		t.Fatalf("json.Unmarshal(first) error = %v", err)
	}
	if init["result"].(map[string]any)["protocolVersion"] != "2025-03-26" {
		t.Fatalf("initialize should echo the client protocol version: %v", init)
	}
	if !strings.HasPrefix(rest, "Content-Length: ") {
		t.Fatalf("second response should be framed: %q", rest)
	}
}

func TestServe_ParseErrorKeepsServing(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv, _ := newTestServer(sink)

	in := strings.NewReader("{not json}\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "-32700") {
		t.Fatalf("output = %q", out.String())
	}
	if len(sink.rows) != 2 || sink.rows[0].Method != "parse_error" || sink.rows[0].Success {
		t.Fatalf("request logs = %+v", sink.rows)
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv, _ := newTestServer(sink)

	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/call\",\"params\":{\"name\":\"mem0_search_memory\",\"arguments\":{\"user_id\":\"alice\"}}}\n")
	in.WriteString("{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"tools/call\",\"params\":{\"name\":\"mem0_search_memory\",\"arguments\":{\"query\":\"diet\"}}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if len(sink.rows) != 2 {
		t.Fatalf("expected 2 request log rows, got %d", len(sink.rows))
	}
	failed, passed := sink.rows[0], sink.rows[1]
	if failed.Transport != "mcp" || failed.Method != "tools/call" || failed.ToolName != "mem0_search_memory" {
		t.Fatalf("unexpected log row %+v", failed)
	}
	if failed.Success || !strings.Contains(failed.ErrorText, "query is required") {
		t.Fatalf("expected failed request with error text, got %+v", failed)
	}
	if !passed.Success || passed.ErrorText != "" {
		t.Fatalf("expected successful request, got %+v", passed)
	}
}
