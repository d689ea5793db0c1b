package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/pipeline"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/stage1"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/stage2"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/vectorindex"
)

// scriptedLLM returns one OBJECT claim for "report" and accepts every seed.
type scriptedLLM struct{}

func (scriptedLLM) Name() string { return "fake" }

func (scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	system, user := req.Messages[0].Content, req.Messages[len(req.Messages)-1].Content
	if i := strings.Index(system, "Current pass: "); i >= 0 {
		pass := strings.TrimSuffix(strings.Fields(system[i+len("Current pass: "):])[0], ".")
		return &llm.Response{Text: fmt.Sprintf(
			`{"pass_kind":%q,"decision":{"kind":"ACCEPT_AS_CANONICAL","confidence":1,"rationale":"ok"}}`, pass)}, nil
	}
	if strings.Contains(user, "report") {
		return &llm.Response{Text: `{"claims":[{"type":"OBJECT","value":{"name":"report"},"evidence":["report"]}]}`}, nil
	}
	return &llm.Response{Text: `{"claims":[]}`}, nil
}

type constEmbedder struct{}

func (constEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{1, float32(len(text)), 1}, nil
}

func (e constEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (constEmbedder) Dimensions() int  { return 3 }
func (constEmbedder) ModelID() string { return "test/const" }

func setupTestServer(t *testing.T) *server.MCPServer {
	t.Helper()
	st, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	index, err := vectorindex.NewHNSW(t.TempDir())
	if err != nil {
		t.Fatalf("creating index: %v", err)
	}
	svc, err := pipeline.New(pipeline.Deps{
		Store:    st,
		Provider: scriptedLLM{},
		Embedder: constEmbedder{},
		Index:    index,
		Stage1:   stage1.DefaultConfig("fake/model"),
		Stage2:   stage2.DefaultConfig("fake/model"),
	})
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return NewServer(ServerConfig{Service: svc, Version: "test"})
}

func TestNewServer(t *testing.T) {
	if srv := setupTestServer(t); srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestLedgerToolsRoundTrip(t *testing.T) {
	srv := setupTestServer(t)

	res := callTool(t, srv, "ingest_text", map[string]interface{}{
		"document_id": "pump-manual",
		"content":     "The operator sends the report.",
	})
	if res.IsError {
		t.Fatalf("ingest_text failed: %s", getTextContent(t, res))
	}

	res = callTool(t, srv, "run_stage1_extract", map[string]interface{}{"document_id": "pump-manual"})
	if res.IsError {
		t.Fatalf("run_stage1_extract failed: %s", getTextContent(t, res))
	}
	var s1 struct {
		RunID  int64  `json:"run_id"`
		Status string `json:"status"`
	}
	decode(t, getTextContent(t, res), &s1)
	if s1.RunID == 0 || s1.Status != string(store.RunSuccess) {
		t.Fatalf("unexpected stage1 result: %+v", s1)
	}

	res = callTool(t, srv, "index_claims", map[string]interface{}{"run_id": s1.RunID})
	if res.IsError {
		t.Fatalf("index_claims failed: %s", getTextContent(t, res))
	}

	res = callTool(t, srv, "run_stage2", map[string]interface{}{"stage1_run_id": s1.RunID})
	if res.IsError {
		t.Fatalf("run_stage2 failed: %s", getTextContent(t, res))
	}

	res = callTool(t, srv, "get_claims", map[string]interface{}{
		"run_id":        s1.RunID,
		"claim_type":    "OBJECT",
		"review_status": "ACCEPTED",
	})
	if res.IsError {
		t.Fatalf("get_claims failed: %s", getTextContent(t, res))
	}
	var list struct {
		Count  int                  `json:"count"`
		Claims []pipeline.ClaimView `json:"claims"`
	}
	decode(t, getTextContent(t, res), &list)
	if list.Count != 1 || list.Claims[0].Evidence[0].Snippet != "report" {
		t.Fatalf("unexpected claims: %+v", list)
	}

	res = callTool(t, srv, "get_run", map[string]interface{}{"run_id": s1.RunID})
	var run pipeline.RunView
	decode(t, getTextContent(t, res), &run)
	if run.LLMCalls != 1 || run.ChunkStatus["SUCCESS"] != 1 {
		t.Fatalf("unexpected run view: %+v", run)
	}

	res = callTool(t, srv, "list_runs", map[string]interface{}{"document_id": "pump-manual"})
	var runs []pipeline.RunView
	decode(t, getTextContent(t, res), &runs)
	if len(runs) != 2 || runs[0].Kind != string(store.RunKindStage2) {
		t.Fatalf("expected stage2 run first, got %+v", runs)
	}

	text := callResource(t, srv, "claimledger://documents/pump-manual/runs")
	if !strings.Contains(text, `"kind"`) {
		t.Fatalf("resource missing runs: %s", text)
	}
}

func TestExtractChunkIDs(t *testing.T) {
	srv := setupTestServer(t)
	callTool(t, srv, "ingest_text", map[string]interface{}{
		"document_id": "pump-manual",
		"content":     "The operator sends the report.",
	})

	res := callTool(t, srv, "run_stage1_extract", map[string]interface{}{
		"document_id": "pump-manual",
		"chunk_ids":   []interface{}{1},
	})
	if res.IsError {
		t.Fatalf("run_stage1_extract failed: %s", getTextContent(t, res))
	}

	res = callTool(t, srv, "run_stage1_extract", map[string]interface{}{
		"document_id": "pump-manual",
		"chunk_ids":   []interface{}{1.5},
	})
	if !res.IsError {
		t.Fatal("expected error for fractional chunk id")
	}
}

func TestToolArgumentErrors(t *testing.T) {
	srv := setupTestServer(t)

	cases := []struct {
		tool string
		args map[string]interface{}
		want string
	}{
		{"run_stage1_extract", map[string]interface{}{}, "document_id is required"},
		{"index_claims", map[string]interface{}{"run_id": -1}, "positive integer"},
		{"run_stage2", map[string]interface{}{}, "stage1_run_id is required"},
		{"get_claims", map[string]interface{}{"run_id": 1, "claim_type": "GOAL"}, "unknown claim type"},
		{"get_run", map[string]interface{}{"run_id": 99}, "run error"},
	}
	for _, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			res := callTool(t, srv, tc.tool, tc.args)
			if !res.IsError {
				t.Fatalf("expected error result")
			}
			if text := getTextContent(t, res); !strings.Contains(text, tc.want) {
				t.Fatalf("error %q does not mention %q", text, tc.want)
			}
		})
	}
}

func TestInt64Slice(t *testing.T) {
	got, err := int64Slice([]any{float64(3), "4"})
	if err != nil || len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("int64Slice = %v, %v", got, err)
	}
	if _, err := int64Slice("1,2"); err == nil {
		t.Fatal("expected error for non-array")
	}
	if got, err := int64Slice(nil); err != nil || got != nil {
		t.Fatalf("nil input = %v, %v", got, err)
	}
}

func TestDocumentFromURI(t *testing.T) {
	if got := documentFromURI("claimledger://documents/a-b/runs"); got != "a-b" {
		t.Fatalf("got %q", got)
	}
	if got := documentFromURI("claimledger://documents/a-b"); got != "" {
		t.Fatalf("got %q", got)
	}
}

// callTool is a helper that invokes an MCP tool through the JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	callResult := &mcplib.CallToolResult{IsError: resp.Result.IsError}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}
	return callResult
}

func callResource(t *testing.T, srv *server.MCPServer, uri string) string {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params": map[string]interface{}{
			"uri": uri,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result.Contents) == 0 {
		t.Fatalf("no resource contents for %s", uri)
	}
	return resp.Result.Contents[0].Text
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func decode(t *testing.T, text string, v interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(text), v); err != nil {
		t.Fatalf("decoding %q: %v", text, err)
	}
}
