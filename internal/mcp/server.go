// Package mcp exposes the claim ledger pipeline as Model Context Protocol
// tools: Stage 1 extraction, claim indexing, Stage 2 normalization and
// ledger queries. It serves over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/ingest"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/pipeline"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	// Service runs every tool. It serializes calls itself, so the
	// concurrent handler dispatch of mcp-go is safe.
	Service *pipeline.Service
	Version string
}

// NewServer creates a configured MCP server with all ledger tools.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"claimledger",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerIngestTool(s, cfg.Service)
	registerExtractTool(s, cfg.Service)
	registerIndexTool(s, cfg.Service)
	registerStage2Tool(s, cfg.Service)
	registerClaimsTool(s, cfg.Service)
	registerRunTool(s, cfg.Service)
	registerRunsTool(s, cfg.Service)

	registerRunsResource(s, cfg.Service)

	return s
}

// Serve runs the server over stdin/stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// --- Tools ---

func registerIngestTool(s *server.MCPServer, svc *pipeline.Service) {
	tool := mcp.NewTool("ingest_text",
		mcp.WithDescription("Split text into paragraph-bounded chunks (max 1500 chars) and store them as the chunks of a document. Re-ingesting a document updates chunks by index."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("document_id",
			mcp.Required(),
			mcp.Description("Document identifier"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Full document text"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("document_id")
		if err != nil || strings.TrimSpace(docID) == "" {
			return mcp.NewToolResultError("document_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError("content is required"), nil
		}
		content = strings.ReplaceAll(content, "\x00", "")

		res, err := svc.IngestText(ctx, docID, content, ingest.Options{})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ingest error: %v", err)), nil
		}
		return jsonResult(res)
	})
}

func registerExtractTool(s *server.MCPServer, svc *pipeline.Service) {
	tool := mcp.NewTool("run_stage1_extract",
		mcp.WithDescription("Extract ACTOR, OBJECT, STATE, ACTION and DENY claims from the chunks of a document. Cached chunk results are reused unless force_nonce is set. Returns the run id, status and per-run stats."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("document_id",
			mcp.Required(),
			mcp.Description("Document whose chunks are extracted"),
		),
		mcp.WithArray("chunk_ids",
			mcp.Description("Restrict the run to these chunk ids of the document"),
			mcp.Items(map[string]any{"type": "number"}),
		),
		mcp.WithBoolean("pending_only",
			mcp.Description("Skip chunks whose current signature is already cached (default: false)"),
		),
		mcp.WithString("force_nonce",
			mcp.Description("Any value makes every chunk signature new, bypassing the cache"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("document_id")
		if err != nil || strings.TrimSpace(docID) == "" {
			return mcp.NewToolResultError("document_id is required"), nil
		}
		chunkIDs, err := int64Slice(req.GetArguments()["chunk_ids"])
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid chunk_ids: %v", err)), nil
		}

		res, err := svc.Extract(ctx, pipeline.ExtractRequest{
			DocumentID:  docID,
			ChunkIDs:    chunkIDs,
			PendingOnly: req.GetBool("pending_only", false),
			ForceNonce:  req.GetString("force_nonce", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("extract error: %v", err)), nil
		}
		return jsonResult(res)
	})
}

func registerIndexTool(s *server.MCPServer, svc *pipeline.Service) {
	tool := mcp.NewTool("index_claims",
		mcp.WithDescription("Embed the claim cards of a Stage 1 run and upsert them into the vector index. Only claims not yet embedded are processed."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("run_id",
			mcp.Required(),
			mcp.Description("Stage 1 run id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, errResult := requireID(req, "run_id")
		if errResult != nil {
			return errResult, nil
		}
		stats, err := svc.IndexClaims(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("index error: %v", err)), nil
		}
		return jsonResult(stats)
	})
}

func registerStage2Tool(s *server.MCPServer, svc *pipeline.Service) {
	tool := mcp.NewTool("run_stage2",
		mcp.WithDescription("Normalize the claims of a Stage 1 run: for each unreviewed claim, pass by pass (ACTOR, OBJECT, STATE, ACTION), ask the model to accept, merge, reject, defer or split it given similar claims. Run index_claims first."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("stage1_run_id",
			mcp.Required(),
			mcp.Description("Stage 1 run whose claims are normalized"),
		),
		mcp.WithString("model_id",
			mcp.Description("Override model as provider/model (default: configured model)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, errResult := requireID(req, "stage1_run_id")
		if errResult != nil {
			return errResult, nil
		}
		res, err := svc.Normalize(ctx, runID, strings.TrimSpace(req.GetString("model_id", "")))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stage2 error: %v", err)), nil
		}
		return jsonResult(res)
	})
}

func registerClaimsTool(s *server.MCPServer, svc *pipeline.Service) {
	tool := mcp.NewTool("get_claims",
		mcp.WithDescription("List the claims of a Stage 1 run with their evidence, ordered by chunk then id. Includes claims reused from cached extractions."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("run_id",
			mcp.Required(),
			mcp.Description("Stage 1 run id"),
		),
		mcp.WithString("claim_type",
			mcp.Description("Filter by claim type"),
			mcp.Enum("ACTOR", "OBJECT", "STATE", "ACTION", "DENY"),
		),
		mcp.WithString("review_status",
			mcp.Description("Filter by review status"),
			mcp.Enum("UNREVIEWED", "ACCEPTED", "REJECTED", "SUPERSEDED"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, errResult := requireID(req, "run_id")
		if errResult != nil {
			return errResult, nil
		}
		list, err := svc.Claims(ctx, runID, pipeline.ClaimQuery{
			ClaimType:    req.GetString("claim_type", ""),
			ReviewStatus: req.GetString("review_status", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("claims error: %v", err)), nil
		}
		return jsonResult(map[string]any{"run_id": runID, "count": len(list), "claims": list})
	})
}

func registerRunTool(s *server.MCPServer, svc *pipeline.Service) {
	tool := mcp.NewTool("get_run",
		mcp.WithDescription("Get a run's status, stats, chunk outcome counts and number of audited model calls."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("run_id",
			mcp.Required(),
			mcp.Description("Run id (Stage 1 or Stage 2)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, errResult := requireID(req, "run_id")
		if errResult != nil {
			return errResult, nil
		}
		run, err := svc.Run(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run error: %v", err)), nil
		}
		return jsonResult(run)
	})
}

func registerRunsTool(s *server.MCPServer, svc *pipeline.Service) {
	tool := mcp.NewTool("list_runs",
		mcp.WithDescription("List the runs of a document, newest first."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("document_id",
			mcp.Required(),
			mcp.Description("Document identifier"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("document_id")
		if err != nil {
			return mcp.NewToolResultError("document_id is required"), nil
		}
		runs, err := svc.Runs(ctx, docID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("runs error: %v", err)), nil
		}
		return jsonResult(runs)
	})
}

// --- Resources ---

func registerRunsResource(s *server.MCPServer, svc *pipeline.Service) {
	template := mcp.NewResourceTemplate(
		"claimledger://documents/{document_id}/runs",
		"Document Runs",
		mcp.WithTemplateDescription("Stage 1 and Stage 2 runs of a document, newest first."),
		mcp.WithTemplateMIMEType("application/json"),
	)

	s.AddResourceTemplate(template, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docID := documentFromURI(req.Params.URI)
		if docID == "" {
			return nil, fmt.Errorf("no document id in %q", req.Params.URI)
		}
		runs, err := svc.Runs(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		data, _ := json.MarshalIndent(runs, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

// --- Helpers ---

func documentFromURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, "claimledger://documents/")
	if !ok {
		return ""
	}
	doc, ok := strings.CutSuffix(rest, "/runs")
	if !ok {
		return ""
	}
	return doc
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func requireID(req mcp.CallToolRequest, key string) (int64, *mcp.CallToolResult) {
	v, err := req.RequireFloat(key)
	if err != nil {
		return 0, mcp.NewToolResultError(key + " is required")
	}
	if v <= 0 || v != float64(int64(v)) {
		return 0, mcp.NewToolResultError(fmt.Sprintf("%s must be a positive integer, got %v", key, v))
	}
	return int64(v), nil
}

// int64Slice accepts a JSON array of numbers or numeric strings.
func int64Slice(raw any) ([]int64, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %T", raw)
	}
	out := make([]int64, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			out = append(out, int64(v))
		case string:
			var n int64
			if _, err := fmt.Sscan(v, &n); err != nil {
				return nil, fmt.Errorf("%q is not an integer", v)
			}
			out = append(out, n)
		default:
			return nil, fmt.Errorf("unexpected %T in array", item)
		}
	}
	return out, nil
}
