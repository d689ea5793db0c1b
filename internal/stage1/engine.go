// Package stage1 runs cached, per-chunk claim extraction over one document.
//
// Each chunk moves from PENDING to exactly one of CACHED, SUCCESS,
// SUCCESS_WITH_WARNINGS or FAILED. A chunk failure is recorded on its
// chunk_run row and never stops the run; only ledger errors do.
package stage1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/logging"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/metrics"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
)

// Audit kinds of Stage 1 model calls.
const (
	CallKindExtract = "EXTRACT"
	CallKindRepair  = "REPAIR"
)

// Chunk failure types recorded on chunk_runs.error_type.
const (
	ErrTypeTooManyClaims = "FAILED_TOO_MANY_CLAIMS"
	ErrTypeParse         = "PARSE_ERROR"
	ErrTypeLLMPrefix     = "LLM_"
)

const promptName = "chunk_claims_extract"

// ErrNoChunks is returned when the document has no chunks to process.
var ErrNoChunks = errors.New("document has no chunks")

// Options narrows a run.
type Options struct {
	// ChunkIDs limits the run to these chunks of the document.
	ChunkIDs []int64
	// PendingOnly skips chunks whose current signature is already cached.
	PendingOnly bool
}

// TokenUsage sums model token accounting over a run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *TokenUsage) add(r *llm.Response) {
	if r == nil {
		return
	}
	u.PromptTokens += r.Usage.InputTokens
	u.CompletionTokens += r.Usage.OutputTokens
	u.TotalTokens += r.Usage.TotalTokens
}

// Stats is stored as the run's stats_json.
type Stats struct {
	ChunksTotal        int        `json:"chunks_total"`
	ChunksSkipped      int        `json:"chunks_skipped"`
	ChunksCached       int        `json:"chunks_cached"`
	ChunksSucceeded    int        `json:"chunks_success"`
	ChunksWithWarnings int        `json:"chunks_success_with_warnings"`
	ChunksFailed       int        `json:"chunks_failed"`
	ClaimsTotal        int        `json:"claims_total"`
	TokenUsage         TokenUsage `json:"token_usage"`
}

// Result is what run_stage1_extract reports.
type Result struct {
	RunID        int64           `json:"run_id"`
	Status       store.RunStatus `json:"status"`
	Stats        Stats           `json:"stats"`
	ErrorSummary string          `json:"error_summary,omitempty"`
}

// Engine extracts claims chunk by chunk.
type Engine struct {
	store  store.Store
	llm    llm.Provider
	cfg    Config
	parser *claims.Parser
}

// NewEngine validates cfg and resolves its parser.
func NewEngine(st store.Store, provider llm.Provider, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelID == "" {
		return nil, errors.New("stage1: model id is required")
	}
	if strings.Contains(cfg.ModelID, "|") || strings.Contains(cfg.PromptVersion, "|") || strings.Contains(cfg.ForceNonce, "|") {
		return nil, errors.New("stage1: signature fields must not contain '|'")
	}
	parser, err := claims.Lookup(cfg.PromptVersion)
	if err != nil {
		return nil, fmt.Errorf("stage1: %w", err)
	}
	return &Engine{store: st, llm: provider, cfg: cfg, parser: parser}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

type workItem struct {
	chunk *store.Chunk
	sig   string
}

// chunkOutcome is the per-chunk contribution to run stats.
type chunkOutcome struct {
	status  store.ChunkRunStatus
	claims  int
	usage   TokenUsage
	errType string
	errMsg  string
}

// Run extracts one document and finalizes the run. The returned error is
// non-nil only when the ledger itself fails; the run is then FAILED.
func (e *Engine) Run(ctx context.Context, documentID string, opts Options) (*Result, error) {
	chunks, err := e.store.ListChunks(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoChunks, documentID)
	}

	snap, err := json.Marshal(e.cfg.snapshot(opts))
	if err != nil {
		return nil, fmt.Errorf("encoding run config: %w", err)
	}
	run := &store.Run{
		DocumentID:       documentID,
		Kind:             store.RunKindStage1,
		PromptVersion:    e.cfg.PromptVersion,
		ExtractorVersion: e.cfg.ExtractorVersion,
		ModelID:          e.cfg.ModelID,
		ConfigJSON:       string(snap),
	}
	if _, err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	ctx = logging.WithRun(logging.WithLogger(ctx, e.cfg.Logger), run.ID)
	log := logging.FromContext(ctx).With("component", "stage1", "document_id", documentID)

	result := &Result{RunID: run.ID}
	items, skipped, err := e.selectChunks(ctx, chunks, opts, log)
	if err != nil {
		return e.fail(ctx, result, err)
	}
	result.Stats.ChunksTotal = len(items)
	result.Stats.ChunksSkipped = skipped

	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.chunk.ID
	}
	if err := e.store.EnsureChunkRuns(ctx, run.ID, ids); err != nil {
		return e.fail(ctx, result, err)
	}
	log.Info("stage1 run started", "chunks", len(items), "skipped", skipped, "model", e.cfg.ModelID)

	outcomes := make([]chunkOutcome, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, it := range items {
		g.Go(func() error {
			out, err := e.processChunk(gctx, run.ID, it)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", it.chunk.ID, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return e.fail(ctx, result, err)
	}

	var failures []string
	for i, out := range outcomes {
		switch out.status {
		case store.ChunkCached:
			result.Stats.ChunksCached++
		case store.ChunkSuccess:
			result.Stats.ChunksSucceeded++
		case store.ChunkSuccessWithWarnings:
			result.Stats.ChunksSucceeded++
			result.Stats.ChunksWithWarnings++
		case store.ChunkFailed:
			result.Stats.ChunksFailed++
			failures = append(failures, fmt.Sprintf("chunk %d: %s: %s", items[i].chunk.ID, out.errType, out.errMsg))
		}
		result.Stats.ClaimsTotal += out.claims
		result.Stats.TokenUsage.PromptTokens += out.usage.PromptTokens
		result.Stats.TokenUsage.CompletionTokens += out.usage.CompletionTokens
		result.Stats.TokenUsage.TotalTokens += out.usage.TotalTokens
	}

	result.Status = store.RunSuccess
	if result.Stats.ChunksFailed > 0 {
		result.Status = store.RunPartial
		result.ErrorSummary = summarize(failures, len(items))
	}
	if err := e.finalize(ctx, result); err != nil {
		return nil, err
	}
	log.Info("stage1 run finished",
		"status", result.Status,
		"cached", result.Stats.ChunksCached,
		"succeeded", result.Stats.ChunksSucceeded,
		"failed", result.Stats.ChunksFailed,
		"claims", result.Stats.ClaimsTotal)
	return result, nil
}

// selectChunks applies the chunk-id subset and pending-only filter, keeping
// document order.
func (e *Engine) selectChunks(ctx context.Context, chunks []*store.Chunk, opts Options, log *slog.Logger) ([]workItem, int, error) {
	var wanted map[int64]bool
	if len(opts.ChunkIDs) > 0 {
		wanted = make(map[int64]bool, len(opts.ChunkIDs))
		for _, id := range opts.ChunkIDs {
			wanted[id] = true
		}
	}

	var items []workItem
	skipped := 0
	for _, c := range chunks {
		if wanted != nil {
			if !wanted[c.ID] {
				continue
			}
			delete(wanted, c.ID)
		}
		hash := c.ContentHash
		if hash == "" {
			hash = store.ContentHash(c.Text)
		}
		it := workItem{chunk: c, sig: e.cfg.Signature(hash)}
		if opts.PendingOnly {
			cached, err := e.store.GetCachedSuccess(ctx, c.ID, it.sig)
			if err != nil {
				return nil, 0, err
			}
			if cached != nil {
				skipped++
				continue
			}
		}
		items = append(items, it)
	}
	for id := range wanted {
		log.Warn("requested chunk does not belong to document", "chunk_id", id)
	}
	return items, skipped, nil
}

func (e *Engine) processChunk(ctx context.Context, runID int64, it workItem) (chunkOutcome, error) {
	chunk := it.chunk
	log := logging.FromContext(ctx).With("component", "stage1", "chunk_id", chunk.ID)

	cached, err := e.store.GetCachedSuccess(ctx, chunk.ID, it.sig)
	if err != nil {
		return chunkOutcome{}, err
	}
	if cached != nil {
		return e.markCached(ctx, runID, chunk.ID, cached.ID, it.sig)
	}

	var out chunkOutcome
	chunkRef := strconv.FormatInt(chunk.ID, 10)
	started := time.Now()

	resp, call, callErr := e.complete(ctx, runID, chunk.ID, it.sig, CallKindExtract,
		e.parser.Extract(chunkRef, chunk.Text), e.cfg.Temperature)
	out.usage.add(resp)
	if callErr != nil {
		if err := e.audit(ctx, call); err != nil {
			return out, err
		}
		code := string(llm.Classify(callErr).Code)
		log.Warn("extraction call failed", "error", callErr)
		return e.markFailed(ctx, runID, chunk.ID, out, ErrTypeLLMPrefix+code, callErr.Error(), started)
	}

	raw := resp.Text
	res, parseErr := e.parse(raw, chunkRef, chunk.Text)
	e.settle(call, res, parseErr)
	if err := e.audit(ctx, call); err != nil {
		return out, err
	}

	for attempt := 0; attempt < e.cfg.RepairAttempts && needsRepair(res, parseErr); attempt++ {
		log.Debug("repairing extraction output", "attempt", attempt+1, "parse_error", parseErr)
		rresp, rcall, rerr := e.complete(ctx, runID, chunk.ID, it.sig, CallKindRepair,
			e.parser.Repair(raw, chunk.Text), 0)
		out.usage.add(rresp)
		if rerr != nil {
			if err := e.audit(ctx, rcall); err != nil {
				return out, err
			}
			if parseErr != nil {
				parseErr = fmt.Errorf("%v; repair call: %w", parseErr, rerr)
			}
			continue
		}
		rres, rparseErr := e.parse(rresp.Text, chunkRef, chunk.Text)
		e.settle(rcall, rres, rparseErr)
		if err := e.audit(ctx, rcall); err != nil {
			return out, err
		}
		if rparseErr == nil && (res == nil || len(rres.Claims) > 0) {
			res, parseErr, raw = rres, nil, rresp.Text
		} else if parseErr != nil {
			parseErr = rparseErr
		}
	}

	if parseErr != nil {
		if _, err := e.store.InsertExtraction(ctx, e.extraction(runID, chunk, it.sig, raw, "", parseErr.Error(), store.ExtractionFailed)); err != nil {
			return out, err
		}
		log.Warn("extraction output could not be parsed", "error", parseErr)
		return e.markFailed(ctx, runID, chunk.ID, out, ErrTypeParse, parseErr.Error(), started)
	}

	if n := len(res.Claims); n > e.cfg.ClaimsHardLimit {
		msg := fmt.Sprintf("claims count %d exceeds hard limit %d", n, e.cfg.ClaimsHardLimit)
		if _, err := e.store.InsertExtraction(ctx, e.extraction(runID, chunk, it.sig, raw, "", msg, store.ExtractionFailed)); err != nil {
			return out, err
		}
		log.Warn("too many claims, chunk rejected", "claims", n)
		return e.markFailed(ctx, runID, chunk.ID, out, ErrTypeTooManyClaims, msg, started)
	}

	parsed, err := json.Marshal(res)
	if err != nil {
		return out, fmt.Errorf("encoding parsed result: %w", err)
	}
	rows := toLedgerClaims(res, runID, chunk, 0)
	stored, err := e.store.PersistExtraction(ctx, e.extraction(runID, chunk, it.sig, raw, string(parsed), "", store.ExtractionSuccess), rows)
	if err != nil {
		return out, err
	}
	if stored.RunID != runID {
		// Another run cached this signature first; its claims stand.
		cachedOut, err := e.markCached(ctx, runID, chunk.ID, stored.ID, it.sig)
		cachedOut.usage = out.usage
		return cachedOut, err
	}

	out.status = store.ChunkSuccess
	if len(rows) > e.cfg.ClaimsSoftWarning {
		out.status = store.ChunkSuccessWithWarnings
	}
	out.claims = len(rows)
	if err := e.store.MarkSuccess(ctx, runID, chunk.ID, stored.ID, out.status, it.sig, time.Since(started).Milliseconds()); err != nil {
		return out, err
	}
	metrics.ChunkOutcomes.WithLabelValues(string(out.status)).Inc()
	metrics.ClaimsPersisted.Add(float64(len(rows)))
	log.Debug("chunk extracted", "status", out.status, "claims", len(rows), "warnings", len(res.Warnings))
	return out, nil
}

// parse runs the registered parser plus the optional name check.
func (e *Engine) parse(raw, chunkRef, chunkText string) (*claims.Result, error) {
	res, err := e.parser.Run(raw, chunkRef, chunkText)
	if err != nil {
		return nil, err
	}
	if e.cfg.CheckNames {
		res.Warnings = append(res.Warnings, claims.ValidateNameInEvidence(res, chunkText)...)
	}
	return res, nil
}

// needsRepair is true when parsing failed or validation emptied a
// non-empty claim list.
func needsRepair(res *claims.Result, err error) bool {
	if err != nil || res == nil {
		return true
	}
	return len(res.Claims) == 0 && res.Parsed > 0
}

func (e *Engine) markCached(ctx context.Context, runID, chunkID, extractionID int64, sig string) (chunkOutcome, error) {
	if err := e.store.MarkCached(ctx, runID, chunkID, extractionID, sig); err != nil {
		return chunkOutcome{}, err
	}
	n, err := e.store.CountClaimsByExtraction(ctx, extractionID)
	if err != nil {
		return chunkOutcome{}, err
	}
	metrics.ChunkOutcomes.WithLabelValues(string(store.ChunkCached)).Inc()
	return chunkOutcome{status: store.ChunkCached, claims: n}, nil
}

func (e *Engine) markFailed(ctx context.Context, runID, chunkID int64, out chunkOutcome, errType, msg string, started time.Time) (chunkOutcome, error) {
	if err := e.store.MarkFailed(ctx, runID, chunkID, errType, msg, time.Since(started).Milliseconds()); err != nil {
		return out, err
	}
	metrics.ChunkOutcomes.WithLabelValues(string(store.ChunkFailed)).Inc()
	out.status = store.ChunkFailed
	out.errType = errType
	out.errMsg = msg
	return out, nil
}

func (e *Engine) extraction(runID int64, chunk *store.Chunk, sig, raw, parsed, validationErr string, status store.ExtractionStatus) *store.ChunkExtraction {
	hash := chunk.ContentHash
	if hash == "" {
		hash = store.ContentHash(chunk.Text)
	}
	return &store.ChunkExtraction{
		RunID:             runID,
		ChunkID:           chunk.ID,
		PromptName:        promptName,
		SignatureHash:     sig,
		ContentHash:       hash,
		PromptVersion:     e.cfg.PromptVersion,
		ExtractorVersion:  e.cfg.ExtractorVersion,
		ModelID:           e.cfg.ModelID,
		ParamsFingerprint: e.cfg.ParamsFingerprint(),
		RawOutput:         raw,
		ParsedJSON:        parsed,
		ValidationError:   validationErr,
		Status:            status,
	}
}

type requestAudit struct {
	PromptVersion string        `json:"prompt_version"`
	ChunkID       int64         `json:"chunk_id"`
	Model         string        `json:"model"`
	Temperature   float64       `json:"temperature"`
	MaxTokens     int           `json:"max_tokens"`
	Messages      []llm.Message `json:"messages"`
}

// complete issues one model call and prepares its audit row. The row's
// status is SUCCESS or FAILED; settle refines it after parsing.
func (e *Engine) complete(ctx context.Context, runID, chunkID int64, sig, kind string, prompt claims.Prompt, temperature float64) (*llm.Response, *store.LLMCall, error) {
	req := llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt.System},
			{Role: llm.RoleUser, Content: prompt.User},
		},
		Temperature: temperature,
		MaxTokens:   e.cfg.MaxTokens,
		Format:      llm.FormatJSON,
		Timeout:     e.cfg.Timeout,
	}
	reqJSON, _ := json.Marshal(requestAudit{
		PromptVersion: e.cfg.PromptVersion,
		ChunkID:       chunkID,
		Model:         e.cfg.ModelID,
		Temperature:   temperature,
		MaxTokens:     e.cfg.MaxTokens,
		Messages:      req.Messages,
	})

	provider, model := splitModelID(e.cfg.ModelID)
	call := &store.LLMCall{
		RunID:         runID,
		ChunkID:       &chunkID,
		Kind:          kind,
		Provider:      provider,
		Model:         model,
		SignatureHash: sig,
		RequestJSON:   string(reqJSON),
	}

	started := time.Now()
	resp, err := e.llm.Complete(ctx, req)
	call.LatencyMS = time.Since(started).Milliseconds()
	if err != nil {
		lerr := llm.Classify(err)
		call.Status = store.CallFailed
		call.ErrorCode = string(lerr.Code)
		call.ErrorMessage = err.Error()
		return nil, call, err
	}
	call.Status = store.CallSuccess
	call.ResponseText = resp.Text
	call.PromptTokens = resp.Usage.InputTokens
	call.CompletionTokens = resp.Usage.OutputTokens
	call.TotalTokens = resp.Usage.TotalTokens
	if resp.LatencyMS > 0 {
		call.LatencyMS = resp.LatencyMS
	}
	return resp, call, nil
}

// settle records the parse outcome on a successful call's audit row.
func (e *Engine) settle(call *store.LLMCall, res *claims.Result, parseErr error) {
	if parseErr != nil {
		call.Status = store.CallParseFailed
		call.ErrorCode = ErrTypeParse
		call.ErrorMessage = parseErr.Error()
		return
	}
	if b, err := json.Marshal(res); err == nil {
		call.ResponseJSON = string(b)
	}
}

func (e *Engine) audit(ctx context.Context, call *store.LLMCall) error {
	if _, err := e.store.InsertLLMCall(ctx, call); err != nil {
		return err
	}
	metrics.ObserveLLMCall(call.Kind, string(call.Status), call.LatencyMS)
	return nil
}

func (e *Engine) finalize(ctx context.Context, result *Result) error {
	stats, err := json.Marshal(result.Stats)
	if err != nil {
		return fmt.Errorf("encoding run stats: %w", err)
	}
	return e.store.FinalizeRun(ctx, result.RunID, result.Status, string(stats), result.ErrorSummary)
}

// fail finalizes the run as FAILED after a ledger error.
func (e *Engine) fail(ctx context.Context, result *Result, cause error) (*Result, error) {
	result.Status = store.RunFailed
	result.ErrorSummary = cause.Error()
	if err := e.finalize(context.WithoutCancel(ctx), result); err != nil {
		logging.FromContext(ctx).Error("finalizing failed run", "component", "stage1", "error", err)
	}
	return result, cause
}

// toLedgerClaims converts parsed claims into ledger rows. Evidence offsets
// are rune offsets into the newline-normalized chunk text and are set only
// when the snippet occurs there literally.
func toLedgerClaims(res *claims.Result, runID int64, chunk *store.Chunk, extractionID int64) []*store.Claim {
	text := store.NormalizeNewlines(chunk.Text)
	rows := make([]*store.Claim, 0, len(res.Claims))
	for i, c := range res.Claims {
		value, err := json.Marshal(c.Value)
		if err != nil {
			continue
		}
		row := &store.Claim{
			RunID:             runID,
			DocumentID:        chunk.DocumentID,
			ChunkID:           chunk.ID,
			ChunkExtractionID: extractionID,
			Ordinal:           i,
			ClaimType:         string(c.Type),
			ValueJSON:         string(value),
			EpistemicTag:      claims.EpistemicExplicit,
		}
		for _, ev := range c.Evidence {
			e := &store.Evidence{ChunkID: chunk.ID, SnippetText: ev.Snippet}
			snippet := store.NormalizeNewlines(ev.Snippet)
			if idx := strings.Index(text, snippet); idx >= 0 {
				start := utf8.RuneCountInString(text[:idx])
				end := start + utf8.RuneCountInString(snippet)
				e.CharStart, e.CharEnd = &start, &end
			}
			row.Evidence = append(row.Evidence, e)
		}
		rows = append(rows, row)
	}
	return rows
}

func splitModelID(id string) (provider, model string) {
	if p, m, ok := strings.Cut(id, "/"); ok {
		return p, m
	}
	return "", id
}

func summarize(failures []string, total int) string {
	const maxListed = 5
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d chunks failed", len(failures), total)
	for i, f := range failures {
		if i == maxListed {
			fmt.Fprintf(&b, "; and %d more", len(failures)-maxListed)
			break
		}
		b.WriteString("; ")
		b.WriteString(f)
	}
	return b.String()
}
