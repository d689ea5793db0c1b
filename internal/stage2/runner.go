// Package stage2 normalizes the claims of a Stage 1 run.
//
// Four passes run in order ACTOR, OBJECT, STATE, ACTION. For every claim of
// the pass type that is still UNREVIEWED at pass start, a context pack of
// similar claims is built, the model decides how the seed relates to them,
// and the decision is applied to the ledger in one transaction with its
// audit row.
package stage2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/embed"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/logging"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/metrics"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/vectorindex"
)

// CallKindDecide is the audit kind of decision calls.
const CallKindDecide = "DECIDE"

// ExtractorVersion is recorded on Stage 2 run rows.
const ExtractorVersion = "stage2"

// PassOrder is the fixed pass sequence. Actions reference actors and
// objects, so those are resolved first.
var PassOrder = []claims.ClaimType{claims.TypeActor, claims.TypeObject, claims.TypeState, claims.TypeAction}

const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 2048
	DefaultTimeout     = 120 * time.Second
	DefaultConcurrency = 1
)

// Config controls a Stage 2 run.
type Config struct {
	ModelID     string
	Collection  string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// Concurrency bounds the seeds decided at once within a pass.
	Concurrency int
	Logger      *slog.Logger
}

// DefaultConfig returns the production defaults for modelID.
func DefaultConfig(modelID string) Config {
	return Config{
		ModelID:     modelID,
		Collection:  vectorindex.DefaultCollection,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
		Concurrency: DefaultConcurrency,
	}
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = vectorindex.DefaultCollection
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// PassStats reports one pass. Skipped seeds were resolved by an earlier
// decision of the same pass.
type PassStats struct {
	Pass      claims.ClaimType `json:"pass"`
	Seeds     int              `json:"seeds"`
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
}

// Stats is stored as the Stage 2 run's stats_json.
type Stats struct {
	PerPass        []PassStats `json:"per_pass"`
	TotalProcessed int         `json:"total_processed"`
	TotalFailed    int         `json:"total_failed"`
}

// Result is what run_stage2 reports.
type Result struct {
	Stage2RunID int64           `json:"stage2_run_id"`
	Status      store.RunStatus `json:"status"`
	Stats       *Stats          `json:"stats"`
	Error       string          `json:"error,omitempty"`
}

// Runner executes Stage 2 runs.
type Runner struct {
	store   store.Store
	llm     llm.Provider
	builder *Builder
	cfg     Config

	// applyMu serializes merge checks with their writes so concurrent seeds
	// cannot build a supersede cycle.
	applyMu sync.Mutex
}

// NewRunner creates a Runner. embedder is used only for seeds that have no
// stored vector and may be nil.
func NewRunner(st store.Store, provider llm.Provider, index vectorindex.Index, embedder embed.Embedder, cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelID == "" {
		return nil, errors.New("stage2: model id is required")
	}
	return &Runner{
		store:   st,
		llm:     provider,
		builder: NewBuilder(st, index, embedder, cfg.Collection),
		cfg:     cfg,
	}, nil
}

// runConfig is the Stage 2 run's config_json.
type runConfig struct {
	Stage1RunID   int64   `json:"stage1_run_id"`
	PromptVersion string  `json:"prompt_version"`
	ModelID       string  `json:"model_id"`
	Collection    string  `json:"collection"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	Concurrency   int     `json:"concurrency"`
}

// Run normalizes the claims of stage1RunID. The run is COMPLETED when every
// seed was decided and PARTIAL when any seed failed. The returned error is
// non-nil only when the ledger fails; the run is then FAILED.
func (r *Runner) Run(ctx context.Context, stage1RunID int64) (*Result, error) {
	s1, err := r.store.GetRun(ctx, stage1RunID)
	if err != nil {
		return nil, err
	}
	if s1.Kind != store.RunKindStage1 {
		return nil, fmt.Errorf("run %d is %s, not a Stage 1 run", stage1RunID, s1.Kind)
	}

	cfgJSON, _ := json.Marshal(runConfig{
		Stage1RunID:   stage1RunID,
		PromptVersion: PromptVersion,
		ModelID:       r.cfg.ModelID,
		Collection:    r.cfg.Collection,
		Temperature:   r.cfg.Temperature,
		MaxTokens:     r.cfg.MaxTokens,
		Concurrency:   r.cfg.Concurrency,
	})
	run := &store.Run{
		DocumentID:       s1.DocumentID,
		Kind:             store.RunKindStage2,
		PromptVersion:    PromptVersion,
		ExtractorVersion: ExtractorVersion,
		ModelID:          r.cfg.ModelID,
		ConfigJSON:       string(cfgJSON),
	}
	if _, err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ctx = logging.WithRun(logging.WithLogger(ctx, r.cfg.Logger), run.ID)
	log := logging.FromContext(ctx).With("component", "stage2", "stage1_run_id", stage1RunID)
	log.Info("stage 2 run started", "document_id", s1.DocumentID)

	result := &Result{Stage2RunID: run.ID, Stats: &Stats{}}
	for _, pass := range PassOrder {
		ps, err := r.runPass(ctx, run.ID, s1, pass)
		if err != nil {
			return r.fail(ctx, result, err)
		}
		result.Stats.PerPass = append(result.Stats.PerPass, ps)
		result.Stats.TotalProcessed += ps.Processed
		result.Stats.TotalFailed += ps.Failed
		log.Info("pass finished", "pass", pass, "seeds", ps.Seeds, "processed", ps.Processed, "failed", ps.Failed, "skipped", ps.Skipped)
	}

	result.Status = store.RunCompleted
	if result.Stats.TotalFailed > 0 {
		result.Status = store.RunPartial
	}
	if err := r.finalize(ctx, result); err != nil {
		return r.fail(ctx, result, err)
	}
	log.Info("stage 2 run finished", "status", result.Status, "processed", result.Stats.TotalProcessed, "failed", result.Stats.TotalFailed)
	return result, nil
}

// runPass decides every seed of one pass. The seed list and the set of
// claims packs may reference are both taken at pass start.
func (r *Runner) runPass(ctx context.Context, runID int64, s1 *store.Run, pass claims.ClaimType) (PassStats, error) {
	ps := PassStats{Pass: pass}
	seeds, err := r.store.ListClaimsByRun(ctx, s1.ID, store.ClaimFilter{ClaimType: string(pass), ReviewStatus: store.ReviewUnreviewed})
	if err != nil {
		return ps, err
	}
	all, err := r.store.ListClaimsByRun(ctx, s1.ID, store.ClaimFilter{})
	if err != nil {
		return ps, err
	}
	visible := make(map[int64]bool, len(all))
	for _, c := range all {
		if c.ReviewStatus == store.ReviewUnreviewed || c.ReviewStatus == store.ReviewAccepted {
			visible[c.ID] = true
		}
	}
	scope := Scope{Stage1RunID: s1.ID, DocumentID: s1.DocumentID, Visible: visible}
	ps.Seeds = len(seeds)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, seed := range seeds {
		g.Go(func() error {
			outcome, err := r.processSeed(gctx, runID, scope, seed.ID, pass)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case seedProcessed:
				ps.Processed++
			case seedSkipped:
				ps.Skipped++
			default:
				ps.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ps, err
	}
	return ps, nil
}

type seedOutcome int

const (
	seedFailed seedOutcome = iota
	seedProcessed
	seedSkipped
)

type decideAudit struct {
	PassKind      claims.ClaimType `json:"pass_kind"`
	SeedClaimID   int64            `json:"seed_claim_id"`
	PromptVersion string           `json:"prompt_version"`
	Model         string           `json:"model"`
	Temperature   float64          `json:"temperature"`
	MaxTokens     int              `json:"max_tokens"`
	PackClaimIDs  []int64          `json:"pack_claim_ids"`
	Messages      []llm.Message    `json:"messages"`
}

// processSeed decides one seed. Model and parse failures are audited and
// reported as seedFailed; only ledger errors are returned.
func (r *Runner) processSeed(ctx context.Context, runID int64, scope Scope, seedID int64, pass claims.ClaimType) (seedOutcome, error) {
	log := logging.FromContext(ctx).With("component", "stage2", "pass", pass, "seed_claim_id", seedID)

	pack, err := r.builder.Build(ctx, scope, seedID, pass)
	if errors.Is(err, ErrSeedNotEligible) {
		return seedSkipped, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return seedFailed, ctx.Err()
		}
		log.Warn("building context pack failed", "error", err)
		metrics.Stage2Failures.WithLabelValues(string(pass), "pack").Inc()
		return seedFailed, nil
	}

	messages := Messages(pass, pack)
	reqJSON, _ := json.Marshal(decideAudit{
		PassKind:      pass,
		SeedClaimID:   seedID,
		PromptVersion: PromptVersion,
		Model:         r.cfg.ModelID,
		Temperature:   r.cfg.Temperature,
		MaxTokens:     r.cfg.MaxTokens,
		PackClaimIDs:  pack.ClaimIDs(),
		Messages:      messages,
	})
	provider, model := splitModelID(r.cfg.ModelID)
	call := &store.LLMCall{
		RunID:       runID,
		SeedClaimID: &seedID,
		Kind:        CallKindDecide,
		Provider:    provider,
		Model:       model,
		RequestJSON: string(reqJSON),
	}

	started := time.Now()
	resp, err := r.llm.Complete(ctx, llm.Request{
		Messages:    messages,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
		Format:      llm.FormatJSON,
		Timeout:     r.cfg.Timeout,
	})
	call.LatencyMS = time.Since(started).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return seedFailed, ctx.Err()
		}
		call.Status = store.CallFailed
		call.ErrorCode = string(llm.Classify(err).Code)
		call.ErrorMessage = err.Error()
		log.Warn("decision call failed", "error", err)
		return r.failSeed(ctx, call, pass, "llm")
	}
	call.ResponseText = resp.Text
	call.PromptTokens = resp.Usage.InputTokens
	call.CompletionTokens = resp.Usage.OutputTokens
	call.TotalTokens = resp.Usage.TotalTokens
	if resp.LatencyMS > 0 {
		call.LatencyMS = resp.LatencyMS
	}

	d, err := ParseDecision(resp.Text, pass)
	if err != nil {
		call.Status = store.CallParseFailed
		call.ErrorMessage = err.Error()
		reason := "parse"
		if errors.Is(err, ErrEmptyDecision) {
			reason = "empty"
		}
		log.Warn("decision not usable", "error", err)
		return r.failSeed(ctx, call, pass, reason)
	}
	d.SeedClaimID = ClaimRef(seedID)
	d.Decision.EvidenceRefs = ResolveEvidence(d.Decision.EvidenceRefs, pack.Resolution)
	call.Status = store.CallSuccess
	if b, err := json.Marshal(d); err == nil {
		call.ResponseJSON = string(b)
	}

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	// An earlier decision of this pass may have resolved the seed meanwhile.
	current, err := r.store.GetClaim(ctx, seedID)
	if err != nil {
		return seedFailed, err
	}
	if current.ReviewStatus != store.ReviewUnreviewed {
		call.ErrorMessage = "seed resolved by another decision before apply"
		if err := r.audit(ctx, call); err != nil {
			return seedFailed, err
		}
		return seedSkipped, nil
	}

	changes, err := Plan(ctx, r.store, d, pack)
	if errors.Is(err, ErrUnsafeMerge) {
		call.ErrorCode = "UNSAFE_MERGE"
		call.ErrorMessage = err.Error()
		log.Warn("merge not applied", "error", err)
		return r.failSeed(ctx, call, pass, "unsafe_merge")
	}
	if err != nil {
		return seedFailed, err
	}
	if err := r.store.ApplyReview(ctx, changes, call); err != nil {
		return seedFailed, err
	}
	metrics.ObserveLLMCall(call.Kind, string(call.Status), call.LatencyMS)
	metrics.Stage2Decisions.WithLabelValues(string(pass), string(d.Decision.Kind)).Inc()
	log.Debug("decision applied", "kind", d.Decision.Kind, "changes", len(changes))
	return seedProcessed, nil
}

// failSeed audits a call that produced no applied decision.
func (r *Runner) failSeed(ctx context.Context, call *store.LLMCall, pass claims.ClaimType, reason string) (seedOutcome, error) {
	metrics.Stage2Failures.WithLabelValues(string(pass), reason).Inc()
	if err := r.audit(ctx, call); err != nil {
		return seedFailed, err
	}
	return seedFailed, nil
}

func (r *Runner) audit(ctx context.Context, call *store.LLMCall) error {
	if _, err := r.store.InsertLLMCall(ctx, call); err != nil {
		return err
	}
	metrics.ObserveLLMCall(call.Kind, string(call.Status), call.LatencyMS)
	return nil
}

func (r *Runner) finalize(ctx context.Context, result *Result) error {
	stats, err := json.Marshal(result.Stats)
	if err != nil {
		return fmt.Errorf("encoding run stats: %w", err)
	}
	return r.store.FinalizeRun(ctx, result.Stage2RunID, result.Status, string(stats), result.Error)
}

// fail finalizes the run as FAILED after a ledger error.
func (r *Runner) fail(ctx context.Context, result *Result, cause error) (*Result, error) {
	result.Status = store.RunFailed
	result.Error = cause.Error()
	if err := r.finalize(context.WithoutCancel(ctx), result); err != nil {
		logging.FromContext(ctx).Error("finalizing failed run", "component", "stage2", "error", err)
	}
	return result, cause
}

func splitModelID(id string) (provider, model string) {
	if p, m, ok := strings.Cut(id, "/"); ok {
		return p, m
	}
	return "", id
}
