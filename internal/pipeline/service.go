// Package pipeline wires the ledger, model providers, embedder and vector
// index into the operations exposed by the CLI and the MCP server.
//
// All operations run one at a time: SQLite allows a single writer, and a
// Stage 2 run must see the index that a preceding index_claims produced.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/embed"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/indexer"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/ingest"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/stage1"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/stage2"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/vectorindex"
)

// Deps are the components of a Service. Provider, Embedder and Index may be
// nil when the matching factory is set; they are then built on first use.
type Deps struct {
	Store    store.Store
	Provider llm.Provider
	Embedder embed.Embedder
	Index    vectorindex.Index

	// NewProvider builds a provider for a "provider/model" id. It serves
	// both the default model and per-call model overrides.
	NewProvider func(modelID string) (llm.Provider, error)
	NewEmbedder func() (embed.Embedder, error)
	NewIndex    func() (vectorindex.Index, error)

	Stage1  stage1.Config
	Stage2  stage2.Config
	Indexer indexer.Config
	Logger  *slog.Logger
}

// Service runs pipeline operations against one ledger.
type Service struct {
	mu   sync.Mutex
	deps Deps
	log  *slog.Logger
}

// New creates a Service. Only Store is required up front.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	deps.Stage1.Logger = log
	deps.Stage2.Logger = log
	deps.Indexer.Logger = log
	return &Service{deps: deps, log: log.With("component", "pipeline")}, nil
}

// Store returns the ledger.
func (s *Service) Store() store.Store { return s.deps.Store }

// Close releases the ledger, index and embedder.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.deps.Index != nil {
		errs = append(errs, s.deps.Index.Close())
	}
	if c, ok := s.deps.Embedder.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.deps.Store.Close())
	return errors.Join(errs...)
}

func (s *Service) provider(modelID string) (llm.Provider, error) {
	if modelID == "" || modelID == s.deps.Stage1.ModelID {
		if s.deps.Provider != nil {
			return s.deps.Provider, nil
		}
		if modelID == "" {
			modelID = s.deps.Stage1.ModelID
		}
	}
	if s.deps.NewProvider == nil {
		return nil, fmt.Errorf("no LLM provider configured for %q", modelID)
	}
	p, err := s.deps.NewProvider(modelID)
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}
	if modelID == s.deps.Stage1.ModelID {
		s.deps.Provider = p
	}
	return p, nil
}

func (s *Service) embedder() (embed.Embedder, error) {
	if s.deps.Embedder != nil {
		return s.deps.Embedder, nil
	}
	if s.deps.NewEmbedder == nil {
		return nil, errors.New("no embedder configured")
	}
	e, err := s.deps.NewEmbedder()
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	s.deps.Embedder = e
	return e, nil
}

func (s *Service) index() (vectorindex.Index, error) {
	if s.deps.Index != nil {
		return s.deps.Index, nil
	}
	if s.deps.NewIndex == nil {
		return nil, errors.New("no vector index configured")
	}
	ix, err := s.deps.NewIndex()
	if err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	s.deps.Index = ix
	return ix, nil
}

// Ingest chunks a file into the ledger as documentID.
func (s *Service) Ingest(ctx context.Context, documentID, path string, opts ingest.Options) (*ingest.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	return ingest.File(ctx, s.deps.Store, documentID, path, opts)
}

// IngestText chunks text into the ledger as documentID.
func (s *Service) IngestText(ctx context.Context, documentID, text string, opts ingest.Options) (*ingest.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	return ingest.Text(ctx, s.deps.Store, documentID, text, opts)
}

// ExtractRequest selects the chunks of a Stage 1 run.
type ExtractRequest struct {
	DocumentID  string
	ChunkIDs    []int64
	PendingOnly bool
	// ForceNonce bypasses the extraction cache for this run.
	ForceNonce string
}

// Extract runs Stage 1 over a document.
func (s *Service) Extract(ctx context.Context, req ExtractRequest) (*stage1.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(req.DocumentID) == "" {
		return nil, errors.New("document_id is required")
	}
	p, err := s.provider("")
	if err != nil {
		return nil, err
	}
	cfg := s.deps.Stage1
	cfg.ForceNonce = req.ForceNonce
	engine, err := stage1.NewEngine(s.deps.Store, p, cfg)
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx, req.DocumentID, stage1.Options{ChunkIDs: req.ChunkIDs, PendingOnly: req.PendingOnly})
}

// IndexClaims embeds and indexes the pending claims of a Stage 1 run.
func (s *Service) IndexClaims(ctx context.Context, runID int64) (*indexer.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.embedder()
	if err != nil {
		return nil, err
	}
	ix, err := s.index()
	if err != nil {
		return nil, err
	}
	return indexer.New(s.deps.Store, e, ix, s.deps.Indexer).IndexRun(ctx, runID)
}

// Normalize runs Stage 2 over the claims of a Stage 1 run. modelID overrides
// the configured model when non-empty.
func (s *Service) Normalize(ctx context.Context, stage1RunID int64, modelID string) (*stage2.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.deps.Stage2
	if modelID != "" {
		parsed, err := llm.ParseLLMFlag(modelID)
		if err != nil {
			return nil, err
		}
		cfg.ModelID = parsed.ModelID()
	}
	p, err := s.provider(cfg.ModelID)
	if err != nil {
		return nil, err
	}
	ix, err := s.index()
	if err != nil {
		return nil, err
	}
	e, err := s.embedder()
	if err != nil {
		s.log.Warn("no embedder; seeds without a stored vector will fail", "error", err)
		e = nil
	}
	runner, err := stage2.NewRunner(s.deps.Store, p, ix, e, cfg)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, stage1RunID)
}

// ClaimQuery filters Claims.
type ClaimQuery struct {
	ClaimType    string
	ReviewStatus string
}

// Claims returns the claims of a run with their evidence, ordered by chunk
// index then id.
func (s *Service) Claims(ctx context.Context, runID int64, q ClaimQuery) ([]ClaimView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter, err := q.filter()
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	list, err := s.deps.Store.ListClaimsByRun(ctx, runID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]ClaimView, 0, len(list))
	for _, c := range list {
		out = append(out, newClaimView(c))
	}
	return out, nil
}

// Run returns one run with its chunk and audit summary.
func (s *Service) Run(ctx context.Context, runID int64) (*RunView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	view := newRunView(r)
	chunkRuns, err := s.deps.Store.ListChunkRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(chunkRuns) > 0 {
		view.ChunkStatus = map[string]int{}
		for _, cr := range chunkRuns {
			view.ChunkStatus[string(cr.Status)]++
		}
	}
	calls, err := s.deps.Store.ListLLMCalls(ctx, runID)
	if err != nil {
		return nil, err
	}
	view.LLMCalls = len(calls)
	return &view, nil
}

// Runs lists the runs of a document.
func (s *Service) Runs(ctx context.Context, documentID string) ([]RunView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.deps.Store.ListRuns(ctx, documentID)
	if err != nil {
		return nil, err
	}
	out := make([]RunView, 0, len(runs))
	for _, r := range runs {
		out = append(out, newRunView(r))
	}
	return out, nil
}
