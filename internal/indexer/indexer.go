// Package indexer embeds claim cards and upserts them into the vector index.
//
// Before embedding, repeated ACTOR and OBJECT mentions with the same dedupe
// key are collapsed to their first occurrence ("Option B"); collapsed claims
// keep their card text but stay PENDING. ACTION, STATE and DENY claims are
// always indexed individually.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/embed"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/metrics"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/vectorindex"
)

// DefaultBatchSize is the number of texts per embedding call.
const DefaultBatchSize = 32

// CollapseScope decides where repeated ACTOR/OBJECT mentions collapse.
type CollapseScope string

const (
	// CollapseChunk keeps the first claim per (chunk, dedupe key).
	CollapseChunk CollapseScope = "chunk"
	// CollapseDocument keeps the first claim per dedupe key in the document.
	CollapseDocument CollapseScope = "document"
)

// ParseCollapseScope accepts "chunk" or "document"; empty means chunk.
func ParseCollapseScope(s string) (CollapseScope, error) {
	switch CollapseScope(strings.ToLower(strings.TrimSpace(s))) {
	case "", CollapseChunk:
		return CollapseChunk, nil
	case CollapseDocument:
		return CollapseDocument, nil
	}
	return "", fmt.Errorf("unknown collapse scope %q (chunk or document)", s)
}

// Config controls an indexing pass.
type Config struct {
	Collection string
	BatchSize  int
	Collapse   CollapseScope
	Logger     *slog.Logger
}

// Stats reports one indexing pass.
type Stats struct {
	ClaimsTotal     int    `json:"claims_total"`
	ClaimsIndexed   int    `json:"claims_indexed"`
	ClaimsFailed    int    `json:"claims_failed"`
	ClaimsCollapsed int    `json:"claims_collapsed"`
	ErrorSummary    string `json:"error_summary,omitempty"`
}

// Indexer turns pending claims into vector points.
type Indexer struct {
	store    store.Store
	embedder embed.Embedder
	index    vectorindex.Index
	cfg      Config
	log      *slog.Logger
}

// New creates an Indexer.
func New(st store.Store, embedder embed.Embedder, index vectorindex.Index, cfg Config) *Indexer {
	if cfg.Collection == "" {
		cfg.Collection = vectorindex.DefaultCollection
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Collapse == "" {
		cfg.Collapse = CollapseChunk
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{store: st, embedder: embedder, index: index, cfg: cfg, log: log.With("component", "indexer")}
}

// Collection returns the vector collection the indexer writes to.
func (ix *Indexer) Collection() string { return ix.cfg.Collection }

// card is one claim prepared for embedding.
type card struct {
	claim     *store.Claim
	text      string
	embedText string
	dedupeKey string
	payload   vectorindex.Payload
}

// IndexRun indexes every claim of a Stage 1 run whose embedding status is
// not EMBEDDED. A collection schema mismatch aborts the pass; embedding or
// upsert failures only fail their batch.
func (ix *Indexer) IndexRun(ctx context.Context, runID int64) (*Stats, error) {
	run, err := ix.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Kind != store.RunKindStage1 {
		return nil, fmt.Errorf("run %d is %s, not a Stage 1 run", runID, run.Kind)
	}
	all, err := ix.store.ListClaimsByRun(ctx, runID, store.ClaimFilter{})
	if err != nil {
		return nil, err
	}
	log := ix.log.With("run_id", runID, "document_id", run.DocumentID)

	stats := &Stats{}
	seen := make(map[string]bool)
	var pending []card
	var collapsed []store.CardUpdate
	for _, c := range all {
		cd, err := ix.buildCard(run, c)
		if err != nil {
			// A stored value that no longer decodes cannot be indexed.
			if c.EmbeddingStatus != store.EmbeddingEmbedded {
				stats.ClaimsTotal++
				stats.ClaimsFailed++
				if merr := ix.store.MarkEmbeddingFailed(ctx, []int64{c.ID}, err.Error()); merr != nil {
					return stats, merr
				}
			}
			continue
		}

		dup := false
		if key, ok := ix.collapseKey(c, cd.dedupeKey); ok {
			dup = seen[key]
			seen[key] = true
		}
		if c.EmbeddingStatus == store.EmbeddingEmbedded {
			continue
		}
		stats.ClaimsTotal++
		if dup {
			stats.ClaimsCollapsed++
			collapsed = append(collapsed, store.CardUpdate{ClaimID: c.ID, CardText: cd.text, DedupeKey: cd.dedupeKey})
			continue
		}
		pending = append(pending, cd)
	}

	if err := ix.store.SetCardInfo(ctx, collapsed); err != nil {
		return stats, err
	}
	metrics.ClaimsIndexed.WithLabelValues("collapsed").Add(float64(len(collapsed)))
	if len(pending) == 0 {
		log.Info("nothing to index", "total", stats.ClaimsTotal, "collapsed", stats.ClaimsCollapsed)
		return stats, nil
	}

	ensured := false
	var failures []string
	for start := 0; start < len(pending); start += ix.cfg.BatchSize {
		batch := pending[start:min(start+ix.cfg.BatchSize, len(pending))]
		indexed, failed, err := ix.indexBatch(ctx, batch, &ensured)
		if errors.Is(err, vectorindex.ErrSchemaMismatch) {
			stats.ErrorSummary = err.Error()
			log.Error("vector collection schema mismatch", "error", err)
			return stats, err
		}
		if err != nil {
			return stats, err
		}
		stats.ClaimsIndexed += indexed
		stats.ClaimsFailed += len(failed)
		failures = append(failures, failed...)
	}

	if len(failures) > 0 {
		stats.ErrorSummary = summarize(failures)
	}
	log.Info("claims indexed",
		"collection", ix.cfg.Collection,
		"total", stats.ClaimsTotal,
		"indexed", stats.ClaimsIndexed,
		"failed", stats.ClaimsFailed,
		"collapsed", stats.ClaimsCollapsed)
	return stats, nil
}

// collapseKey returns the Option B key of an ACTOR/OBJECT claim.
func (ix *Indexer) collapseKey(c *store.Claim, dedupeKey string) (string, bool) {
	if c.ClaimType != string(claims.TypeActor) && c.ClaimType != string(claims.TypeObject) {
		return "", false
	}
	if ix.cfg.Collapse == CollapseDocument {
		return dedupeKey, true
	}
	return strconv.FormatInt(c.ChunkID, 10) + "\x00" + dedupeKey, true
}

// indexBatch embeds and upserts one batch. It returns the number indexed and
// one message per failed claim. Only ledger and schema errors are returned.
func (ix *Indexer) indexBatch(ctx context.Context, batch []card, ensured *bool) (int, []string, error) {
	texts := make([]string, len(batch))
	for i, cd := range batch {
		texts[i] = cd.embedText
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) != len(batch) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}
	if err != nil {
		return ix.failBatch(ctx, batch, err)
	}

	dims := ix.embedder.Dimensions()
	if dims == 0 {
		for _, v := range vectors {
			if len(v) > 0 {
				dims = len(v)
				break
			}
		}
	}
	if dims == 0 {
		return ix.failBatch(ctx, batch, errors.New("embedder returned no vectors"))
	}
	if !*ensured {
		if err := ix.index.EnsureCollection(ctx, ix.cfg.Collection, dims); err != nil {
			return 0, nil, err
		}
		*ensured = true
	}

	var points []vectorindex.Point
	var ok []card
	var failed []string
	for i, cd := range batch {
		if len(vectors[i]) != dims {
			msg := fmt.Sprintf("vector dimension %d != expected %d", len(vectors[i]), dims)
			if err := ix.store.MarkEmbeddingFailed(ctx, []int64{cd.claim.ID}, msg); err != nil {
				return 0, nil, err
			}
			failed = append(failed, fmt.Sprintf("claim %d: %s", cd.claim.ID, msg))
			continue
		}
		cd.payload.EmbeddingModelID = ix.embedder.ModelID()
		points = append(points, vectorindex.Point{ID: cd.claim.ID, Vector: vectors[i], Payload: cd.payload})
		ok = append(ok, cd)
	}
	if len(points) == 0 {
		metrics.ClaimsIndexed.WithLabelValues("failed").Add(float64(len(failed)))
		return 0, failed, nil
	}

	if err := ix.index.Upsert(ctx, ix.cfg.Collection, points); err != nil {
		if errors.Is(err, vectorindex.ErrSchemaMismatch) {
			return 0, nil, err
		}
		_, upsertFailed, ferr := ix.failBatch(ctx, ok, err)
		return 0, append(failed, upsertFailed...), ferr
	}

	now := time.Now().UTC()
	updates := make([]store.EmbeddingUpdate, len(ok))
	for i, cd := range ok {
		updates[i] = store.EmbeddingUpdate{
			ClaimID:    cd.claim.ID,
			ModelID:    ix.embedder.ModelID(),
			Collection: ix.cfg.Collection,
			PointID:    strconv.FormatInt(cd.claim.ID, 10),
			CardText:   cd.text,
			DedupeKey:  cd.dedupeKey,
			EmbeddedAt: now,
		}
	}
	if err := ix.store.MarkEmbedded(ctx, updates); err != nil {
		return 0, nil, err
	}
	metrics.ClaimsIndexed.WithLabelValues("indexed").Add(float64(len(ok)))
	metrics.ClaimsIndexed.WithLabelValues("failed").Add(float64(len(failed)))
	return len(ok), failed, nil
}

// failBatch marks every claim of batch FAILED with cause, in the shape
// indexBatch returns.
func (ix *Indexer) failBatch(ctx context.Context, batch []card, cause error) (int, []string, error) {
	ids := make([]int64, len(batch))
	failed := make([]string, len(batch))
	for i, cd := range batch {
		ids[i] = cd.claim.ID
		failed[i] = fmt.Sprintf("claim %d: %v", cd.claim.ID, cause)
	}
	ix.log.Warn("embedding batch failed", "claims", len(ids), "error", cause)
	metrics.ClaimsIndexed.WithLabelValues("failed").Add(float64(len(ids)))
	if err := ix.store.MarkEmbeddingFailed(ctx, ids, cause.Error()); err != nil {
		return 0, nil, err
	}
	return 0, failed, nil
}

// buildCard decodes a claim value and renders its card, embedding text and
// payload.
func (ix *Indexer) buildCard(run *store.Run, c *store.Claim) (card, error) {
	t, ok := claims.ParseType(c.ClaimType)
	if !ok {
		return card{}, fmt.Errorf("unknown claim type %q", c.ClaimType)
	}
	v, err := claims.DecodeValue(t, json.RawMessage(c.ValueJSON))
	if err != nil {
		return card{}, fmt.Errorf("decoding claim %d value: %w", c.ID, err)
	}
	var snippet string
	if len(c.Evidence) > 0 {
		snippet = c.Evidence[0].SnippetText
	}
	cd := card{
		claim:     c,
		text:      claims.CardText(v),
		embedText: claims.EmbeddingText(v, snippet),
		dedupeKey: claims.DedupeKey(v),
	}
	cd.payload = Payload(run, c, v, cd.text, cd.dedupeKey, snippet)
	return cd, nil
}

// Payload builds the vector payload of a claim.
func Payload(run *store.Run, c *store.Claim, v claims.Value, cardText, dedupeKey, snippet string) vectorindex.Payload {
	p := vectorindex.Payload{
		ClaimID:          c.ID,
		DocID:            c.DocumentID,
		ChunkID:          c.ChunkID,
		RunID:            c.RunID,
		ClaimType:        c.ClaimType,
		DedupeKey:        dedupeKey,
		CardText:         cardText,
		EvidenceSnippet:  claims.PayloadSnippet(snippet),
		PromptVersion:    run.PromptVersion,
		ExtractorVersion: run.ExtractorVersion,
		ModelID:          run.ModelID,
		EpistemicTag:     c.EpistemicTag,
	}
	if p.DocID == "" {
		p.DocID = run.DocumentID
	}
	switch v := v.(type) {
	case *claims.ActorValue:
		p.Name = strings.TrimSpace(v.Name)
	case *claims.ObjectValue:
		p.Name = strings.TrimSpace(v.Name)
	case *claims.ActionValue:
		p.Actor = strings.TrimSpace(v.Actor)
		p.Verb = strings.TrimSpace(v.Verb)
		p.Object = strings.TrimSpace(v.Object)
	}
	return p
}

func summarize(failures []string) string {
	const maxListed = 5
	if len(failures) <= maxListed {
		return strings.Join(failures, "; ")
	}
	return strings.Join(failures[:maxListed], "; ") + fmt.Sprintf("; and %d more", len(failures)-maxListed)
}
