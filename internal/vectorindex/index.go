// Package vectorindex stores claim-card vectors and answers filtered
// similarity queries. Two backends implement Index: a local HNSW graph with
// a JSON payload sidecar, and Weaviate.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DistanceCosine is the only distance the claim collections use.
const DistanceCosine = "cosine"

// DefaultCollection names the claim-card collection.
const DefaultCollection = "claim_cards"

var (
	// ErrSchemaMismatch means an existing collection has a different vector
	// size or distance than requested. Callers must not silently reindex.
	ErrSchemaMismatch = errors.New("vector collection schema mismatch")
	// ErrNotFound means the point or collection does not exist.
	ErrNotFound = errors.New("not found")
)

// Payload is the metadata stored with each claim point.
type Payload struct {
	ClaimID          int64  `json:"claim_id"`
	DocID            string `json:"doc_id"`
	ChunkID          int64  `json:"chunk_id"`
	RunID            int64  `json:"run_id"`
	ClaimType        string `json:"claim_type"`
	DedupeKey        string `json:"dedupe_key"`
	CardText         string `json:"card_text"`
	EvidenceSnippet  string `json:"evidence_snippet"`
	PromptVersion    string `json:"prompt_version,omitempty"`
	ExtractorVersion string `json:"extractor_version,omitempty"`
	ModelID          string `json:"model_id,omitempty"`
	EmbeddingModelID string `json:"embedding_model_id,omitempty"`
	EpistemicTag     string `json:"epistemic_tag,omitempty"`
	Name             string `json:"name,omitempty"`
	Actor            string `json:"actor,omitempty"`
	Verb             string `json:"verb,omitempty"`
	Object           string `json:"object,omitempty"`
}

// Point is one vector with its payload. ID is the claim id.
type Point struct {
	ID      int64
	Vector  []float32
	Payload Payload
}

// Filter narrows a search. Empty fields match everything.
type Filter struct {
	DocID      string
	ClaimType  string
	ExcludeIDs []int64
}

// Match reports whether p passes the filter.
func (f Filter) Match(id int64, p Payload) bool {
	if f.DocID != "" && p.DocID != f.DocID {
		return false
	}
	if f.ClaimType != "" && p.ClaimType != f.ClaimType {
		return false
	}
	for _, ex := range f.ExcludeIDs {
		if ex == id {
			return false
		}
	}
	return true
}

// Hit is one search result. Score is cosine similarity, higher is closer.
type Hit struct {
	ID      int64
	Score   float32
	Payload Payload
}

// Index is a vector store of claim points.
type Index interface {
	// EnsureCollection creates the collection or validates an existing one
	// against dims and cosine distance, returning ErrSchemaMismatch on conflict.
	EnsureCollection(ctx context.Context, collection string, dims int) error
	// Upsert writes points keyed by claim id, replacing earlier vectors.
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search returns up to limit hits ordered by descending score.
	Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int) ([]Hit, error)
	// Vector returns the stored vector for a claim, or ErrNotFound.
	Vector(ctx context.Context, collection string, id int64) ([]float32, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend     string // "hnsw" (default) or "weaviate"
	Dir         string // hnsw: directory for graph and payload files
	WeaviateURL string // weaviate: e.g. http://localhost:8080
}

// Open builds the configured backend.
func Open(cfg Config) (Index, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "hnsw":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("hnsw vector index requires a directory")
		}
		return NewHNSW(cfg.Dir)
	case "weaviate":
		return NewWeaviate(cfg.WeaviateURL)
	default:
		return nil, fmt.Errorf("unknown vector backend %q (supported: hnsw, weaviate)", cfg.Backend)
	}
}

func mismatch(collection string, format string, args ...any) error {
	return fmt.Errorf("%w: collection %q: %s", ErrSchemaMismatch, collection, fmt.Sprintf(format, args...))
}
