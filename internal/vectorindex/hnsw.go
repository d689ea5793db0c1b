package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/ann"
)

// collectionMeta is persisted as <collection>.meta.json.
type collectionMeta struct {
	Dims     int    `json:"dims"`
	Distance string `json:"distance"`
}

type hnswCollection struct {
	meta     collectionMeta
	graph    *ann.Index
	payloads map[int64]Payload
}

// HNSW is a file-backed Index built on the in-process HNSW graph. Each
// collection lives in three files under dir: the graph, a payload sidecar
// and a schema record.
type HNSW struct {
	dir string

	mu          sync.RWMutex
	collections map[string]*hnswCollection
}

// NewHNSW opens (or creates) a local index rooted at dir.
func NewHNSW(dir string) (*HNSW, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating vector dir: %w", err)
	}
	return &HNSW{dir: dir, collections: make(map[string]*hnswCollection)}, nil
}

func (h *HNSW) path(collection, ext string) string {
	return filepath.Join(h.dir, collection+ext)
}

// load returns the collection, reading it from disk on first use.
// Caller holds h.mu for writing.
func (h *HNSW) load(collection string) (*hnswCollection, error) {
	if c, ok := h.collections[collection]; ok {
		return c, nil
	}
	raw, err := os.ReadFile(h.path(collection, ".meta.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("collection %q: %w", collection, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading collection meta: %w", err)
	}
	var meta collectionMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parsing collection meta: %w", err)
	}

	c := &hnswCollection{meta: meta, payloads: make(map[int64]Payload)}
	graph, err := ann.Load(h.path(collection, ".hnsw"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.graph = ann.New(meta.Dims)
	case err != nil:
		return nil, err
	default:
		c.graph = graph
	}

	raw, err = os.ReadFile(h.path(collection, ".payload.json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading payloads: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.payloads); err != nil {
			return nil, fmt.Errorf("parsing payloads: %w", err)
		}
	}

	h.collections[collection] = c
	return c, nil
}

func (h *HNSW) EnsureCollection(ctx context.Context, collection string, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("collection %q: dims must be positive", collection)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.load(collection)
	if err == nil {
		if c.meta.Dims != dims {
			return mismatch(collection, "has %d dims, want %d", c.meta.Dims, dims)
		}
		if c.meta.Distance != DistanceCosine {
			return mismatch(collection, "has distance %q, want %q", c.meta.Distance, DistanceCosine)
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	c = &hnswCollection{
		meta:     collectionMeta{Dims: dims, Distance: DistanceCosine},
		graph:    ann.New(dims),
		payloads: make(map[int64]Payload),
	}
	raw, _ := json.Marshal(c.meta)
	if err := os.WriteFile(h.path(collection, ".meta.json"), raw, 0o644); err != nil {
		return fmt.Errorf("writing collection meta: %w", err)
	}
	h.collections[collection] = c
	return nil
}

func (h *HNSW) Upsert(ctx context.Context, collection string, points []Point) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.load(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if len(p.Vector) != c.meta.Dims {
			return fmt.Errorf("point %d has %d dims, collection %q expects %d", p.ID, len(p.Vector), collection, c.meta.Dims)
		}
	}
	for _, p := range points {
		c.graph.Upsert(p.ID, p.Vector)
		c.payloads[p.ID] = p.Payload
	}
	return h.persist(collection, c)
}

// persist writes the graph then the payload sidecar, each via rename.
func (h *HNSW) persist(collection string, c *hnswCollection) error {
	if err := c.graph.Save(h.path(collection, ".hnsw")); err != nil {
		return fmt.Errorf("saving graph: %w", err)
	}
	raw, err := json.Marshal(c.payloads)
	if err != nil {
		return err
	}
	tmp := h.path(collection, ".payload.json.tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing payloads: %w", err)
	}
	return os.Rename(tmp, h.path(collection, ".payload.json"))
}

func (h *HNSW) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int) ([]Hit, error) {
	h.mu.Lock()
	c, err := h.load(collection)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	if len(vector) != c.meta.Dims {
		return nil, fmt.Errorf("query has %d dims, collection %q expects %d", len(vector), collection, c.meta.Dims)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	keep := func(id int64) bool {
		p, ok := c.payloads[id]
		return ok && filter.Match(id, p)
	}
	results := c.graph.SearchFiltered(vector, limit, max(limit, ann.DefaultEfSearch), keep)

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Score: 1 - r.Distance, Payload: c.payloads[r.ID]})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

func (h *HNSW) Vector(ctx context.Context, collection string, id int64) ([]float32, error) {
	h.mu.Lock()
	c, err := h.load(collection)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	v, ok := c.graph.Vector(id)
	if !ok {
		return nil, fmt.Errorf("point %d: %w", id, ErrNotFound)
	}
	return v, nil
}

func (h *HNSW) Close() error { return nil }
