// Package ann is an in-memory HNSW (Hierarchical Navigable Small World)
// graph for approximate nearest neighbor search over claim-card vectors,
// after Malkov & Yashunin, https://arxiv.org/abs/1603.09320.
//
// Re-embedding a claim tombstones its old node and inserts a fresh one.
// Tombstoned nodes keep routing the graph but never appear in results.
package ann

import (
	"container/heap"
	"math"
	"math/rand"
	"slices"
	"sync"
)

const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 50
)

// Index is an HNSW graph keyed by claim ID. It is safe for concurrent use.
type Index struct {
	mu         sync.RWMutex
	nodes      []node
	idToIdx    map[int64]int // claim ID → live node index
	entryPoint int           // -1 when empty
	deleted    int           // tombstone count
	maxLevel   int
	dims       int

	M              int // links per node above layer 0
	Mmax0          int // links per node on layer 0
	EfConstruction int
	EfSearch       int
	LevelMult      float64 // 1/ln(M)

	rng *rand.Rand
}

type node struct {
	id      int64
	vector  []float32
	friends [][]int // friends[layer]
	level   int
	deleted bool
}

// Result is one neighbor. Distance is 1 - cosine similarity.
type Result struct {
	ID       int64
	Distance float32
}

type candidate struct {
	idx  int
	dist float32
}

// New creates an index with default parameters.
func New(dims int) *Index {
	return NewWithParams(dims, DefaultM, DefaultEfConstruction, DefaultEfSearch)
}

// NewWithParams creates an index with explicit link and beam sizes.
func NewWithParams(dims, m, efConstruction, efSearch int) *Index {
	m = max(m, 2)
	return &Index{
		dims:           dims,
		M:              m,
		Mmax0:          2 * m,
		EfConstruction: efConstruction,
		EfSearch:       efSearch,
		LevelMult:      1 / math.Log(float64(m)),
		entryPoint:     -1,
		maxLevel:       -1,
		idToIdx:        make(map[int64]int),
		rng:            rand.New(rand.NewSource(42)),
	}
}

// Len returns the number of live vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes) - idx.deleted
}

// Dims returns the vector dimensionality.
func (idx *Index) Dims() int { return idx.dims }

// Has reports whether id has a live vector.
func (idx *Index) Has(id int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.idToIdx[id]
	return ok
}

// Vector returns a copy of the live vector stored for id.
func (idx *Index) Vector(id int64) ([]float32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i, ok := idx.idToIdx[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(idx.nodes[i].vector), true
}

// Insert adds vector under id. An id that is already present is left alone.
func (idx *Index) Insert(id int64, vector []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.idToIdx[id]; !ok {
		idx.add(id, vector)
	}
}

// Upsert stores vector under id, tombstoning a different previous vector.
func (idx *Index) Upsert(id int64, vector []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if old, ok := idx.idToIdx[id]; ok {
		if slices.Equal(idx.nodes[old].vector, vector) {
			return
		}
		idx.nodes[old].deleted = true
		idx.deleted++
		delete(idx.idToIdx, id)
	}
	idx.add(id, vector)
}

func (idx *Index) add(id int64, vector []float32) {
	level := idx.randomLevel()
	self := len(idx.nodes)
	idx.nodes = append(idx.nodes, node{id: id, vector: vector, friends: make([][]int, level+1), level: level})
	idx.idToIdx[id] = self

	if idx.entryPoint < 0 {
		idx.entryPoint, idx.maxLevel = self, level
		return
	}

	ep := idx.descend(vector, idx.entryPoint, idx.maxLevel, level)
	for l := min(level, idx.maxLevel); l >= 0; l-- {
		found := idx.searchLayer(vector, ep, idx.EfConstruction, l)
		limit := idx.linkLimit(l)
		idx.nodes[self].friends[l] = nearest(found, limit)
		for _, nb := range idx.nodes[self].friends[l] {
			links := append(idx.nodes[nb].friends[l], self)
			if len(links) > limit {
				links = idx.prune(nb, links, limit)
			}
			idx.nodes[nb].friends[l] = links
		}
		ep = found[0].idx
	}

	if level > idx.maxLevel {
		idx.entryPoint, idx.maxLevel = self, level
	}
}

func (idx *Index) linkLimit(layer int) int {
	if layer == 0 {
		return idx.Mmax0
	}
	return idx.M
}

// Search returns the k nearest live vectors, closest first.
func (idx *Index) Search(query []float32, k int) []Result {
	return idx.SearchFiltered(query, k, idx.EfSearch, nil)
}

// SearchEf is Search with an explicit beam width; ef below k is raised to k.
func (idx *Index) SearchEf(query []float32, k, ef int) []Result {
	return idx.SearchFiltered(query, k, ef, nil)
}

// SearchFiltered returns the k nearest live vectors whose id passes keep
// (nil keeps all). The beam doubles while tombstones or filtered ids leave
// fewer than k results.
func (idx *Index) SearchFiltered(query []float32, k, ef int, keep func(id int64) bool) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint < 0 || k <= 0 {
		return nil
	}
	ef = max(ef, k)
	ep := idx.descend(query, idx.entryPoint, idx.maxLevel, 0)

	for {
		found := idx.searchLayer(query, ep, ef, 0)
		results := make([]Result, 0, k)
		for _, c := range found {
			n := &idx.nodes[c.idx]
			if n.deleted || (keep != nil && !keep(n.id)) {
				continue
			}
			results = append(results, Result{ID: n.id, Distance: c.dist})
			if len(results) == k {
				break
			}
		}
		if len(results) == k || len(found) < ef || ef >= len(idx.nodes) {
			return results
		}
		ef *= 2
	}
}

func (idx *Index) randomLevel() int {
	r := idx.rng.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(-math.Log(r) * idx.LevelMult)
}

// descend walks greedily from ep through layers top..stop+1 and returns the
// closest node found on layer stop+1.
func (idx *Index) descend(query []float32, ep, top, stop int) int {
	best := cosineDistance(query, idx.nodes[ep].vector)
	for l := top; l > stop; l-- {
		for moved := true; moved; {
			moved = false
			if l >= len(idx.nodes[ep].friends) {
				break
			}
			for _, f := range idx.nodes[ep].friends[l] {
				if d := cosineDistance(query, idx.nodes[f].vector); d < best {
					ep, best, moved = f, d, true
				}
			}
		}
	}
	return ep
}

// searchLayer is the ef-bounded beam search of one layer. The result is
// sorted closest first and never empty.
func (idx *Index) searchLayer(query []float32, ep, ef, layer int) []candidate {
	visited := make(map[int]struct{}, ef*2)
	visited[ep] = struct{}{}

	start := candidate{idx: ep, dist: cosineDistance(query, idx.nodes[ep].vector)}
	frontier := &minHeap{start}
	best := &maxHeap{start}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if best.Len() >= ef && c.dist > (*best)[0].dist {
			break
		}
		if layer >= len(idx.nodes[c.idx].friends) {
			continue
		}
		for _, f := range idx.nodes[c.idx].friends[layer] {
			if _, seen := visited[f]; seen {
				continue
			}
			visited[f] = struct{}{}
			d := cosineDistance(query, idx.nodes[f].vector)
			if best.Len() < ef || d < (*best)[0].dist {
				heap.Push(frontier, candidate{idx: f, dist: d})
				heap.Push(best, candidate{idx: f, dist: d})
				if best.Len() > ef {
					heap.Pop(best)
				}
			}
		}
	}

	out := []candidate(*best)
	slices.SortFunc(out, byDistance)
	return out
}

// prune keeps the limit closest links of node owner.
func (idx *Index) prune(owner int, links []int, limit int) []int {
	vec := idx.nodes[owner].vector
	scored := make([]candidate, len(links))
	for i, l := range links {
		scored[i] = candidate{idx: l, dist: cosineDistance(vec, idx.nodes[l].vector)}
	}
	slices.SortFunc(scored, byDistance)
	return nearest(scored, limit)
}

// nearest returns the indexes of the first n sorted candidates.
func nearest(sorted []candidate, n int) []int {
	n = min(n, len(sorted))
	out := make([]int, n)
	for i := range out {
		out[i] = sorted[i].idx
	}
	return out
}

func byDistance(a, b candidate) int {
	switch {
	case a.dist < b.dist:
		return -1
	case a.dist > b.dist:
		return 1
	}
	return a.idx - b.idx
}

type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// maxHeap keeps the farthest kept candidate on top.
type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// cosineDistance is 1 - cosine similarity, in [0, 2]. Mismatched or zero
// vectors are at distance 2.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}
