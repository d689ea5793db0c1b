package stage2

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/embed"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/vectorindex"
)

// Pack sizes.
const (
	SameTypeLimit       = 10
	CrossTypeSearchPool = 25
	maxSearchFetch      = 100
)

// crossTypeCaps bounds the cross-type neighbors of each pass by claim type.
var crossTypeCaps = map[claims.ClaimType]map[claims.ClaimType]int{
	claims.TypeActor:  {claims.TypeAction: 4, claims.TypeObject: 3, claims.TypeState: 2},
	claims.TypeObject: {claims.TypeAction: 4, claims.TypeActor: 3, claims.TypeState: 2},
	claims.TypeState:  {claims.TypeObject: 3, claims.TypeAction: 3, claims.TypeActor: 2},
	claims.TypeAction: {claims.TypeActor: 4, claims.TypeObject: 4, claims.TypeState: 2},
}

// ErrSeedNotEligible means the seed is of another type or already reviewed.
var ErrSeedNotEligible = errors.New("seed claim is not an unreviewed claim of the pass type")

// EvidenceItem is one evidence snippet shown in a block.
type EvidenceItem struct {
	EvidenceID int64  `json:"evidence_id"`
	ChunkID    int64  `json:"chunk_id"`
	Snippet    string `json:"snippet"`
}

// Block is one claim rendered into a pack.
type Block struct {
	ClaimID   int64          `json:"claim_id"`
	ClaimType string         `json:"claim_type"`
	Fields    []claims.Field `json:"fields"`
	Evidence  []EvidenceItem `json:"evidence"`
	Excerpt   string         `json:"chunk_excerpt"`
}

// ResolutionEntry maps a snippet shown to the model back to its identity.
type ResolutionEntry struct {
	ClaimID     int64  `json:"claim_id"`
	EvidenceID  int64  `json:"evidence_id"`
	ChunkID     int64  `json:"chunk_id"`
	SnippetText string `json:"snippet_text"`
}

// Pack is the context shown to the model for one seed claim.
type Pack struct {
	PassKind         claims.ClaimType             `json:"pass_kind"`
	Seed             Block                        `json:"seed"`
	ClosestCanonical *Block                       `json:"closest_canonical,omitempty"`
	SameType         []Block                      `json:"same_type_neighbors"`
	CrossType        map[claims.ClaimType][]Block `json:"cross_type"`
	// Resolution is never rendered into a prompt.
	Resolution []ResolutionEntry `json:"-"`
}

// ClaimIDs returns every claim referenced by the pack, seed first.
func (p *Pack) ClaimIDs() []int64 {
	ids := []int64{p.Seed.ClaimID}
	if p.ClosestCanonical != nil {
		ids = append(ids, p.ClosestCanonical.ClaimID)
	}
	for _, b := range p.SameType {
		ids = append(ids, b.ClaimID)
	}
	for _, t := range claims.AllTypes {
		for _, b := range p.CrossType[t] {
			ids = append(ids, b.ClaimID)
		}
	}
	return ids
}

// offersCanonical reports whether id is a same-type claim shown in the pack
// other than the seed. A nil pack offers nothing.
func (p *Pack) offersCanonical(id int64) bool {
	if p == nil || id == 0 || id == p.Seed.ClaimID {
		return false
	}
	if p.ClosestCanonical != nil && p.ClosestCanonical.ClaimID == id {
		return true
	}
	for _, b := range p.SameType {
		if b.ClaimID == id {
			return true
		}
	}
	return false
}

func (p *Pack) hasCrossType(t claims.ClaimType, id int64) bool {
	if id == 0 {
		return false
	}
	for _, b := range p.CrossType[t] {
		if b.ClaimID == id {
			return true
		}
	}
	return false
}

// Scope limits which claims may appear in a pack.
type Scope struct {
	Stage1RunID int64
	DocumentID  string
	// Visible holds the claim ids of the pass snapshot. Hits outside it are
	// skipped. A nil map admits every hit.
	Visible map[int64]bool
}

func (s Scope) admits(id int64) bool {
	return s.Visible == nil || s.Visible[id]
}

// Builder assembles context packs from the ledger and the vector index.
type Builder struct {
	store      store.Store
	index      vectorindex.Index
	embedder   embed.Embedder
	collection string
	chunks     *gocache.Cache
}

// NewBuilder creates a Builder. embedder may be nil; seeds without a stored
// vector then cannot be searched.
func NewBuilder(st store.Store, index vectorindex.Index, embedder embed.Embedder, collection string) *Builder {
	if collection == "" {
		collection = vectorindex.DefaultCollection
	}
	return &Builder{
		store:      st,
		index:      index,
		embedder:   embedder,
		collection: collection,
		chunks:     gocache.New(30*time.Minute, time.Hour),
	}
}

// Build assembles the pack for seedID in a pass of kind pass.
func (b *Builder) Build(ctx context.Context, scope Scope, seedID int64, pass claims.ClaimType) (*Pack, error) {
	seed, err := b.store.GetClaim(ctx, seedID)
	if err != nil {
		return nil, err
	}
	if seed.ClaimType != string(pass) || seed.ReviewStatus != store.ReviewUnreviewed {
		return nil, fmt.Errorf("claim %d (%s, %s): %w", seedID, seed.ClaimType, seed.ReviewStatus, ErrSeedNotEligible)
	}
	if scope.DocumentID == "" {
		scope.DocumentID = seed.DocumentID
	}

	vec, err := b.queryVector(ctx, seed)
	if err != nil {
		return nil, err
	}

	pack := &Pack{
		PassKind:  pass,
		Seed:      b.block(ctx, seed, excerptWindow),
		CrossType: map[claims.ClaimType][]Block{},
	}

	ranked, err := b.index.Search(ctx, b.collection, vec, vectorindex.Filter{
		DocID: scope.DocumentID, ClaimType: string(pass), ExcludeIDs: []int64{seedID},
	}, min(maxSearchFetch, 3*SameTypeLimit))
	if err != nil {
		return nil, fmt.Errorf("same-type search: %w", err)
	}
	ranked = admitted(ranked, scope)
	sameIDs := hitIDs(collapseHits(ranked, SameTypeLimit))

	accepted, err := b.store.AcceptedClaimIDs(ctx, scope.Stage1RunID, string(pass))
	if err != nil {
		return nil, err
	}
	var canonicalID int64
	for _, h := range ranked {
		if accepted[h.ID] {
			canonicalID = h.ID
			break
		}
	}

	var crossIDs []int64
	crossBy := map[int64]claims.ClaimType{}
	if caps := crossTypeCaps[pass]; caps != nil {
		mixed, err := b.index.Search(ctx, b.collection, vec, vectorindex.Filter{
			DocID: scope.DocumentID, ExcludeIDs: []int64{seedID},
		}, min(maxSearchFetch, 3*CrossTypeSearchPool))
		if err != nil {
			return nil, fmt.Errorf("cross-type search: %w", err)
		}
		taken := map[claims.ClaimType]int{}
		for _, h := range collapseHits(admitted(mixed, scope), CrossTypeSearchPool) {
			t := claims.ClaimType(h.Payload.ClaimType)
			if t == pass || taken[t] >= caps[t] {
				continue
			}
			taken[t]++
			crossIDs = append(crossIDs, h.ID)
			crossBy[h.ID] = t
		}
	}

	load := append(append([]int64{}, sameIDs...), crossIDs...)
	if canonicalID != 0 {
		load = append(load, canonicalID)
	}
	loaded, err := b.store.GetClaims(ctx, load)
	if err != nil {
		return nil, err
	}

	for _, id := range sameIDs {
		if c, ok := loaded[id]; ok {
			pack.SameType = append(pack.SameType, b.block(ctx, c, sameTypeExcerptWindow))
		}
	}
	if c, ok := loaded[canonicalID]; ok {
		blk := b.block(ctx, c, excerptWindow)
		pack.ClosestCanonical = &blk
	}
	for _, id := range crossIDs {
		if c, ok := loaded[id]; ok {
			t := crossBy[id]
			pack.CrossType[t] = append(pack.CrossType[t], b.block(ctx, c, excerptWindow))
		}
	}

	pack.Resolution = resolutionMap(pack)
	return pack, nil
}

// queryVector returns the seed's stored vector, or embeds its card when the
// seed was never indexed on its own.
func (b *Builder) queryVector(ctx context.Context, seed *store.Claim) ([]float32, error) {
	vec, err := b.index.Vector(ctx, b.collection, seed.ID)
	if err == nil && len(vec) > 0 {
		return vec, nil
	}
	if err != nil && !errors.Is(err, vectorindex.ErrNotFound) {
		return nil, fmt.Errorf("loading vector of claim %d: %w", seed.ID, err)
	}
	if b.embedder == nil {
		return nil, fmt.Errorf("claim %d has no vector and no embedder is configured", seed.ID)
	}
	value, err := claims.DecodeValue(claims.ClaimType(seed.ClaimType), []byte(seed.ValueJSON))
	if err != nil {
		return nil, fmt.Errorf("claim %d: %w", seed.ID, err)
	}
	first := ""
	if len(seed.Evidence) > 0 {
		first = seed.Evidence[0].SnippetText
	}
	vec, err = b.embedder.Embed(ctx, claims.EmbeddingText(value, first))
	if err != nil {
		return nil, fmt.Errorf("embedding seed %d: %w", seed.ID, err)
	}
	return vec, nil
}

// block renders a claim with up to three evidence snippets and a chunk
// excerpt centered on the first one. All text is sanitized.
func (b *Builder) block(ctx context.Context, c *store.Claim, window int) Block {
	blk := Block{ClaimID: c.ID, ClaimType: c.ClaimType}
	if v, err := claims.DecodeValue(claims.ClaimType(c.ClaimType), []byte(c.ValueJSON)); err == nil {
		for _, f := range v.Fields() {
			blk.Fields = append(blk.Fields, claims.Field{Key: f.Key, Value: Sanitize(f.Value)})
		}
	}
	for i, ev := range c.Evidence {
		if i == maxEvidencePerBlock {
			break
		}
		blk.Evidence = append(blk.Evidence, EvidenceItem{
			EvidenceID: ev.ID,
			ChunkID:    ev.ChunkID,
			Snippet:    Sanitize(strings.TrimSpace(ev.SnippetText)),
		})
	}

	blk.Excerpt = noEvidence
	if len(c.Evidence) > 0 {
		ev := c.Evidence[0]
		if text, ok := b.chunkText(ctx, ev.ChunkID); ok {
			blk.Excerpt = Sanitize(Excerpt(text, ev.SnippetText, window))
		}
	} else if text, ok := b.chunkText(ctx, c.ChunkID); ok {
		blk.Excerpt = Sanitize(Excerpt(text, "", window))
	}
	if blk.Excerpt == "" {
		blk.Excerpt = noEvidence
	}
	return blk
}

func (b *Builder) chunkText(ctx context.Context, chunkID int64) (string, bool) {
	key := strconv.FormatInt(chunkID, 10)
	if v, ok := b.chunks.Get(key); ok {
		return v.(string), true
	}
	ch, err := b.store.GetChunk(ctx, chunkID)
	if err != nil {
		return "", false
	}
	b.chunks.SetDefault(key, ch.Text)
	return ch.Text, true
}

func admitted(hits []vectorindex.Hit, scope Scope) []vectorindex.Hit {
	if scope.Visible == nil {
		return hits
	}
	out := hits[:0:0]
	for _, h := range hits {
		if scope.admits(h.ID) {
			out = append(out, h)
		}
	}
	return out
}

// collapseHits keeps the best-scoring hit per dedupe key (the claim id when
// the key is empty) and returns at most limit hits by descending score.
// hits must already be ordered by descending score.
func collapseHits(hits []vectorindex.Hit, limit int) []vectorindex.Hit {
	seen := map[string]bool{}
	var out []vectorindex.Hit
	for _, h := range hits {
		key := h.Payload.DedupeKey
		if key == "" {
			key = "#" + strconv.FormatInt(h.ID, 10)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
		if len(out) == limit {
			break
		}
	}
	return out
}

func hitIDs(hits []vectorindex.Hit) []int64 {
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func resolutionMap(p *Pack) []ResolutionEntry {
	blocks := []Block{p.Seed}
	blocks = append(blocks, p.SameType...)
	for _, t := range claims.AllTypes {
		blocks = append(blocks, p.CrossType[t]...)
	}
	if p.ClosestCanonical != nil {
		blocks = append(blocks, *p.ClosestCanonical)
	}
	var out []ResolutionEntry
	for _, blk := range blocks {
		for _, ev := range blk.Evidence {
			out = append(out, ResolutionEntry{
				ClaimID:     blk.ClaimID,
				EvidenceID:  ev.EvidenceID,
				ChunkID:     ev.ChunkID,
				SnippetText: ev.Snippet,
			})
		}
	}
	return out
}
