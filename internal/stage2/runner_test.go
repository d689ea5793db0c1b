package stage2

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/indexer"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/vectorindex"
)

// hashEmbedder maps each text to a deterministic positive vector.
type hashEmbedder struct{}

func (hashEmbedder) vector(text string) []float32 {
	f := fnv.New32a()
	f.Write([]byte(text))
	x := f.Sum32()
	v := make([]float32, 4)
	for i := range v {
		v[i] = float32((x>>(8*uint(i)))&0xff) + 1
	}
	return v
}

func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.vector(text), nil
}

func (h hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (hashEmbedder) Dimensions() int  { return 4 }
func (hashEmbedder) ModelID() string { return "test/hash" }

// scriptedLLM answers each decision request with respond.
type scriptedLLM struct {
	mu       sync.Mutex
	respond  func(req llm.Request) (string, error)
	requests []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	text, err := s.respond(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}, nil
}

func (s *scriptedLLM) Name() string { return "scripted" }

var (
	passRe      = regexp.MustCompile(`Current pass: (\w+)`)
	canonicalRe = regexp.MustCompile(`canonical_claim_id: (\d+)`)
)

func passOf(req llm.Request) string {
	if m := passRe.FindStringSubmatch(req.Messages[0].Content); m != nil {
		return m[1]
	}
	return ""
}

func decision(pass string, kind Kind, canonical int64) string {
	d := map[string]any{
		"pass_kind": pass,
		"decision": map[string]any{
			"kind":       string(kind),
			"confidence": 0.8,
			"rationale":  "test",
		},
	}
	if canonical != 0 {
		d["decision"].(map[string]any)["canonical_claim_id"] = strconv.FormatInt(canonical, 10)
	}
	b, _ := json.Marshal(d)
	return string(b)
}

type fixture struct {
	store *store.SQLiteStore
	index *vectorindex.HNSW
	run   *store.Run
}

// newFixture stores a Stage 1 run with claims given per chunk as
// (type, value_json, snippet) triples and indexes it.
func newFixture(t *testing.T, texts []string, perChunk map[int][][3]string, collapse indexer.CollapseScope) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	chunks := make([]*store.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &store.Chunk{Index: i, Text: text}
	}
	require.NoError(t, s.UpsertChunks(ctx, "doc", chunks))

	run := &store.Run{DocumentID: "doc", Kind: store.RunKindStage1, PromptVersion: "v4", ExtractorVersion: "3.0.0", ModelID: "fake/model"}
	_, err = s.CreateRun(ctx, run)
	require.NoError(t, err)

	for i, c := range chunks {
		ext, err := s.InsertExtraction(ctx, &store.ChunkExtraction{
			RunID: run.ID, ChunkID: c.ID, PromptName: "chunk_claims_extract",
			SignatureHash: fmt.Sprintf("sig-%d", i), ContentHash: c.ContentHash,
			Status: store.ExtractionSuccess,
		})
		require.NoError(t, err)
		var rows []*store.Claim
		for j, row := range perChunk[i] {
			rows = append(rows, &store.Claim{
				RunID: run.ID, DocumentID: "doc", ChunkID: c.ID, ChunkExtractionID: ext.ID, Ordinal: j,
				ClaimType: row[0], ValueJSON: row[1], EpistemicTag: claims.EpistemicExplicit,
				Evidence: []*store.Evidence{{ChunkID: c.ID, SnippetText: row[2]}},
			})
		}
		require.NoError(t, s.PersistClaims(ctx, rows))
	}

	idx, err := vectorindex.NewHNSW(t.TempDir())
	require.NoError(t, err)
	_, err = indexer.New(s, hashEmbedder{}, idx, indexer.Config{Collapse: collapse}).IndexRun(ctx, run.ID)
	require.NoError(t, err)
	return &fixture{store: s, index: idx, run: run}
}

// addClaim stores one claim of another document and returns it.
func (f *fixture) addClaim(t *testing.T, documentID, text, claimType, valueJSON, snippet string) *store.Claim {
	t.Helper()
	ctx := context.Background()
	chunk := &store.Chunk{Index: 0, Text: text}
	require.NoError(t, f.store.UpsertChunks(ctx, documentID, []*store.Chunk{chunk}))
	run := &store.Run{DocumentID: documentID, Kind: store.RunKindStage1, PromptVersion: "v4", ExtractorVersion: "3.0.0", ModelID: "fake/model"}
	_, err := f.store.CreateRun(ctx, run)
	require.NoError(t, err)
	ext, err := f.store.InsertExtraction(ctx, &store.ChunkExtraction{
		RunID: run.ID, ChunkID: chunk.ID, PromptName: "chunk_claims_extract",
		SignatureHash: "sig-" + documentID, ContentHash: chunk.ContentHash,
		Status: store.ExtractionSuccess,
	})
	require.NoError(t, err)
	c := &store.Claim{
		RunID: run.ID, DocumentID: documentID, ChunkID: chunk.ID, ChunkExtractionID: ext.ID,
		ClaimType: claimType, ValueJSON: valueJSON, EpistemicTag: claims.EpistemicExplicit,
		Evidence: []*store.Evidence{{ChunkID: chunk.ID, SnippetText: snippet}},
	}
	require.NoError(t, f.store.PersistClaims(ctx, []*store.Claim{c}))
	return f.claim(t, c.ID)
}

func (f *fixture) runner(t *testing.T, provider llm.Provider, mutate ...func(*Config)) *Runner {
	t.Helper()
	cfg := DefaultConfig("fake/decider")
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewRunner(f.store, provider, f.index, hashEmbedder{}, cfg)
	require.NoError(t, err)
	return r
}

func (f *fixture) claim(t *testing.T, id int64) *store.Claim {
	t.Helper()
	c, err := f.store.GetClaim(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) claimsOf(t *testing.T, claimType claims.ClaimType) []*store.Claim {
	t.Helper()
	out, err := f.store.ListClaimsByRun(context.Background(), f.run.ID, store.ClaimFilter{ClaimType: string(claimType)})
	require.NoError(t, err)
	return out
}

var twoSystemActors = map[int][][3]string{
	0: {{"ACTOR", `{"name":"Система"}`, "Система"}},
	1: {{"ACTOR", `{"name":"система"}`, "система"}},
}

func TestEmptyDecisionLeavesSeedUnreviewed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Система хранит данные."}, map[int][][3]string{
		0: {{"ACTOR", `{"name":"Система"}`, "Система"}},
	}, indexer.CollapseChunk)
	fake := &scriptedLLM{respond: func(llm.Request) (string, error) { return "{}", nil }}

	res, err := f.runner(t, fake).Run(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPartial, res.Status)
	assert.Equal(t, 1, res.Stats.TotalFailed)
	assert.Equal(t, 0, res.Stats.TotalProcessed)

	seed := f.claimsOf(t, claims.TypeActor)[0]
	assert.Equal(t, store.ReviewUnreviewed, seed.ReviewStatus)
	assert.Empty(t, seed.Stage2JSON)

	calls, err := f.store.ListLLMCalls(ctx, res.Stage2RunID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, CallKindDecide, calls[0].Kind)
	assert.Equal(t, store.CallParseFailed, calls[0].Status)
	assert.Equal(t, "{}", calls[0].ResponseText)
	require.NotNil(t, calls[0].SeedClaimID)
	assert.Equal(t, seed.ID, *calls[0].SeedClaimID)

	run, err := f.store.GetRun(ctx, res.Stage2RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunKindStage2, run.Kind)
	assert.Equal(t, store.RunPartial, run.Status)
	assert.Contains(t, run.ConfigJSON, fmt.Sprintf(`"stage1_run_id":%d`, f.run.ID))
}

func TestMergeIntoClosestCanonical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Система хранит данные.", "система отправляет отчёт."}, twoSystemActors, indexer.CollapseChunk)
	fake := &scriptedLLM{respond: func(req llm.Request) (string, error) {
		if m := canonicalRe.FindStringSubmatch(req.Messages[1].Content); m != nil {
			return `{"pass_kind":"ACTOR","decision":{"kind":"MERGE_INTO","canonical_claim_id":` + m[1] +
				`,"confidence":0.95,"evidence_refs":[{"snippet":"система"}]},` +
				`"normalization":{"canonical_label":"Система","aliases":["система"]}}`, nil
		}
		return decision("ACTOR", KindAccept, 0), nil
	}}

	res, err := f.runner(t, fake).Run(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.PerPass[0].Processed)
	assert.Equal(t, store.RunCompleted, res.Status, "no seed failed")

	actors := f.claimsOf(t, claims.TypeActor)
	first, second := actors[0], actors[1]
	assert.Equal(t, store.ReviewAccepted, first.ReviewStatus)
	assert.Equal(t, store.ReviewSuperseded, second.ReviewStatus)
	require.NotNil(t, second.SupersededByID)
	assert.Equal(t, first.ID, *second.SupersededByID)

	canonical, err := f.store.ResolveCanonicalID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, canonical)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(first.Stage2JSON), &meta))
	assert.Equal(t, "Система", meta["canonical_label"], "normalization lands on the canonical")

	calls, err := f.store.ListLLMCalls(ctx, res.Stage2RunID)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].RequestJSON, "canonical_claim_id: ", "no canonical exists for the first seed")
	assert.Contains(t, calls[1].ResponseJSON, fmt.Sprintf(`"claim_id":%d`, second.ID), "cited snippet resolved to the seed")
}

func TestPassesRunInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Оператор отправляет отчёт. Отчёт утверждён."}, map[int][][3]string{
		0: {
			{"ACTION", `{"actor":"Оператор","verb":"отправляет","object":"отчёт"}`, "Оператор отправляет отчёт"},
			{"STATE", `{"object_name":"Отчёт","state":"утверждён"}`, "Отчёт утверждён"},
			{"OBJECT", `{"name":"отчёт"}`, "отчёт"},
			{"ACTOR", `{"name":"Оператор"}`, "Оператор"},
			{"DENY", `{"actor":"Оператор","verb":"удаляет","object":"отчёт"}`, "Оператор"},
		},
	}, indexer.CollapseChunk)

	var passes []string
	fake := &scriptedLLM{respond: func(req llm.Request) (string, error) {
		p := passOf(req)
		passes = append(passes, p)
		return decision(p, KindDefer, 0), nil
	}}

	res, err := f.runner(t, fake).Run(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ACTOR", "OBJECT", "STATE", "ACTION"}, passes)

	require.Len(t, res.Stats.PerPass, 4)
	for i, pass := range PassOrder {
		assert.Equal(t, pass, res.Stats.PerPass[i].Pass)
		assert.Equal(t, 1, res.Stats.PerPass[i].Seeds)
		assert.Equal(t, 1, res.Stats.PerPass[i].Processed)
	}
	for _, c := range f.claimsOf(t, "") {
		assert.Equal(t, store.ReviewUnreviewed, c.ReviewStatus, "DEFER changes nothing")
	}
}

func TestPackReferencesOnlyPassSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Оператор отправляет отчёт."}, map[int][][3]string{
		0: {
			{"ACTOR", `{"name":"Оператор"}`, "Оператор"},
			{"OBJECT", `{"name":"отчёт"}`, "отчёт"},
			{"ACTION", `{"actor":"Оператор","verb":"отправляет","object":"отчёт"}`, "Оператор отправляет отчёт"},
		},
	}, indexer.CollapseChunk)
	actor := f.claimsOf(t, claims.TypeActor)[0]
	object := f.claimsOf(t, claims.TypeObject)[0]

	b := NewBuilder(f.store, f.index, hashEmbedder{}, "")
	action := f.claimsOf(t, claims.TypeAction)[0]

	full, err := b.Build(ctx, Scope{Stage1RunID: f.run.ID}, action.ID, claims.TypeAction)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{action.ID, actor.ID, object.ID}, full.ClaimIDs())

	limited, err := b.Build(ctx, Scope{Stage1RunID: f.run.ID, Visible: map[int64]bool{action.ID: true, actor.ID: true}}, action.ID, claims.TypeAction)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{action.ID, actor.ID}, limited.ClaimIDs())

	_, err = b.Build(ctx, Scope{Stage1RunID: f.run.ID}, actor.ID, claims.TypeAction)
	assert.ErrorIs(t, err, ErrSeedNotEligible)
}

func TestContextPackShape(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Система хранит данные.", "система отправляет отчёт."}, twoSystemActors, indexer.CollapseChunk)
	actors := f.claimsOf(t, claims.TypeActor)

	require.NoError(t, f.store.ApplyReview(ctx, []store.ReviewChange{{ClaimID: actors[0].ID, Status: store.ReviewAccepted}}, nil))

	pack, err := NewBuilder(f.store, f.index, nil, "").Build(ctx, Scope{Stage1RunID: f.run.ID}, actors[1].ID, claims.TypeActor)
	require.NoError(t, err)
	require.NotNil(t, pack.ClosestCanonical)
	assert.Equal(t, actors[0].ID, pack.ClosestCanonical.ClaimID)
	require.Len(t, pack.SameType, 1)
	assert.Equal(t, "Система хранит данные.", pack.ClosestCanonical.Excerpt)

	text := RenderPack(pack)
	assert.Equal(t, 1, strings.Count(text, "canonical_claim_id: "), "only the canonical block exposes an id")
	assert.NotContains(t, text, "claim_id: "+strconv.FormatInt(actors[1].ID, 10))
	assert.Contains(t, text, "--- Seed ---\ntype: ACTOR\nname: система\nevidence: система\n")

	require.Len(t, pack.Resolution, 3)
	assert.Equal(t, actors[1].ID, pack.Resolution[0].ClaimID)
	assert.Equal(t, "система", pack.Resolution[0].SnippetText)
}

func TestCollapsedSeedIsEmbeddedOnTheFly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Система хранит данные.", "система отправляет отчёт."}, twoSystemActors, indexer.CollapseDocument)
	second := f.claimsOf(t, claims.TypeActor)[1]
	_, err := f.index.Vector(ctx, vectorindex.DefaultCollection, second.ID)
	require.ErrorIs(t, err, vectorindex.ErrNotFound)

	fake := &scriptedLLM{respond: func(llm.Request) (string, error) { return decision("ACTOR", KindDefer, 0), nil }}
	res, err := f.runner(t, fake).Run(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.PerPass[0].Processed)
	assert.Len(t, fake.requests, 2)
}

func TestUnsafeMergeIsAuditedNotApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Система хранит данные.", "Отчёт готов."}, map[int][][3]string{
		0: {{"ACTOR", `{"name":"Система"}`, "Система"}},
		1: {{"OBJECT", `{"name":"Отчёт"}`, "Отчёт"}},
	}, indexer.CollapseChunk)
	actor := f.claimsOf(t, claims.TypeActor)[0]
	object := f.claimsOf(t, claims.TypeObject)[0]
	foreign := f.addClaim(t, "other", "Система другого документа.", "ACTOR", `{"name":"Система"}`, "Система")

	targets := map[string]int64{"self": actor.ID, "missing": 99999, "other type": object.ID, "other document": foreign.ID}
	for name, target := range targets {
		t.Run(name, func(t *testing.T) {
			fake := &scriptedLLM{respond: func(req llm.Request) (string, error) {
				if passOf(req) == "ACTOR" {
					return decision("ACTOR", KindMerge, target), nil
				}
				return decision(passOf(req), KindDefer, 0), nil
			}}
			res, err := f.runner(t, fake).Run(ctx, f.run.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Stats.PerPass[0].Failed)

			assert.Equal(t, store.ReviewUnreviewed, f.claim(t, actor.ID).ReviewStatus)
			assert.Nil(t, f.claim(t, actor.ID).SupersededByID)

			calls, err := f.store.ListLLMCalls(ctx, res.Stage2RunID)
			require.NoError(t, err)
			require.NotEmpty(t, calls)
			assert.Equal(t, "UNSAFE_MERGE", calls[0].ErrorCode)
			assert.NotEmpty(t, calls[0].ResponseJSON, "the parsed decision is kept for audit")

			other := f.claim(t, foreign.ID)
			assert.Equal(t, store.ReviewUnreviewed, other.ReviewStatus, "claims of other documents are never touched")
			assert.Empty(t, other.Stage2JSON)
		})
	}
}

func TestPassSnapshotSkipsResolvedClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Система хранит данные.", "Сервер отправляет отчёт."}, map[int][][3]string{
		0: {{"ACTOR", `{"name":"Система"}`, "Система"}},
		1: {{"ACTOR", `{"name":"Сервер"}`, "Сервер"}},
	}, indexer.CollapseChunk)
	actors := f.claimsOf(t, claims.TypeActor)
	require.NoError(t, f.store.ApplyReview(ctx, []store.ReviewChange{{ClaimID: actors[0].ID, Status: store.ReviewRejected}}, nil))

	fake := &scriptedLLM{respond: func(req llm.Request) (string, error) { return decision(passOf(req), KindDefer, 0), nil }}
	res, err := f.runner(t, fake).Run(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.PerPass[0].Seeds)

	require.Len(t, fake.requests, 1)
	assert.Contains(t, fake.requests[0].Messages[1].Content, "Сервер")
	assert.NotContains(t, fake.requests[0].Messages[1].Content, "Система", "rejected claims stay out of the pack")
}

func TestSupersedeChainsStayAcyclic(t *testing.T) {
	ctx := context.Background()
	const n = 12
	texts := make([]string, n)
	perChunk := map[int][][3]string{}
	for i := range texts {
		name := fmt.Sprintf("Узел %d", i)
		texts[i] = name + " работает."
		perChunk[i] = [][3]string{{"ACTOR", fmt.Sprintf(`{"name":%q}`, name), name}}
	}
	f := newFixture(t, texts, perChunk, indexer.CollapseChunk)
	actors := f.claimsOf(t, claims.TypeActor)
	ids := make([]int64, len(actors))
	for i, c := range actors {
		ids[i] = c.ID
	}

	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		var mu sync.Mutex
		fake := &scriptedLLM{respond: func(req llm.Request) (string, error) {
			mu.Lock()
			target := ids[rng.Intn(len(ids))]
			accept := rng.Intn(4) == 0
			mu.Unlock()
			if accept {
				return decision("ACTOR", KindAccept, 0), nil
			}
			return decision("ACTOR", KindMerge, target), nil
		}}
		_, err := f.runner(t, fake, func(c *Config) { c.Concurrency = 4 }).Run(ctx, f.run.ID)
		require.NoError(t, err)
	}

	for _, id := range ids {
		c := f.claim(t, id)
		if c.SupersededByID == nil {
			continue
		}
		assert.Equal(t, store.ReviewSuperseded, c.ReviewStatus)
		root, err := f.store.ResolveCanonicalID(ctx, id)
		require.NoError(t, err, "claim %d", id)
		assert.NotEqual(t, id, root)
		assert.Equal(t, store.ReviewAccepted, f.claim(t, root).ReviewStatus, "claim %d resolves to %d", id, root)
	}
}

func TestSplitConflictRecordsConflictOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Отчёт утверждён. Отчёт отклонён."}, map[int][][3]string{
		0: {{"STATE", `{"object_name":"Отчёт","state":"утверждён"}`, "Отчёт утверждён"}},
	}, indexer.CollapseChunk)
	fake := &scriptedLLM{respond: func(req llm.Request) (string, error) {
		if passOf(req) != "STATE" {
			return decision(passOf(req), KindDefer, 0), nil
		}
		return `{"pass_kind":"STATE","decision":{"kind":"SPLIT_CONFLICT","confidence":0.7,"rationale":"both"},
			"conflict":{"group_label":"report status","members":[{"claim_id":"seed","role":"seed","reason":"approved"}]}}`, nil
	}}

	_, err := f.runner(t, fake).Run(ctx, f.run.ID)
	require.NoError(t, err)

	state := f.claimsOf(t, claims.TypeState)[0]
	assert.Equal(t, store.ReviewUnreviewed, state.ReviewStatus)
	var meta struct {
		Conflicts []map[string]any `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal([]byte(state.Stage2JSON), &meta))
	require.Len(t, meta.Conflicts, 1)
	assert.Equal(t, "report status", meta.Conflicts[0]["group_label"])
}

func TestActionEndpointsResolveToCanonical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Оператор отправляет отчёт.", "оператор проверяет."}, map[int][][3]string{
		0: {
			{"ACTOR", `{"name":"Оператор"}`, "Оператор"},
			{"OBJECT", `{"name":"отчёт"}`, "отчёт"},
			{"ACTION", `{"actor":"Оператор","verb":"отправляет","object":"отчёт"}`, "Оператор отправляет отчёт"},
		},
	}, indexer.CollapseChunk)
	actor := f.claimsOf(t, claims.TypeActor)[0]
	object := f.claimsOf(t, claims.TypeObject)[0]
	action := f.claimsOf(t, claims.TypeAction)[0]

	fake := &scriptedLLM{respond: func(req llm.Request) (string, error) {
		return decision(passOf(req), KindAccept, 0), nil
	}}
	_, err := f.runner(t, fake).Run(ctx, f.run.ID)
	require.NoError(t, err)

	got := f.claim(t, action.ID)
	assert.Equal(t, store.ReviewAccepted, got.ReviewStatus)
	var meta struct {
		Endpoints struct {
			Actor  *int64 `json:"actor_claim_id"`
			Object *int64 `json:"object_claim_id"`
		} `json:"action_endpoints"`
	}
	require.NoError(t, json.Unmarshal([]byte(got.Stage2JSON), &meta))
	require.NotNil(t, meta.Endpoints.Actor)
	require.NotNil(t, meta.Endpoints.Object)
	assert.Equal(t, actor.ID, *meta.Endpoints.Actor)
	assert.Equal(t, object.ID, *meta.Endpoints.Object)
}

func TestActionEndpointsIgnoreIdsOutsideThePack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Оператор отправляет отчёт."}, map[int][][3]string{
		0: {
			{"ACTOR", `{"name":"Оператор"}`, "Оператор"},
			{"OBJECT", `{"name":"отчёт"}`, "отчёт"},
			{"ACTION", `{"actor":"Оператор","verb":"отправляет","object":"отчёт"}`, "Оператор отправляет отчёт"},
		},
	}, indexer.CollapseChunk)
	actor := f.claimsOf(t, claims.TypeActor)[0]
	object := f.claimsOf(t, claims.TypeObject)[0]
	action := f.claimsOf(t, claims.TypeAction)[0]
	foreign := f.addClaim(t, "other", "Оператор другого документа.", "ACTOR", `{"name":"Оператор"}`, "Оператор")

	fake := &scriptedLLM{respond: func(req llm.Request) (string, error) {
		if passOf(req) != "ACTION" {
			return decision(passOf(req), KindDefer, 0), nil
		}
		return fmt.Sprintf(`{"pass_kind":"ACTION","decision":{"kind":"ACCEPT_AS_CANONICAL","confidence":0.9,"rationale":"ok"},`+
			`"attachments":{"action_endpoints":{"actor_claim_id":%d,"object_claim_id":%d}}}`, foreign.ID, actor.ID), nil
	}}
	_, err := f.runner(t, fake).Run(ctx, f.run.ID)
	require.NoError(t, err)

	var meta struct {
		Endpoints struct {
			Actor  *int64 `json:"actor_claim_id"`
			Object *int64 `json:"object_claim_id"`
		} `json:"action_endpoints"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.claim(t, action.ID).Stage2JSON), &meta))
	require.NotNil(t, meta.Endpoints.Actor)
	require.NotNil(t, meta.Endpoints.Object)
	assert.Equal(t, actor.ID, *meta.Endpoints.Actor, "foreign actor id replaced by the matching pack block")
	assert.Equal(t, object.ID, *meta.Endpoints.Object, "an actor id is not an object endpoint")
}

func TestModelErrorIsAuditedAndRunIsPartial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"Система хранит данные."}, map[int][][3]string{
		0: {{"ACTOR", `{"name":"Система"}`, "Система"}},
	}, indexer.CollapseChunk)
	fake := &scriptedLLM{respond: func(llm.Request) (string, error) {
		return "", llm.HTTPError(400, "bad request", "")
	}}

	res, err := f.runner(t, fake).Run(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPartial, res.Status)
	assert.Equal(t, 1, res.Stats.TotalFailed)

	calls, err := f.store.ListLLMCalls(ctx, res.Stage2RunID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, store.CallFailed, calls[0].Status)
	assert.Equal(t, string(llm.CodeBadRequest), calls[0].ErrorCode)
}

func TestRunRejectsStage2Run(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"x"}, nil, indexer.CollapseChunk)
	run := &store.Run{DocumentID: "doc", Kind: store.RunKindStage2}
	_, err := f.store.CreateRun(ctx, run)
	require.NoError(t, err)

	fake := &scriptedLLM{respond: func(llm.Request) (string, error) { return "{}", nil }}
	_, err = f.runner(t, fake).Run(ctx, run.ID)
	assert.Error(t, err)

	_, err = NewRunner(f.store, fake, f.index, nil, Config{})
	assert.Error(t, err, "model id is required")
}
