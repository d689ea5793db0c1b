package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/ingest"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/stage1"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/stage2"
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

// pipelineLLM extracts one ACTOR per known phrase and accepts every seed.
type pipelineLLM struct {
	mu    sync.Mutex
	calls int
}

var actors = map[string]string{
	"pump controller stores": "pump controller",
	"operator sends":         "operator",
}

func (p *pipelineLLM) Name() string { return "fake" }

func (p *pipelineLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	system, user := req.Messages[0].Content, req.Messages[len(req.Messages)-1].Content
	if strings.Contains(system, "Current pass: ") {
		pass := strings.Fields(system[strings.Index(system, "Current pass: ")+len("Current pass: "):])[0]
		pass = strings.TrimSuffix(pass, ".")
		return &llm.Response{Text: fmt.Sprintf(
			`{"pass_kind":%q,"decision":{"kind":"ACCEPT_AS_CANONICAL","confidence":0.9,"rationale":"distinct"}}`, pass)}, nil
	}
	for phrase, name := range actors {
		if strings.Contains(user, phrase) {
			return &llm.Response{Text: fmt.Sprintf(
				`{"claims":[{"type":"ACTOR","value":{"name":%q},"evidence":[%q]}]}`, name, name)}, nil
		}
	}
	return &llm.Response{Text: `{"claims":[]}`}, nil
}

func newService(t *testing.T) (*Service, *pipelineLLM) {
	t.Helper()
	st, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err)
	index, err := vectorindex.NewHNSW(t.TempDir())
	require.NoError(t, err)

	p := &pipelineLLM{}
	svc, err := New(Deps{
		Store:    st,
		Provider: p,
		Embedder: hashEmbedder{},
		Index:    index,
		Stage1:   stage1.DefaultConfig("fake/model"),
		Stage2:   stage2.DefaultConfig("fake/model"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, p
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	ing, err := svc.IngestText(ctx, "doc", "The pump controller stores data.\n\nThe operator sends the report.", ingest.Options{MaxChars: 40})
	require.NoError(t, err)
	require.Equal(t, 2, ing.Chunks)

	s1, err := svc.Extract(ctx, ExtractRequest{DocumentID: "doc"})
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, s1.Status)
	assert.Equal(t, 2, s1.Stats.ClaimsTotal)

	ix, err := svc.IndexClaims(ctx, s1.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, ix.ClaimsIndexed)

	s2, err := svc.Normalize(ctx, s1.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, s2.Status)
	assert.Equal(t, 2, s2.Stats.TotalProcessed)

	accepted, err := svc.Claims(ctx, s1.RunID, ClaimQuery{ClaimType: "actor", ReviewStatus: "accepted"})
	require.NoError(t, err)
	require.Len(t, accepted, 2)
	assert.Equal(t, "pump controller", accepted[0].Evidence[0].Snippet, "ordered by chunk index")
	assert.JSONEq(t, `{"name":"pump controller"}`, string(accepted[0].Value))
	assert.NotEmpty(t, accepted[0].Stage2)

	run, err := svc.Run(ctx, s1.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(store.RunKindStage1), run.Kind)
	assert.Equal(t, 2, run.ChunkStatus["SUCCESS"]+run.ChunkStatus["SUCCESS_WITH_WARNINGS"])
	assert.Equal(t, 2, run.LLMCalls)
	assert.NotEmpty(t, run.Stats)

	runs, err := svc.Runs(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, string(store.RunKindStage2), runs[0].Kind)
	assert.Equal(t, 2, mustRun(t, svc, runs[0].RunID).LLMCalls)
}

func TestSecondExtractHitsCache(t *testing.T) {
	ctx := context.Background()
	svc, p := newService(t)

	_, err := svc.IngestText(ctx, "doc", "The operator sends the report.", ingest.Options{})
	require.NoError(t, err)
	_, err = svc.Extract(ctx, ExtractRequest{DocumentID: "doc"})
	require.NoError(t, err)
	before := p.calls

	again, err := svc.Extract(ctx, ExtractRequest{DocumentID: "doc"})
	require.NoError(t, err)
	assert.Equal(t, before, p.calls)
	assert.Equal(t, 1, again.Stats.ChunksCached)

	forced, err := svc.Extract(ctx, ExtractRequest{DocumentID: "doc", ForceNonce: "retry-1"})
	require.NoError(t, err)
	assert.Equal(t, before+1, p.calls)
	assert.Equal(t, 0, forced.Stats.ChunksCached)
}

func TestRequestValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Extract(ctx, ExtractRequest{})
	assert.Error(t, err)

	_, err = svc.Claims(ctx, 1, ClaimQuery{ClaimType: "GOAL"})
	assert.ErrorContains(t, err, "unknown claim type")

	_, err = svc.Claims(ctx, 1, ClaimQuery{ReviewStatus: "maybe"})
	assert.ErrorContains(t, err, "unknown review status")

	_, err = svc.Run(ctx, 404)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Normalize(ctx, 1, "openai/gpt-4o-mini")
	assert.ErrorContains(t, err, "no LLM provider configured")
}

func TestLazyFactories(t *testing.T) {
	st, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err)

	var built []string
	svc, err := New(Deps{
		Store: st,
		NewProvider: func(modelID string) (llm.Provider, error) {
			built = append(built, modelID)
			return &pipelineLLM{}, nil
		},
		Stage1: stage1.DefaultConfig("fake/model"),
		Stage2: stage2.DefaultConfig("fake/model"),
	})
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	_, err = svc.IngestText(ctx, "doc", "The operator sends the report.", ingest.Options{})
	require.NoError(t, err)
	assert.Empty(t, built, "ingest needs no provider")

	_, err = svc.Extract(ctx, ExtractRequest{DocumentID: "doc"})
	require.NoError(t, err)
	_, err = svc.Extract(ctx, ExtractRequest{DocumentID: "doc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fake/model"}, built, "default provider is built once")

	_, err = svc.IndexClaims(ctx, 1)
	assert.ErrorContains(t, err, "no embedder configured")
}

func mustRun(t *testing.T, svc *Service, id int64) *RunView {
	t.Helper()
	r, err := svc.Run(context.Background(), id)
	require.NoError(t, err)
	return r
}
