package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// pointNamespace seeds deterministic object UUIDs from claim ids.
var pointNamespace = uuid.MustParse("6f1c2c7e-3f0a-4b8e-9a51-1d2f9c0b7a44")

// PointUUID maps a claim id to its Weaviate object id.
func PointUUID(collection string, id int64) string {
	return uuid.NewSHA1(pointNamespace, []byte(collection+":"+strconv.FormatInt(id, 10))).String()
}

var dimsRe = regexp.MustCompile(`dims=(\d+)`)

// Weaviate is an Index backed by a Weaviate server. Each collection is a
// class with no vectorizer and cosine distance; the vector size is recorded
// in the class description since Weaviate infers it from the first object.
type Weaviate struct {
	client *weaviate.Client
}

// NewWeaviate connects to the server at rawURL.
func NewWeaviate(rawURL string) (*Weaviate, error) {
	if rawURL == "" {
		rawURL = "http://localhost:8080"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing weaviate url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("weaviate url %q has no host", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: u.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &Weaviate{client: client}, nil
}

// ClassName converts a collection name into a valid Weaviate class name:
// "claim_cards" becomes "ClaimCards".
func ClassName(collection string) string {
	var b strings.Builder
	upper := true
	for _, r := range collection {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	name := b.String()
	if name == "" || !unicode.IsLetter(rune(name[0])) {
		name = "C" + name
	}
	return name
}

func claimClass(class string, dims int) *models.Class {
	filterable := true
	text := func(name string) *models.Property {
		return &models.Property{Name: name, DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable}
	}
	num := func(name string) *models.Property {
		return &models.Property{Name: name, DataType: []string{"int"}, IndexFilterable: &filterable}
	}
	return &models.Class{
		Class:       class,
		Description: fmt.Sprintf("Claim cards; dims=%d", dims),
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": DistanceCosine,
		},
		Properties: []*models.Property{
			num("claim_id"), text("doc_id"), num("chunk_id"), num("run_id"),
			text("claim_type"), text("dedupe_key"),
			{Name: "card_text", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "evidence_snippet", DataType: []string{"text"}, Tokenization: "word"},
			text("prompt_version"), text("extractor_version"), text("model_id"),
			text("embedding_model_id"), text("epistemic_tag"),
			text("name"), text("actor"), text("verb"), text("object"),
		},
	}
}

// checkClass compares an existing class to the expected schema.
func checkClass(collection string, class *models.Class, dims int) error {
	if cfg, ok := class.VectorIndexConfig.(map[string]interface{}); ok {
		if d, ok := cfg["distance"].(string); ok && d != "" && d != DistanceCosine {
			return mismatch(collection, "has distance %q, want %q", d, DistanceCosine)
		}
	}
	if m := dimsRe.FindStringSubmatch(class.Description); m != nil {
		if got, _ := strconv.Atoi(m[1]); got != dims {
			return mismatch(collection, "has %d dims, want %d", got, dims)
		}
	}
	return nil
}

func (w *Weaviate) EnsureCollection(ctx context.Context, collection string, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("collection %q: dims must be positive", collection)
	}
	class := ClassName(collection)
	existing, err := w.client.Schema().ClassGetter().WithClassName(class).Do(ctx)
	if err == nil && existing != nil {
		return checkClass(collection, existing, dims)
	}
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("reading weaviate class %s: %w", class, err)
	}
	if err := w.client.Schema().ClassCreator().WithClass(claimClass(class, dims)).Do(ctx); err != nil {
		return fmt.Errorf("creating weaviate class %s: %w", class, err)
	}
	return nil
}

func payloadProperties(p Payload) map[string]interface{} {
	return map[string]interface{}{
		"claim_id":           p.ClaimID,
		"doc_id":             p.DocID,
		"chunk_id":           p.ChunkID,
		"run_id":             p.RunID,
		"claim_type":         p.ClaimType,
		"dedupe_key":         p.DedupeKey,
		"card_text":          p.CardText,
		"evidence_snippet":   p.EvidenceSnippet,
		"prompt_version":     p.PromptVersion,
		"extractor_version":  p.ExtractorVersion,
		"model_id":           p.ModelID,
		"embedding_model_id": p.EmbeddingModelID,
		"epistemic_tag":      p.EpistemicTag,
		"name":               p.Name,
		"actor":              p.Actor,
		"verb":               p.Verb,
		"object":             p.Object,
	}
}

// payloadFields lists the properties requested by Search.
func payloadFields() []graphql.Field {
	names := []string{
		"claim_id", "doc_id", "chunk_id", "run_id", "claim_type", "dedupe_key",
		"card_text", "evidence_snippet", "prompt_version", "extractor_version",
		"model_id", "embedding_model_id", "epistemic_tag", "name", "actor", "verb", "object",
	}
	fields := make([]graphql.Field, 0, len(names)+1)
	for _, n := range names {
		fields = append(fields, graphql.Field{Name: n})
	}
	return append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}})
}

func (w *Weaviate) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	class := ClassName(collection)
	objects := make([]*models.Object, len(points))
	for i, p := range points {
		objects[i] = &models.Object{
			Class:      class,
			ID:         strfmt.UUID(PointUUID(collection, p.ID)),
			Vector:     p.Vector,
			Properties: payloadProperties(p.Payload),
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate batch upsert: %w", err)
	}
	var failed []string
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			failed = append(failed, fmt.Sprintf("%s: %s", item.ID, item.Result.Errors.Error[0].Message))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("weaviate batch upsert: %d of %d objects failed: %s", len(failed), len(points), strings.Join(failed, "; "))
	}
	return nil
}

func (w *Weaviate) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	class := ClassName(collection)
	query := w.client.GraphQL().Get().
		WithClassName(class).
		WithFields(payloadFields()...).
		WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(limit + len(filter.ExcludeIDs))
	if where := whereFilter(filter); where != nil {
		query = query.WithWhere(where)
	}

	resp, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", resp.Errors[0].Message)
	}
	hits, err := parseHits(resp.Data, class)
	if err != nil {
		return nil, err
	}

	out := hits[:0]
	for _, h := range hits {
		if filter.Match(h.ID, h.Payload) {
			out = append(out, h)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func whereFilter(f Filter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if f.DocID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"doc_id"}).
			WithOperator(filters.Equal).
			WithValueText(f.DocID))
	}
	if f.ClaimType != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"claim_type"}).
			WithOperator(filters.Equal).
			WithValueText(f.ClaimType))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

type searchRow struct {
	Payload
	Additional struct {
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

// parseHits decodes Get.<class> rows from a GraphQL response.
func parseHits(data map[string]models.JSONObject, class string) ([]Hit, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql data: %w", err)
	}
	var decoded struct {
		Get map[string][]searchRow `json:"Get"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode graphql data: %w", err)
	}
	rows := decoded.Get[class]
	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		var score float32
		if r.Additional.Certainty != nil {
			// certainty = (1 + cosine) / 2
			score = float32(2*(*r.Additional.Certainty) - 1)
		}
		hits = append(hits, Hit{ID: r.ClaimID, Score: score, Payload: r.Payload})
	}
	return hits, nil
}

func (w *Weaviate) Vector(ctx context.Context, collection string, id int64) ([]float32, error) {
	objs, err := w.client.Data().ObjectsGetter().
		WithClassName(ClassName(collection)).
		WithID(PointUUID(collection, id)).
		WithVector().
		Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("point %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("weaviate get object: %w", err)
	}
	if len(objs) == 0 || len(objs[0].Vector) == 0 {
		return nil, fmt.Errorf("point %d: %w", id, ErrNotFound)
	}
	return []float32(objs[0].Vector), nil
}

func (w *Weaviate) Close() error { return nil }

func isNotFound(err error) bool {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) && clientErr.StatusCode == 404 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
