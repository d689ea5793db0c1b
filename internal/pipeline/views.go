package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
)

// ClaimView is the external shape of a claim.
type ClaimView struct {
	ClaimID         int64           `json:"claim_id"`
	RunID           int64           `json:"run_id"`
	DocumentID      string          `json:"document_id"`
	ChunkID         int64           `json:"chunk_id"`
	ClaimType       string          `json:"claim_type"`
	Value           json.RawMessage `json:"value"`
	EpistemicTag    string          `json:"epistemic_tag"`
	ReviewStatus    string          `json:"review_status"`
	SupersededBy    *int64          `json:"superseded_by,omitempty"`
	EmbeddingStatus string          `json:"embedding_status"`
	DedupeKey       string          `json:"dedupe_key,omitempty"`
	Stage2          json.RawMessage `json:"stage2,omitempty"`
	Evidence        []EvidenceView  `json:"evidence"`
}

// EvidenceView is one verbatim snippet of a claim.
type EvidenceView struct {
	EvidenceID int64  `json:"evidence_id"`
	ChunkID    int64  `json:"chunk_id"`
	Snippet    string `json:"snippet"`
	CharStart  *int   `json:"char_start,omitempty"`
	CharEnd    *int   `json:"char_end,omitempty"`
}

func newClaimView(c *store.Claim) ClaimView {
	v := ClaimView{
		ClaimID:         c.ID,
		RunID:           c.RunID,
		DocumentID:      c.DocumentID,
		ChunkID:         c.ChunkID,
		ClaimType:       c.ClaimType,
		Value:           rawJSON(c.ValueJSON),
		EpistemicTag:    c.EpistemicTag,
		ReviewStatus:    string(c.ReviewStatus),
		SupersededBy:    c.SupersededByID,
		EmbeddingStatus: string(c.EmbeddingStatus),
		DedupeKey:       c.DedupeKey,
		Evidence:        make([]EvidenceView, 0, len(c.Evidence)),
	}
	if c.Stage2JSON != "" {
		v.Stage2 = rawJSON(c.Stage2JSON)
	}
	for _, e := range c.Evidence {
		v.Evidence = append(v.Evidence, EvidenceView{
			EvidenceID: e.ID,
			ChunkID:    e.ChunkID,
			Snippet:    e.SnippetText,
			CharStart:  e.CharStart,
			CharEnd:    e.CharEnd,
		})
	}
	return v
}

// RunView is the external shape of a run.
type RunView struct {
	RunID            int64           `json:"run_id"`
	DocumentID       string          `json:"document_id"`
	Kind             string          `json:"kind"`
	Status           string          `json:"status"`
	ModelID          string          `json:"model_id"`
	PromptVersion    string          `json:"prompt_version,omitempty"`
	ExtractorVersion string          `json:"extractor_version,omitempty"`
	Config           json.RawMessage `json:"config,omitempty"`
	Stats            json.RawMessage `json:"stats,omitempty"`
	ErrorSummary     string          `json:"error_summary,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	ChunkStatus      map[string]int  `json:"chunk_status,omitempty"`
	LLMCalls         int             `json:"llm_calls"`
}

func newRunView(r *store.Run) RunView {
	return RunView{
		RunID:            r.ID,
		DocumentID:       r.DocumentID,
		Kind:             string(r.Kind),
		Status:           string(r.Status),
		ModelID:          r.ModelID,
		PromptVersion:    r.PromptVersion,
		ExtractorVersion: r.ExtractorVersion,
		Config:           rawJSON(r.ConfigJSON),
		Stats:            rawJSON(r.StatsJSON),
		ErrorSummary:     r.ErrorSummary,
		CreatedAt:        r.CreatedAt,
		FinishedAt:       r.FinishedAt,
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func (q ClaimQuery) filter() (store.ClaimFilter, error) {
	var f store.ClaimFilter
	if t := strings.TrimSpace(q.ClaimType); t != "" {
		ct, ok := claims.ParseType(t)
		if !ok {
			return f, fmt.Errorf("unknown claim type %q", q.ClaimType)
		}
		f.ClaimType = string(ct)
	}
	if rs := strings.ToUpper(strings.TrimSpace(q.ReviewStatus)); rs != "" {
		switch status := store.ReviewStatus(rs); status {
		case store.ReviewUnreviewed, store.ReviewAccepted, store.ReviewRejected, store.ReviewSuperseded:
			f.ReviewStatus = status
		default:
			return f, fmt.Errorf("unknown review status %q", q.ReviewStatus)
		}
	}
	return f, nil
}
