package stage2

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
)

// Kind is a Stage 2 decision kind.
type Kind string

const (
	KindAccept Kind = "ACCEPT_AS_CANONICAL"
	KindMerge  Kind = "MERGE_INTO"
	KindReject Kind = "REJECT"
	KindDefer  Kind = "DEFER"
	KindSplit  Kind = "SPLIT_CONFLICT"
)

var validKinds = map[Kind]bool{KindAccept: true, KindMerge: true, KindReject: true, KindDefer: true, KindSplit: true}

var (
	// ErrEmptyDecision means the model returned nothing usable: empty text,
	// {}, [] or null.
	ErrEmptyDecision = errors.New("model returned an empty or trivial decision")
	// ErrInvalidDecision means the output did not match the decision schema.
	ErrInvalidDecision = errors.New("output does not match the decision schema")
)

// ClaimRef is a claim id the model may write as a number or a numeric
// string. Anything else decodes to zero.
type ClaimRef int64

func (r *ClaimRef) UnmarshalJSON(b []byte) error {
	*r = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var s string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil && id > 0 {
		*r = ClaimRef(id)
	}
	return nil
}

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

// EvidenceRef is a snippet cited by the model, resolved to its identity when
// it matches the pack. Unresolved refs keep zero ids.
type EvidenceRef struct {
	Snippet    string `json:"snippet"`
	ClaimID    int64  `json:"claim_id,omitempty"`
	EvidenceID int64  `json:"evidence_id,omitempty"`
	ChunkID    int64  `json:"chunk_id,omitempty"`
}

// UnmarshalJSON reads only the snippet; ids are never taken from the model.
// A bare string is accepted as the snippet.
func (r *EvidenceRef) UnmarshalJSON(b []byte) error {
	var v struct {
		Snippet string `json:"snippet"`
	}
	if err := json.Unmarshal(b, &v.Snippet); err != nil {
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
	}
	*r = EvidenceRef{Snippet: v.Snippet}
	return nil
}

// DecisionBlock is the verdict on the seed.
type DecisionBlock struct {
	Kind             Kind          `json:"kind"`
	CanonicalClaimID ClaimRef      `json:"canonical_claim_id,omitempty"`
	Confidence       *float64      `json:"confidence"`
	Rationale        string        `json:"rationale"`
	EvidenceRefs     []EvidenceRef `json:"evidence_refs"`
}

// Normalization is optional label metadata for the canonical claim.
type Normalization struct {
	CanonicalLabel *string  `json:"canonical_label,omitempty"`
	Aliases        []string `json:"aliases,omitempty"`
	Notes          *string  `json:"notes,omitempty"`
}

// Patch returns the non-empty normalization fields as a stage2 patch.
func (n Normalization) Patch() map[string]any {
	out := map[string]any{}
	if n.CanonicalLabel != nil && strings.TrimSpace(*n.CanonicalLabel) != "" {
		out["canonical_label"] = strings.TrimSpace(*n.CanonicalLabel)
	}
	if len(n.Aliases) > 0 {
		out["aliases"] = n.Aliases
	}
	if n.Notes != nil && strings.TrimSpace(*n.Notes) != "" {
		out["notes"] = strings.TrimSpace(*n.Notes)
	}
	return out
}

// ActionEndpoints links an ACTION to its actor and object claims.
type ActionEndpoints struct {
	ActorClaimID  ClaimRef `json:"actor_claim_id"`
	ObjectClaimID ClaimRef `json:"object_claim_id"`
}

// Attachments carries cross-type links proposed by the model.
type Attachments struct {
	ObjectClaimIDs  []ClaimRef      `json:"object_claim_ids,omitempty"`
	ActorClaimIDs   []ClaimRef      `json:"actor_claim_ids,omitempty"`
	ActionEndpoints ActionEndpoints `json:"action_endpoints"`
}

// ConflictMember is one claim of a conflict group.
type ConflictMember struct {
	ClaimID looseString `json:"claim_id"`
	Role    string      `json:"role"`
	Reason  string      `json:"reason,omitempty"`
}

// Conflict describes contradicting claims found by SPLIT_CONFLICT.
type Conflict struct {
	GroupLabel *string          `json:"group_label,omitempty"`
	Members    []ConflictMember `json:"members,omitempty"`
}

// Decision is one parsed Stage 2 decision. SeedClaimID is set by the
// runner; a model-supplied value is overwritten.
type Decision struct {
	PassKind      claims.ClaimType `json:"pass_kind"`
	SeedClaimID   ClaimRef         `json:"seed_claim_id"`
	Decision      DecisionBlock    `json:"decision"`
	Normalization Normalization    `json:"normalization"`
	Attachments   Attachments      `json:"attachments"`
	Conflict      Conflict         `json:"conflict"`
}

// IsTrivial reports whether raw carries no decision at all.
func IsTrivial(raw string) bool {
	s := strings.TrimSpace(claims.StripCodeFences(raw))
	switch s {
	case "", "{}", "[]", "null":
		return true
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err == nil && len(m) == 0 {
		return true
	}
	return false
}

// ParseDecision decodes and validates model output for a pass. Unknown
// fields are ignored.
func ParseDecision(raw string, pass claims.ClaimType) (*Decision, error) {
	if IsTrivial(raw) {
		return nil, ErrEmptyDecision
	}
	var d Decision
	if err := json.Unmarshal([]byte(strings.TrimSpace(claims.StripCodeFences(raw))), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if err := d.validate(pass); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	return &d, nil
}

func (d *Decision) validate(pass claims.ClaimType) error {
	if d.PassKind != pass {
		return fmt.Errorf("pass_kind %q, want %q", d.PassKind, pass)
	}
	if !validKinds[d.Decision.Kind] {
		return fmt.Errorf("unknown decision kind %q", d.Decision.Kind)
	}
	if d.Decision.Confidence == nil {
		return errors.New("confidence is required")
	}
	if c := *d.Decision.Confidence; c < 0 || c > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", c)
	}
	if d.Decision.Kind == KindMerge && d.Decision.CanonicalClaimID == 0 {
		return errors.New("canonical_claim_id is required for MERGE_INTO")
	}
	return nil
}

// ResolveEvidence matches each cited snippet to the pack's resolution map
// by exact text. Unmatched refs are kept with zero ids.
func ResolveEvidence(refs []EvidenceRef, resolution []ResolutionEntry) []EvidenceRef {
	out := make([]EvidenceRef, 0, len(refs))
	for _, ref := range refs {
		snippet := strings.TrimSpace(ref.Snippet)
		resolved := EvidenceRef{Snippet: snippet}
		for _, e := range resolution {
			if strings.TrimSpace(e.SnippetText) == snippet {
				resolved.ClaimID = e.ClaimID
				resolved.EvidenceID = e.EvidenceID
				resolved.ChunkID = e.ChunkID
				break
			}
		}
		out = append(out, resolved)
	}
	return out
}
