// Package claims defines the claim vocabulary shared by both pipeline stages:
// the five claim types and their value shapes, evidence, the Stage 1 result
// envelope, and the parsing, repair and validation rules applied to raw model
// output.
package claims

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ClaimType discriminates the value shape of a claim.
type ClaimType string

const (
	TypeActor  ClaimType = "ACTOR"
	TypeObject ClaimType = "OBJECT"
	TypeState  ClaimType = "STATE"
	TypeAction ClaimType = "ACTION"
	TypeDeny   ClaimType = "DENY"
)

// AllTypes lists every claim type in prompt order.
var AllTypes = []ClaimType{TypeActor, TypeObject, TypeState, TypeAction, TypeDeny}

// EpistemicExplicit is the only epistemic tag Stage 1 emits.
const EpistemicExplicit = "EXPLICIT"

// SnippetMaxLen is the maximum evidence snippet length in characters.
const SnippetMaxLen = 300

// ParseType returns the claim type for s, case-insensitively.
func ParseType(s string) (ClaimType, bool) {
	t := ClaimType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// Field is one rendered key/value pair of a claim value.
type Field struct {
	Key   string
	Value string
}

// Value is the type-specific payload of a claim. The set is closed: only
// pointers to the five value structs of this package implement it.
type Value interface {
	Type() ClaimType
	// Fields returns the value's fields in display order.
	Fields() []Field
	normalize() error
}

// ActorValue names an actor mentioned in the text.
type ActorValue struct {
	Name string `json:"name"`
}

// ObjectValue names an object mentioned in the text.
type ObjectValue struct {
	Name string `json:"name"`
}

// StateValue is a state label of an object.
type StateValue struct {
	ObjectName string `json:"object_name"`
	State      string `json:"state"`
}

// ActionValue is one explicit actor-verb-object mention.
type ActionValue struct {
	Actor      string   `json:"actor"`
	Verb       string   `json:"verb"`
	Object     string   `json:"object"`
	Qualifiers []string `json:"qualifiers"`
}

// DenyValue is an explicit prohibition.
type DenyValue struct {
	Actor  string  `json:"actor"`
	Verb   string  `json:"verb"`
	Object string  `json:"object"`
	Reason *string `json:"reason,omitempty"`
}

func (ActorValue) Type() ClaimType  { return TypeActor }
func (ObjectValue) Type() ClaimType { return TypeObject }
func (StateValue) Type() ClaimType  { return TypeState }
func (ActionValue) Type() ClaimType { return TypeAction }
func (DenyValue) Type() ClaimType   { return TypeDeny }

func (v ActorValue) Fields() []Field  { return []Field{{"name", v.Name}} }
func (v ObjectValue) Fields() []Field { return []Field{{"name", v.Name}} }

func (v StateValue) Fields() []Field {
	return []Field{{"object_name", v.ObjectName}, {"state", v.State}}
}

func (v ActionValue) Fields() []Field {
	fields := []Field{{"actor", v.Actor}, {"verb", v.Verb}, {"object", v.Object}}
	if len(v.Qualifiers) > 0 {
		fields = append(fields, Field{"qualifiers", strings.Join(v.Qualifiers, ", ")})
	}
	return fields
}

func (v DenyValue) Fields() []Field {
	fields := []Field{{"actor", v.Actor}, {"verb", v.Verb}, {"object", v.Object}}
	if v.Reason != nil && *v.Reason != "" {
		fields = append(fields, Field{"reason", *v.Reason})
	}
	return fields
}

var errEmptyField = errors.New("required field is empty")

func requireNonEmpty(names []string, fields ...*string) error {
	for i, f := range fields {
		*f = strings.TrimSpace(*f)
		if *f == "" {
			return fmt.Errorf("%s: %w", names[i], errEmptyField)
		}
	}
	return nil
}

func (v *ActorValue) normalize() error  { return requireNonEmpty([]string{"name"}, &v.Name) }
func (v *ObjectValue) normalize() error { return requireNonEmpty([]string{"name"}, &v.Name) }

func (v *StateValue) normalize() error {
	return requireNonEmpty([]string{"object_name", "state"}, &v.ObjectName, &v.State)
}

func (v *ActionValue) normalize() error {
	if err := requireNonEmpty([]string{"actor", "verb", "object"}, &v.Actor, &v.Verb, &v.Object); err != nil {
		return err
	}
	quals := v.Qualifiers[:0]
	for _, q := range v.Qualifiers {
		if q = strings.TrimSpace(q); q != "" {
			quals = append(quals, q)
		}
	}
	v.Qualifiers = quals
	return nil
}

func (v *DenyValue) normalize() error {
	return requireNonEmpty([]string{"actor", "verb", "object"}, &v.Actor, &v.Verb, &v.Object)
}

// DecodeValue strictly decodes a value of the given type. Unknown fields and
// empty required fields are errors.
func DecodeValue(t ClaimType, raw []byte) (Value, error) {
	var target interface{ normalize() error }
	switch t {
	case TypeActor:
		target = &ActorValue{}
	case TypeObject:
		target = &ObjectValue{}
	case TypeState:
		target = &StateValue{}
	case TypeAction:
		target = &ActionValue{}
	case TypeDeny:
		target = &DenyValue{}
	default:
		return nil, fmt.Errorf("unknown claim type %q", t)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("decoding %s value: %w", t, err)
	}
	if err := target.normalize(); err != nil {
		return nil, fmt.Errorf("%s value: %w", t, err)
	}

	switch v := target.(type) {
	case *ActorValue:
		return v, nil
	case *ObjectValue:
		return v, nil
	case *StateValue:
		return v, nil
	case *ActionValue:
		if v.Qualifiers == nil {
			v.Qualifiers = []string{}
		}
		return v, nil
	case *DenyValue:
		return v, nil
	}
	return nil, fmt.Errorf("unknown claim type %q", t)
}

// ChunkRef points an evidence snippet at its chunk.
type ChunkRef struct {
	ChunkID string `json:"chunk_id"`
}

// Evidence is one verbatim snippet supporting a claim.
type Evidence struct {
	Snippet  string   `json:"snippet"`
	ChunkRef ChunkRef `json:"chunk_ref"`
}

// Claim is one parsed Stage 1 claim.
type Claim struct {
	Type         ClaimType
	EpistemicTag string
	Value        Value
	Evidence     []Evidence
}

type claimJSON struct {
	Type         ClaimType       `json:"type"`
	EpistemicTag string          `json:"epistemic_tag"`
	Confidence   *float64        `json:"confidence"`
	Value        json.RawMessage `json:"value"`
	Evidence     []Evidence      `json:"evidence"`
}

// MarshalJSON writes the claim with its discriminator and a null confidence.
func (c Claim) MarshalJSON() ([]byte, error) {
	val, err := json.Marshal(c.Value)
	if err != nil {
		return nil, err
	}
	ev := c.Evidence
	if ev == nil {
		ev = []Evidence{}
	}
	return json.Marshal(claimJSON{
		Type:         c.Type,
		EpistemicTag: c.EpistemicTag,
		Value:        val,
		Evidence:     ev,
	})
}

// UnmarshalJSON decodes a claim, dispatching the value on its type.
func (c *Claim) UnmarshalJSON(data []byte) error {
	var env claimJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	t, ok := ParseType(string(env.Type))
	if !ok {
		return fmt.Errorf("unknown claim type %q", env.Type)
	}
	v, err := DecodeValue(t, env.Value)
	if err != nil {
		return err
	}
	c.Type = t
	c.EpistemicTag = env.EpistemicTag
	if c.EpistemicTag == "" {
		c.EpistemicTag = EpistemicExplicit
	}
	c.Value = v
	c.Evidence = env.Evidence
	return nil
}

// Result is the parsed output of one chunk extraction.
type Result struct {
	PromptVersion string   `json:"prompt_version"`
	ChunkID       string   `json:"chunk_id"`
	Claims        []Claim  `json:"claims"`
	Warnings      []string `json:"warnings"`
	// Parsed is the claim count before post validators ran.
	Parsed int `json:"-"`
}

// MarshalJSON keeps claims and warnings as arrays even when empty.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	p := plain(r)
	if p.Claims == nil {
		p.Claims = []Claim{}
	}
	if p.Warnings == nil {
		p.Warnings = []string{}
	}
	return json.Marshal(p)
}
