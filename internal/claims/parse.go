package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrNoClaimsJSON is returned when the model output holds no JSON object or array.
var ErrNoClaimsJSON = errors.New("output is not a JSON object or array")

// StatePlaceholder is the label given to STATE claims whose state is missing.
// Such claims are kept and flagged with a warning.
const StatePlaceholder = "UNSPECIFIED"

var codeFence = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n?(.*?)\\n?```\\s*$")

// StripCodeFences removes a surrounding markdown code fence, if present.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// Parse decodes raw model output into a Result for chunkID.
//
// Accepted shapes are a root object with a "claims" array, a bare array of
// claims, or a single bare claim object. Truncated JSON goes through
// RepairChain. Malformed entries are re-typed when unambiguous and dropped
// otherwise; every drop leaves a warning on the result.
func Parse(raw, chunkID, promptVersion string) (*Result, error) {
	text := StripCodeFences(raw)
	if text == "" {
		return nil, ErrNoClaimsJSON
	}
	doc, err := decodeWithRepair(text)
	if err != nil {
		return nil, err
	}
	return FromDocument(doc, chunkID, promptVersion)
}

// FromDocument builds a Result from an already decoded JSON document.
func FromDocument(doc any, chunkID, promptVersion string) (*Result, error) {
	var items []any
	res := &Result{PromptVersion: promptVersion, ChunkID: chunkID}

	switch root := doc.(type) {
	case []any:
		items = root
	case map[string]any:
		if list, ok := root["claims"].([]any); ok {
			items = list
		} else if _, isClaim := root["type"]; isClaim {
			items = []any{root}
		}
		if ws, ok := root["warnings"].([]any); ok {
			for _, w := range ws {
				if s, ok := w.(string); ok {
					res.Warnings = append(res.Warnings, s)
				}
			}
		}
	default:
		return nil, ErrNoClaimsJSON
	}

	dropped := 0
	for i, item := range items {
		obj, ok := normalizeRawClaim(item, chunkID, i, &res.Warnings)
		if !ok {
			dropped++
			continue
		}
		claim, err := decodeClaim(obj)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Dropped claim %d (type=%v): %v", i, obj["type"], err))
			continue
		}
		res.Claims = append(res.Claims, claim)
	}
	if dropped > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Skipped %d malformed claim entry(ies)", dropped))
	}
	return res, nil
}

func decodeClaim(obj map[string]any) (Claim, error) {
	t, _ := ParseType(fmt.Sprint(obj["type"]))
	raw, err := json.Marshal(obj["value"])
	if err != nil {
		return Claim{}, err
	}
	v, err := DecodeValue(t, raw)
	if err != nil {
		return Claim{}, err
	}
	ev, _ := obj["evidence"].([]Evidence)
	return Claim{Type: t, EpistemicTag: EpistemicExplicit, Value: v, Evidence: ev}, nil
}

// normalizeRawClaim turns one raw entry into a map with a known type, an
// object value and normalized evidence. It reports false when the entry
// cannot be salvaged.
func normalizeRawClaim(item any, chunkID string, idx int, warnings *[]string) (map[string]any, bool) {
	obj, ok := item.(map[string]any)
	if !ok {
		return nil, false
	}

	t, known := ParseType(stringField(obj, "type"))
	value, hasValue := obj["value"].(map[string]any)
	if !known {
		t, value, ok = inferType(obj, value)
		if !ok {
			return nil, false
		}
		hasValue = true
	}

	if !hasValue {
		// A bare string value is only unambiguous for name-shaped types.
		s, isString := obj["value"].(string)
		if !isString || (t != TypeActor && t != TypeObject) {
			return nil, false
		}
		value = map[string]any{"name": s}
	}

	switch t {
	case TypeDeny:
		for _, k := range []string{"actor", "verb", "object"} {
			if strings.TrimSpace(stringField(value, k)) == "" {
				return nil, false
			}
		}
	case TypeState:
		if strings.TrimSpace(stringField(value, "state")) == "" {
			value["state"] = StatePlaceholder
			*warnings = append(*warnings,
				fmt.Sprintf("Claim %d (type=STATE): missing state, placeholder %q used", idx, StatePlaceholder))
		}
	}

	return map[string]any{
		"type":     string(t),
		"value":    value,
		"evidence": normalizeEvidence(obj["evidence"], chunkID, t, warnings),
	}, true
}

// inferType re-types an entry without a known discriminator when its shape
// leaves no doubt: a nested state or action object, or a bare value.
func inferType(obj, value map[string]any) (ClaimType, map[string]any, bool) {
	if nested, ok := obj["state"].(map[string]any); ok && isStateShape(nested) {
		return TypeState, nested, true
	}
	if nested, ok := obj["action"].(map[string]any); ok && isActionShape(nested) {
		return TypeAction, nested, true
	}
	if value != nil {
		switch {
		case isStateShape(value):
			return TypeState, value, true
		case isActionShape(value):
			return TypeAction, value, true
		}
	}
	switch {
	case isStateShape(obj):
		return TypeState, pick(obj, "object_name", "state"), true
	case isActionShape(obj):
		return TypeAction, pick(obj, "actor", "verb", "object", "qualifiers"), true
	}
	if _, hasName := obj["name"].(string); hasName {
		for _, k := range []string{"actor", "verb", "object", "object_name"} {
			if _, ok := obj[k]; ok {
				return "", nil, false
			}
		}
		return TypeObject, map[string]any{"name": obj["name"]}, true
	}
	return "", nil, false
}

func isStateShape(m map[string]any) bool {
	_, hasObj := m["object_name"].(string)
	_, hasState := m["state"].(string)
	return hasObj && hasState
}

func isActionShape(m map[string]any) bool {
	for _, k := range []string{"actor", "verb", "object"} {
		if _, ok := m[k].(string); !ok {
			return false
		}
	}
	return true
}

func pick(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// normalizeEvidence accepts plain strings or {snippet, chunk_ref} objects and
// always yields snippets of at most SnippetMaxLen characters with a chunk_ref.
func normalizeEvidence(raw any, chunkID string, t ClaimType, warnings *[]string) []Evidence {
	list, ok := raw.([]any)
	if !ok {
		return []Evidence{}
	}
	out := make([]Evidence, 0, len(list))
	for _, item := range list {
		var snippet, ref string
		switch ev := item.(type) {
		case string:
			snippet = ev
		case map[string]any:
			snippet = stringField(ev, "snippet")
			if cr, ok := ev["chunk_ref"].(map[string]any); ok {
				ref = stringField(cr, "chunk_id")
			}
		default:
			continue
		}
		if snippet == "" {
			continue
		}
		if utf8.RuneCountInString(snippet) > SnippetMaxLen {
			snippet = TruncateRunes(snippet, SnippetMaxLen)
			*warnings = append(*warnings,
				fmt.Sprintf("Truncated evidence to %d chars for claim type %s", SnippetMaxLen, t))
		}
		if ref == "" {
			ref = chunkID
		}
		out = append(out, Evidence{Snippet: snippet, ChunkRef: ChunkRef{ChunkID: ref}})
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// TruncateRunes returns at most n characters of s.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
