package claims

import (
	"strings"
)

const (
	// EmbeddingSnippetLen bounds the evidence appended to embedding text.
	EmbeddingSnippetLen = 200
	// PayloadSnippetLen bounds the evidence stored in a vector payload.
	PayloadSnippetLen = 300
)

// CardText renders the compact one-line card of a claim value.
//
//	ACTOR | name
//	OBJECT | name
//	STATE | object_name | state
//	ACTION | actor | verb | object[ | qualifiers]
//	DENY | actor | verb | object
func CardText(v Value) string {
	switch v := v.(type) {
	case *ActorValue:
		return "ACTOR | " + strings.TrimSpace(v.Name)
	case *ObjectValue:
		return "OBJECT | " + strings.TrimSpace(v.Name)
	case *StateValue:
		return "STATE | " + strings.TrimSpace(v.ObjectName) + " | " + strings.TrimSpace(v.State)
	case *ActionValue:
		card := "ACTION | " + strings.TrimSpace(v.Actor) + " | " + strings.TrimSpace(v.Verb) + " | " + strings.TrimSpace(v.Object)
		var quals []string
		for _, q := range v.Qualifiers {
			if q = strings.TrimSpace(q); q != "" {
				quals = append(quals, q)
			}
		}
		if len(quals) > 0 {
			card += " | " + strings.Join(quals, " ")
		}
		return card
	case *DenyValue:
		return "DENY | " + strings.TrimSpace(v.Actor) + " | " + strings.TrimSpace(v.Verb) + " | " + strings.TrimSpace(v.Object)
	}
	return ""
}

// EmbeddingText is the card text followed by the first evidence snippet.
func EmbeddingText(v Value, firstSnippet string) string {
	card := CardText(v)
	snippet := strings.TrimSpace(firstSnippet)
	if snippet == "" {
		return card
	}
	return card + "\n" + TruncateRunes(snippet, EmbeddingSnippetLen)
}

// PayloadSnippet clips an evidence snippet for storage in a vector payload.
func PayloadSnippet(snippet string) string {
	return TruncateRunes(strings.TrimSpace(snippet), PayloadSnippetLen)
}

// DedupeKey is the type-prefixed, lower-cased, whitespace-collapsed form of
// the identifying fields of a value. Two mentions with equal keys say the
// same thing.
func DedupeKey(v Value) string {
	var parts []string
	switch v := v.(type) {
	case *ActorValue:
		parts = []string{v.Name}
	case *ObjectValue:
		parts = []string{v.Name}
	case *StateValue:
		parts = []string{v.ObjectName, v.State}
	case *ActionValue:
		parts = []string{v.Actor, v.Verb, v.Object}
	case *DenyValue:
		parts = []string{v.Actor, v.Verb, v.Object}
	default:
		return ""
	}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.Join(strings.Fields(p), " "))
	}
	return string(v.Type()) + ":" + strings.Join(parts, "|")
}
