package claims

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
)

// PostValidator inspects a parsed result against its chunk text. It may drop
// claims from res and returns warnings describing what it did.
type PostValidator func(res *Result, chunkText string) []string

// ValidateEvidenceSubstrings drops claims without evidence and claims whose
// evidence is not a verbatim substring of the chunk. Snippet and chunk are
// compared after newline normalization, then after full hash normalization.
// A snippet that matches only after full normalization is replaced by the
// chunk span it matched, so kept snippets are always literal substrings of
// the newline-normalized chunk.
func ValidateEvidenceSubstrings(res *Result, chunkText string) []string {
	chunkLF := store.NormalizeNewlines(chunkText)
	chunkFull := store.Normalize(chunkText)

	var warnings []string
	kept := res.Claims[:0]
	for i, c := range res.Claims {
		if len(c.Evidence) == 0 {
			warnings = append(warnings, fmt.Sprintf("Dropped claim %d (type=%s): no evidence", i, c.Type))
			continue
		}
		ok := true
		for j := range c.Evidence {
			literal, found := LocateSnippet(c.Evidence[j].Snippet, chunkLF, chunkFull)
			if !found {
				ok = false
				break
			}
			c.Evidence[j].Snippet = literal
		}
		if !ok {
			warnings = append(warnings,
				fmt.Sprintf("Dropped claim %d (type=%s): evidence not a substring of chunk", i, c.Type))
			continue
		}
		kept = append(kept, c)
	}
	res.Claims = kept
	return warnings
}

// IsVerbatim reports whether snippet occurs in the chunk. chunkLF and
// chunkFull are the chunk text after store.NormalizeNewlines and
// store.Normalize respectively.
func IsVerbatim(snippet, chunkLF, chunkFull string) bool {
	if snippet == "" {
		return false
	}
	if strings.Contains(chunkLF, store.NormalizeNewlines(snippet)) {
		return true
	}
	norm := store.Normalize(snippet)
	return norm != "" && strings.Contains(chunkFull, norm)
}

// LocateSnippet returns the text of chunkLF that snippet stands for: the
// snippet itself when it occurs literally, otherwise the shortest chunk span
// whose full normalization equals the snippet's. chunkLF and chunkFull are as
// for IsVerbatim.
func LocateSnippet(snippet, chunkLF, chunkFull string) (string, bool) {
	if snippet == "" {
		return "", false
	}
	lf := store.NormalizeNewlines(snippet)
	if strings.Contains(chunkLF, lf) {
		return lf, true
	}
	want := store.Normalize(snippet)
	if want == "" || !strings.Contains(chunkFull, want) {
		return "", false
	}
	// Compatibility forms and stripped whitespace make a span longer than
	// its normal form.
	limit := 4*len(lf) + 16
	for start, r := range chunkLF {
		if unicode.IsSpace(r) {
			continue
		}
		for end := start + utf8.RuneLen(r); end <= len(chunkLF) && end-start <= limit; {
			got := store.Normalize(chunkLF[start:end])
			if got == want {
				return chunkLF[start:end], true
			}
			if len(got) > len(want) {
				break
			}
			_, size := utf8.DecodeRuneInString(chunkLF[end:])
			if size == 0 {
				break
			}
			end += size
		}
	}
	return "", false
}

// ValidateNameInEvidence warns when an ACTOR or OBJECT name does not appear
// in any of its evidence snippets. It never drops claims.
func ValidateNameInEvidence(res *Result, _ string) []string {
	var warnings []string
	for _, c := range res.Claims {
		var name string
		switch v := c.Value.(type) {
		case *ActorValue:
			name = v.Name
		case *ObjectValue:
			name = v.Name
		default:
			continue
		}
		parts := make([]string, len(c.Evidence))
		for i, ev := range c.Evidence {
			parts[i] = store.NormalizeNewlines(ev.Snippet)
		}
		if !strings.Contains(strings.ToLower(strings.Join(parts, " ")), strings.ToLower(name)) {
			warnings = append(warnings, fmt.Sprintf("Name %q not found in evidence snippets", name))
		}
	}
	return warnings
}
