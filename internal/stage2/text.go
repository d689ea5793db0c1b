package stage2

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Excerpt windows, in runes, around a block's first evidence snippet.
const (
	excerptWindow         = 100
	sameTypeExcerptWindow = 50
	fallbackExcerptRunes  = 200
	maxEvidencePerBlock   = 3
)

const noEvidence = "(no evidence)"

// Sanitize replaces control, format, private-use, unassigned and surrogate
// code points and U+FFFD with '?'. Some providers return an empty completion
// when a prompt contains them. Newlines and tabs survive.
func Sanitize(s string) string {
	clean := true
	for _, r := range s {
		if unsafeRune(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unsafeRune(r) {
			b.WriteByte('?')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unsafeRune(r rune) bool {
	switch {
	case r == '\n' || r == '\t':
		return false
	case r == utf8.RuneError:
		return true
	case unicode.Is(unicode.Cc, r), unicode.Is(unicode.Cf, r), unicode.Is(unicode.Co, r), unicode.Is(unicode.Cs, r):
		return true
	}
	// Cn: not assigned in any category known to the unicode tables.
	return !unicode.In(r, unicode.L, unicode.M, unicode.N, unicode.P, unicode.S, unicode.Z, unicode.C)
}

// Excerpt returns the text around the first occurrence of snippet, window
// runes on either side. When the snippet is not found the first
// fallbackExcerptRunes runes are used. Whitespace is collapsed and double
// quotes are removed so the excerpt reads as one line.
func Excerpt(text, snippet string, window int) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	snippet = strings.TrimSpace(strings.ReplaceAll(snippet, "\r\n", "\n"))
	runes := []rune(text)

	var out []rune
	if idx := strings.Index(text, snippet); snippet != "" && idx >= 0 {
		start := utf8.RuneCountInString(text[:idx])
		end := start + utf8.RuneCountInString(snippet)
		out = runes[max(0, start-window):min(len(runes), end+window)]
	} else {
		out = runes[:min(len(runes), fallbackExcerptRunes)]
	}
	return flatten(string(out))
}

var quoteReplacer = strings.NewReplacer(`"`, " ", "“", " ", "”", " ")

func flatten(s string) string {
	return strings.Join(strings.Fields(quoteReplacer.Replace(s)), " ")
}
