package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the chunk size ceiling in characters.
const DefaultMaxChars = 1500

// Span is one chunk of a document. Start and End are character offsets into
// the LF-normalized document text.
type Span struct {
	Text  string
	Start int
	End   int
}

// paragraphBreak matches a blank line and any whitespace around it.
var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n\s*`)

type byteRange struct{ start, end int }

// Split packs paragraphs of text into chunks of at most maxChars characters.
// A chunk never splits a paragraph unless the paragraph alone is too long;
// such paragraphs are cut at the last line, sentence or word boundary in the
// final third of the window. Chunks do not overlap.
func Split(text string, maxChars int) []Span {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var pieces []byteRange
	for _, p := range paragraphs(text) {
		pieces = append(pieces, splitLong(text, p, maxChars)...)
	}

	var packed []byteRange
	cur := pieces[0]
	for _, p := range pieces[1:] {
		if utf8.RuneCountInString(text[cur.start:p.end]) <= maxChars {
			cur.end = p.end
			continue
		}
		packed = append(packed, cur)
		cur = p
	}
	packed = append(packed, cur)

	spans := make([]Span, 0, len(packed))
	for _, r := range packed {
		start := utf8.RuneCountInString(text[:r.start])
		chunk := text[r.start:r.end]
		spans = append(spans, Span{Text: chunk, Start: start, End: start + utf8.RuneCountInString(chunk)})
	}
	return spans
}

// paragraphs returns the trimmed non-blank paragraph ranges of text.
func paragraphs(text string) []byteRange {
	var out []byteRange
	pos := 0
	add := func(start, end int) {
		seg := text[start:end]
		lead := len(seg) - len(strings.TrimLeft(seg, " \t\n"))
		trail := len(seg) - len(strings.TrimRight(seg, " \t\n"))
		if start+lead < end-trail {
			out = append(out, byteRange{start + lead, end - trail})
		}
	}
	for _, m := range paragraphBreak.FindAllStringIndex(text, -1) {
		add(pos, m[0])
		pos = m[1]
	}
	add(pos, len(text))
	return out
}

// splitLong cuts a paragraph that exceeds maxChars.
func splitLong(text string, r byteRange, maxChars int) []byteRange {
	var out []byteRange
	for r.start < r.end {
		seg := text[r.start:r.end]
		if utf8.RuneCountInString(seg) <= maxChars {
			out = append(out, r)
			break
		}

		limit := byteOffset(seg, maxChars)
		cut := limit
		searchStart := limit * 2 / 3
		for _, sep := range []string{"\n", ". ", " "} {
			if idx := strings.LastIndex(seg[searchStart:limit], sep); idx != -1 {
				cut = searchStart + idx + len(sep)
				break
			}
		}

		piece := strings.TrimRight(seg[:cut], " \t\n")
		if piece == "" {
			piece = seg[:cut]
		}
		out = append(out, byteRange{r.start, r.start + len(piece)})

		next := r.start + cut
		for next < r.end && strings.ContainsRune(" \t\n", rune(text[next])) {
			next++
		}
		r.start = next
	}
	return out
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}
