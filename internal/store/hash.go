package store

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Changing Normalize or SignatureHash changes every cache key. Bump the
// extractor version whenever either one changes.

var excessBlankLines = regexp.MustCompile(`\n{3,}`)

// NormalizeNewlines converts CRLF and lone CR line endings to LF.
func NormalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// Normalize canonicalizes chunk text before hashing: NFKC, LF line endings,
// no trailing whitespace per line, trimmed, and at most one blank line in a row.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = NormalizeNewlines(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	text = strings.TrimSpace(strings.Join(lines, "\n"))

	return excessBlankLines.ReplaceAllString(text, "\n\n")
}

// ContentHash computes the SHA-256 hex digest of the normalized text.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(Normalize(text)))
	return fmt.Sprintf("%x", h)
}

// ParamsFingerprint is the short deterministic form of the generation
// parameters that affect model output, e.g. "T0.1_M4096". The temperature
// always carries a decimal point, so 1 renders as "T1.0".
func ParamsFingerprint(temperature float64, maxTokens int) string {
	t := strconv.FormatFloat(temperature, 'f', -1, 64)
	if !strings.Contains(t, ".") {
		t += ".0"
	}
	return "T" + t + "_M" + strconv.Itoa(maxTokens)
}

// SignatureInput holds every field that feeds the extraction cache key.
type SignatureInput struct {
	ContentHash       string
	PromptVersion     string
	ExtractorVersion  string
	ModelID           string
	ParamsFingerprint string
	// ForceNonce, when set, makes the signature unique even for identical inputs.
	ForceNonce string
}

// SignatureHash computes the cache key of one extraction.
//
// Fields are joined with "|", which none of the fields may contain. The
// force nonce is appended only when non-empty so that signatures without a
// nonce stay stable.
func SignatureHash(in SignatureInput) string {
	parts := []string{
		in.ContentHash,
		in.PromptVersion,
		in.ExtractorVersion,
		in.ModelID,
		in.ParamsFingerprint,
	}
	if in.ForceNonce != "" {
		parts = append(parts, in.ForceNonce)
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", h)
}
