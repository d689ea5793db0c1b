package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
		{"trailing spaces", "a  \t\nb ", "a\nb"},
		{"outer whitespace", "\n\n  a\n\n", "a"},
		{"blank run", "a\n\n\n\n\nb", "a\n\nb"},
		{"nfkc", "ﬁle", "file"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestContentHash_StableUnderNormalization(t *testing.T) {
	assert.Equal(t, ContentHash("hello\r\nworld  "), ContentHash("hello\nworld"))
	assert.NotEqual(t, ContentHash("hello"), ContentHash("hello!"))
	assert.Len(t, ContentHash("x"), 64)
}

func TestParamsFingerprint(t *testing.T) {
	assert.Equal(t, "T0.1_M4096", ParamsFingerprint(0.1, 4096))
	assert.Equal(t, "T0.0_M2048", ParamsFingerprint(0, 2048))
	assert.Equal(t, "T1.0_M4096", ParamsFingerprint(1, 4096))
	assert.Equal(t, "T0.25_M512", ParamsFingerprint(0.25, 512))
}

func TestSignatureHash(t *testing.T) {
	base := SignatureInput{
		ContentHash:       ContentHash("text"),
		PromptVersion:     "p",
		ExtractorVersion:  "3.0.0",
		ModelID:           "m",
		ParamsFingerprint: "T0.1_M4096",
	}
	assert.Equal(t, SignatureHash(base), SignatureHash(base))

	for _, mutate := range []func(*SignatureInput){
		func(in *SignatureInput) { in.PromptVersion = "p2" },
		func(in *SignatureInput) { in.ExtractorVersion = "3.0.1" },
		func(in *SignatureInput) { in.ModelID = "m2" },
		func(in *SignatureInput) { in.ParamsFingerprint = "T0.0_M4096" },
		func(in *SignatureInput) { in.ForceNonce = "n" },
	} {
		changed := base
		mutate(&changed)
		assert.NotEqual(t, SignatureHash(base), SignatureHash(changed))
	}
}
