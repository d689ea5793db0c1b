package stage2

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
)

func TestSection(t *testing.T) {
	doc := "# Title\n\n## SYSTEM\nsystem body\nline two\n\n## USER\nuser <CONTEXT PACK>\n"
	assert.Equal(t, "system body\nline two", section(doc, "SYSTEM"))
	assert.Equal(t, "user <CONTEXT PACK>", section(doc, "USER"))
	assert.Empty(t, section(doc, "OTHER"))
}

func TestPromptsPerPass(t *testing.T) {
	pack := &Pack{
		PassKind: claims.TypeObject,
		Seed: Block{
			ClaimID: 7, ClaimType: "OBJECT",
			Fields:   []claims.Field{{Key: "name", Value: "отчёт"}},
			Evidence: []EvidenceItem{{EvidenceID: 1, ChunkID: 2, Snippet: "отчёт"}},
			Excerpt:  "Оператор отправляет отчёт.",
		},
	}

	for _, pass := range PassOrder {
		sys := SystemPrompt(pass)
		assert.Contains(t, sys, "Current pass: "+string(pass))
		assert.Contains(t, sys, "## Output schema")
		assert.Contains(t, sys, "Decision kinds:")
		assert.NotContains(t, sys, "## USER")

		user := UserPrompt(pass, pack)
		assert.NotContains(t, user, packPlaceholder)
		assert.Contains(t, user, "--- Seed ---\ntype: OBJECT\nname: отчёт\nevidence: отчёт\nОператор отправляет отчёт.")
		assert.False(t, strings.Contains(user, "7"), "seed id is never shown")
	}
}
