package stage2

import (
	"embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
)

//go:embed prompts/*.md
var promptFS embed.FS

// PromptVersion identifies the embedded prompt set in audit rows.
const PromptVersion = "stage2_normalize_v1"

const packPlaceholder = "<CONTEXT PACK>"

var passPromptFiles = map[claims.ClaimType]string{
	claims.TypeActor:  "actor_resolution.md",
	claims.TypeObject: "object_resolution.md",
	claims.TypeState:  "state_resolution.md",
	claims.TypeAction: "action_resolution.md",
}

func readPrompt(name string) string {
	b, err := promptFS.ReadFile("prompts/" + name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// section returns the body of "## header" up to the next level-2 heading.
func section(content, header string) string {
	marker := "## " + header
	idx := strings.Index(content, marker)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimLeft(content[idx+len(marker):], " \t\r\n")
	if next := strings.Index(rest, "\n## "); next >= 0 {
		rest = rest[:next]
	}
	return strings.TrimSpace(rest)
}

// SystemPrompt is the shared rules, the pass rules and the output schema.
func SystemPrompt(pass claims.ClaimType) string {
	parts := []string{readPrompt("common_instructions.md")}
	if s := section(readPrompt(passPromptFiles[pass]), "SYSTEM"); s != "" {
		parts = append(parts, s)
	}
	if schema := readPrompt("output_schema.md"); schema != "" {
		parts = append(parts, "## Output schema\n\n"+schema)
	}
	return strings.Join(parts, "\n\n")
}

// UserPrompt renders the pass's USER section around the pack.
func UserPrompt(pass claims.ClaimType, p *Pack) string {
	text := RenderPack(p)
	user := section(readPrompt(passPromptFiles[pass]), "USER")
	if user == "" {
		return text
	}
	return strings.Replace(user, packPlaceholder, text, 1)
}

// Messages builds the system and user messages for one seed.
func Messages(pass claims.ClaimType, p *Pack) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: SystemPrompt(pass)},
		{Role: llm.RoleUser, Content: UserPrompt(pass, p)},
	}
}

// RenderPack renders a pack as labeled plain-text blocks. Only the closest
// canonical block shows a claim id.
func RenderPack(p *Pack) string {
	var b strings.Builder
	b.WriteString("--- Seed ---\n")
	writeBlock(&b, p.Seed)

	if p.ClosestCanonical != nil {
		b.WriteString("\n--- Closest canonical (same type, already accepted) ---\n")
		b.WriteString("canonical_claim_id: " + strconv.FormatInt(p.ClosestCanonical.ClaimID, 10) + "\n")
		writeBlock(&b, *p.ClosestCanonical)
	}

	if len(p.SameType) > 0 {
		b.WriteString("\n--- Same-type neighbors ---\n")
		for i, blk := range p.SameType {
			fmt.Fprintf(&b, "\n--- Neighbor %d ---\n", i+1)
			writeBlock(&b, blk)
		}
	}

	for _, t := range claims.AllTypes {
		blocks := p.CrossType[t]
		if len(blocks) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- Cross-type %s ---\n", t)
		for i, blk := range blocks {
			fmt.Fprintf(&b, "\n--- %s %d ---\n", t, i+1)
			writeBlock(&b, blk)
		}
	}
	return strings.TrimSpace(b.String())
}

func writeBlock(b *strings.Builder, blk Block) {
	b.WriteString("type: " + blk.ClaimType + "\n")
	for _, f := range blk.Fields {
		if v := strings.TrimSpace(f.Value); v != "" {
			b.WriteString(f.Key + ": " + v + "\n")
		}
	}
	var snippets []string
	for _, ev := range blk.Evidence {
		if ev.Snippet != "" {
			snippets = append(snippets, ev.Snippet)
		}
	}
	b.WriteString("evidence:")
	if len(snippets) > 0 {
		b.WriteString(" " + strings.Join(snippets, " | "))
	}
	b.WriteString("\n")
	if blk.Excerpt != "" {
		b.WriteString(blk.Excerpt + "\n")
	}
}
