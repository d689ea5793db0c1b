package claims

import (
	"fmt"
	"strings"
)

// PromptVersionV4 is the minimal explicit-only extraction contract.
const PromptVersionV4 = "chunk_claims_extract_v4_minimal_explicit"

const (
	// RepairHeadChars and RepairTailChars bound how much raw output a repair
	// prompt carries.
	RepairHeadChars = 2000
	RepairTailChars = 10000
	// RepairChunkChars bounds the chunk text quoted in a repair prompt.
	RepairChunkChars = 4000

	truncationMarker = "\n\n... [truncated] ...\n\n"
)

const extractSystemV4 = `You extract claims from one chunk of a document. Reply with a single JSON object and nothing else.

Rules:
1. JSON only. No markdown fences, no commentary.
2. Only what the text states outright. epistemic_tag is always "EXPLICIT"; never guess or infer.
3. Each claim carries an "evidence" array with at least one item. Every snippet is copied character for character from the chunk, at most 300 characters.
4. When the chunk is a bullet list, emit exactly one ACTION per bullet line.
5. Emit STATE only when the chunk lists state labels by name. Emit DENY only for an explicit prohibition or negation ("must not", "cannot", "is not allowed", "нельзя", "запрещено").
6. Use only the fields shown below. No descriptions, kinds or any other keys inside "value".

Top-level object:
{
  "prompt_version": "%[1]s",
  "chunk_id": "<the chunk_id you were given>",
  "claims": [ ... ],
  "warnings": []
}

Claim:
{ "type": "<TYPE>", "epistemic_tag": "EXPLICIT", "confidence": null, "value": { ... }, "evidence": [ { "snippet": "<verbatim quote>", "chunk_ref": { "chunk_id": "<same chunk_id>" } } ] }

Value shapes:
ACTOR:  { "name": "<role or system, singular>" }
OBJECT: { "name": "<business object, singular>" }
STATE:  { "object_name": "<object>", "state": "<state label>" }
ACTION: { "actor": "<actor>", "verb": "<verb as written>", "object": "<object>", "qualifiers": ["<optional>"] }
DENY:   { "actor": "<actor>", "verb": "<verb>", "object": "<object>", "reason": "<optional or null>" }

Keep names in the language of the chunk. List claims in the order ACTOR, OBJECT, STATE, ACTION, DENY.`

const extractUserV4 = `chunk_id: %[1]s

CHUNK TEXT:
---
%[2]s
---

Output ONLY the JSON object. Set prompt_version to "%[3]s" and chunk_id to the value above.`

const repairSystemV4 = `You repair broken claim extraction output. Reply with the corrected JSON object only, no markdown.

- prompt_version is "%[1]s".
- epistemic_tag is "EXPLICIT" on every claim.
- Every claim has at least one evidence item whose snippet is a verbatim quote of the chunk (at most 300 characters) with a chunk_ref.
- A claim with missing or empty evidence gets exactly one short verbatim quote from the chunk text.
- ACTOR and OBJECT values hold only "name". STATE holds "object_name" and "state". ACTION holds "actor", "verb", "object" and a "qualifiers" array. DENY holds "actor", "verb", "object" and "reason".`

const repairUserV4 = `The raw extraction output (possibly truncated) was:

---
%[1]s
---
%[2]s
Repair it into valid JSON. Add one verbatim evidence snippet from the chunk text to every claim that has none, with "chunk_ref": { "chunk_id": "<top-level chunk_id>" }. Every value must use the shapes above. Output ONLY the JSON object.`

// Prompt is a system/user message pair.
type Prompt struct {
	System string
	User   string
}

// ExtractPromptV4 builds the extraction prompt for one chunk.
func ExtractPromptV4(chunkID, chunkText string) Prompt {
	return Prompt{
		System: fmt.Sprintf(extractSystemV4, PromptVersionV4),
		User:   fmt.Sprintf(extractUserV4, chunkID, chunkText, PromptVersionV4),
	}
}

// RepairPromptV4 builds the repair prompt. Raw output longer than the head
// and tail windows is clipped around a truncation marker, and the chunk text
// is clipped to RepairChunkChars.
func RepairPromptV4(rawOutput, chunkText string) Prompt {
	clipped, truncated := ClipHeadTail(rawOutput, RepairHeadChars, RepairTailChars)

	system := fmt.Sprintf(repairSystemV4, PromptVersionV4)
	if truncated {
		system += " (Output was truncated for repair.)"
	}

	var chunkBlock string
	if chunkText != "" {
		chunkBlock = "\nCHUNK TEXT (quote evidence from here):\n---\n" +
			TruncateRunes(chunkText, RepairChunkChars) + "\n---\n\n"
	}
	return Prompt{System: system, User: fmt.Sprintf(repairUserV4, clipped, chunkBlock)}
}

// ClipHeadTail keeps the first head and last tail characters of s.
func ClipHeadTail(s string, head, tail int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= head+tail {
		return s, false
	}
	var b strings.Builder
	b.WriteString(string(runes[:head]))
	b.WriteString(truncationMarker)
	b.WriteString(string(runes[len(runes)-tail:]))
	return b.String(), true
}
