package claims

import (
	"fmt"
	"sort"
	"sync"
)

// Parser is everything Stage 1 needs for one prompt version.
type Parser struct {
	PromptVersion  string
	Extract        func(chunkID, chunkText string) Prompt
	Repair         func(rawOutput, chunkText string) Prompt
	Parse          func(raw, chunkID string) (*Result, error)
	PostValidators []PostValidator
}

// Run parses raw output and applies every post validator, appending their
// warnings to the result.
func (p *Parser) Run(raw, chunkID, chunkText string) (*Result, error) {
	res, err := p.Parse(raw, chunkID)
	if err != nil {
		return nil, err
	}
	res.Parsed = len(res.Claims)
	for _, validate := range p.PostValidators {
		res.Warnings = append(res.Warnings, validate(res, chunkText)...)
	}
	return res, nil
}

var (
	registryMu sync.RWMutex
	registry   = map[string]*Parser{}
)

// Register adds or replaces the parser for p.PromptVersion.
func Register(p *Parser) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.PromptVersion] = p
}

// Lookup returns the parser registered for promptVersion.
func Lookup(promptVersion string) (*Parser, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[promptVersion]
	if !ok {
		return nil, fmt.Errorf("unknown prompt version %q", promptVersion)
	}
	return p, nil
}

// PromptVersions lists the registered prompt versions.
func PromptVersions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for v := range registry {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(&Parser{
		PromptVersion: PromptVersionV4,
		Extract:       ExtractPromptV4,
		Repair:        RepairPromptV4,
		Parse: func(raw, chunkID string) (*Result, error) {
			return Parse(raw, chunkID, PromptVersionV4)
		},
		PostValidators: []PostValidator{ValidateEvidenceSubstrings},
	})
}
