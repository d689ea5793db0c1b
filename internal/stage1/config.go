package stage1

import (
	"log/slog"
	"time"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
)

// ExtractorVersion must be bumped whenever text normalization or the
// signature formula changes, so old cache entries stop matching.
const ExtractorVersion = "3.0.0"

const (
	DefaultTemperature       = 0.1
	DefaultMaxTokens         = 4096
	DefaultConcurrency       = 4
	DefaultRepairAttempts    = 1
	DefaultTimeout           = 240 * time.Second
	DefaultClaimsSoftWarning = 50
	DefaultClaimsHardLimit   = 200
)

// Config controls one extraction run.
type Config struct {
	PromptVersion    string
	ExtractorVersion string
	// ModelID is the "provider/model" identity recorded in signatures.
	ModelID string

	Temperature float64
	MaxTokens   int
	Concurrency int
	// RepairAttempts is the number of repair prompts per chunk; 0 disables repair.
	RepairAttempts int
	Timeout        time.Duration

	ClaimsSoftWarning int
	ClaimsHardLimit   int

	// CheckNames adds the ACTOR/OBJECT name-in-evidence warning validator.
	CheckNames bool
	// ForceNonce makes every signature of the run new, bypassing the cache.
	ForceNonce string

	Logger *slog.Logger
}

// DefaultConfig returns the production defaults for modelID.
func DefaultConfig(modelID string) Config {
	return Config{
		PromptVersion:     claims.PromptVersionV4,
		ExtractorVersion:  ExtractorVersion,
		ModelID:           modelID,
		Temperature:       DefaultTemperature,
		MaxTokens:         DefaultMaxTokens,
		Concurrency:       DefaultConcurrency,
		RepairAttempts:    DefaultRepairAttempts,
		Timeout:           DefaultTimeout,
		ClaimsSoftWarning: DefaultClaimsSoftWarning,
		ClaimsHardLimit:   DefaultClaimsHardLimit,
	}
}

func (c Config) withDefaults() Config {
	if c.PromptVersion == "" {
		c.PromptVersion = claims.PromptVersionV4
	}
	if c.ExtractorVersion == "" {
		c.ExtractorVersion = ExtractorVersion
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RepairAttempts < 0 {
		c.RepairAttempts = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ClaimsSoftWarning <= 0 {
		c.ClaimsSoftWarning = DefaultClaimsSoftWarning
	}
	if c.ClaimsHardLimit <= 0 {
		c.ClaimsHardLimit = DefaultClaimsHardLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ParamsFingerprint is the generation-parameter part of the signature.
func (c Config) ParamsFingerprint() string {
	return store.ParamsFingerprint(c.Temperature, c.MaxTokens)
}

// Signature returns the cache key for a chunk with the given content hash.
func (c Config) Signature(contentHash string) string {
	return store.SignatureHash(store.SignatureInput{
		ContentHash:       contentHash,
		PromptVersion:     c.PromptVersion,
		ExtractorVersion:  c.ExtractorVersion,
		ModelID:           c.ModelID,
		ParamsFingerprint: c.ParamsFingerprint(),
		ForceNonce:        c.ForceNonce,
	})
}

// snapshot is the run's config_json.
type snapshot struct {
	PromptVersion     string  `json:"prompt_version"`
	ExtractorVersion  string  `json:"extractor_version"`
	ModelID           string  `json:"model_id"`
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
	Concurrency       int     `json:"concurrency"`
	RepairAttempts    int     `json:"repair_attempts"`
	TimeoutSeconds    float64 `json:"timeout_s"`
	ClaimsSoftWarning int     `json:"claims_soft_warning"`
	ClaimsHardLimit   int     `json:"claims_hard_limit"`
	CheckNames        bool    `json:"check_names"`
	ForceNonce        string  `json:"force_nonce,omitempty"`
	PendingOnly       bool    `json:"pending_only"`
	ChunkIDs          []int64 `json:"chunk_ids,omitempty"`
}

func (c Config) snapshot(opts Options) snapshot {
	return snapshot{
		PromptVersion:     c.PromptVersion,
		ExtractorVersion:  c.ExtractorVersion,
		ModelID:           c.ModelID,
		Temperature:       c.Temperature,
		MaxTokens:         c.MaxTokens,
		Concurrency:       c.Concurrency,
		RepairAttempts:    c.RepairAttempts,
		TimeoutSeconds:    c.Timeout.Seconds(),
		ClaimsSoftWarning: c.ClaimsSoftWarning,
		ClaimsHardLimit:   c.ClaimsHardLimit,
		CheckNames:        c.CheckNames,
		ForceNonce:        c.ForceNonce,
		PendingOnly:       opts.PendingOnly,
		ChunkIDs:          opts.ChunkIDs,
	}
}
