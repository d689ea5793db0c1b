package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/embed"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/indexer"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/logging"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/stage1"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/stage2"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/vectorindex"
)

// Stage1 returns the extraction engine config with resolved overrides.
func (r ResolvedConfig) Stage1() (stage1.Config, error) {
	cfg := stage1.DefaultConfig(r.modelID())
	var err error
	if cfg.Temperature, err = floatValue("stage1_temperature", r.Stage1Temperature, cfg.Temperature); err != nil {
		return cfg, err
	}
	if cfg.MaxTokens, err = intValue("stage1_max_tokens", r.Stage1MaxTokens, cfg.MaxTokens); err != nil {
		return cfg, err
	}
	if cfg.Concurrency, err = intValue("stage1_concurrency", r.Stage1Concurrency, cfg.Concurrency); err != nil {
		return cfg, err
	}
	if cfg.RepairAttempts, err = intValue("stage1_repair_attempts", r.Stage1RepairAttempts, cfg.RepairAttempts); err != nil {
		return cfg, err
	}
	if cfg.Timeout, err = durationValue("stage1_timeout", r.Stage1Timeout, cfg.Timeout); err != nil {
		return cfg, err
	}
	if cfg.ClaimsSoftWarning, err = intValue("stage1_claims_soft_warning", r.Stage1SoftWarning, cfg.ClaimsSoftWarning); err != nil {
		return cfg, err
	}
	if cfg.ClaimsHardLimit, err = intValue("stage1_claims_hard_limit", r.Stage1HardLimit, cfg.ClaimsHardLimit); err != nil {
		return cfg, err
	}
	if cfg.CheckNames, err = boolValue("stage1_check_names", r.Stage1CheckNames, cfg.CheckNames); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Stage2 returns the normalization runner config with resolved overrides.
func (r ResolvedConfig) Stage2() (stage2.Config, error) {
	cfg := stage2.DefaultConfig(r.modelID())
	cfg.Collection = r.Collection.Value
	var err error
	if cfg.Temperature, err = floatValue("stage2_temperature", r.Stage2Temperature, cfg.Temperature); err != nil {
		return cfg, err
	}
	if cfg.MaxTokens, err = intValue("stage2_max_tokens", r.Stage2MaxTokens, cfg.MaxTokens); err != nil {
		return cfg, err
	}
	if cfg.Concurrency, err = intValue("stage2_concurrency", r.Stage2Concurrency, cfg.Concurrency); err != nil {
		return cfg, err
	}
	if cfg.Timeout, err = durationValue("stage2_timeout", r.Stage2Timeout, cfg.Timeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// modelID is the "provider/model" identity recorded in signatures and runs.
func (r ResolvedConfig) modelID() string {
	if cfg, err := llm.ParseLLMFlag(r.LLMModel.Value); err == nil {
		return cfg.ModelID()
	}
	return r.LLMModel.Value
}

// LLM returns the provider config for the resolved model and key.
func (r ResolvedConfig) LLM() (llm.Config, error) {
	cfg, err := llm.ParseLLMFlag(r.LLMModel.Value)
	if err != nil {
		return cfg, err
	}
	cfg.APIKey = r.APIKeyForProvider(cfg.Provider).Value
	cfg.BaseURL = r.LLMBaseURL.Value
	return cfg, nil
}

// LLMService returns the call discipline wrapped around the provider.
func (r ResolvedConfig) LLMService() (llm.ServiceConfig, error) {
	var (
		cfg llm.ServiceConfig
		err error
	)
	if cfg.RatePerSecond, err = floatValue("llm_rate_per_second", r.LLMRate, 0); err != nil {
		return cfg, err
	}
	if cfg.Burst, err = intValue("llm_burst", r.LLMBurst, 0); err != nil {
		return cfg, err
	}
	if cfg.MaxConcurrent, err = intValue("llm_concurrency", r.LLMConcurrency, 0); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = intValue("llm_max_retries", r.LLMMaxRetries, 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Embed returns the embedding provider config.
func (r ResolvedConfig) Embed() (*embed.EmbedConfig, error) {
	cfg, err := embed.ParseEmbedFlag(r.EmbedModel.Value)
	if err != nil {
		return nil, err
	}
	if v := r.EmbedEndpoint.Value; v != "" {
		cfg.BaseURL = v
	}
	if v := r.EmbedAPIKey.Value; v != "" {
		cfg.APIKey = v
	}
	if cfg.Dimensions, err = intValue("embed_dims", r.EmbedDims, cfg.Dimensions); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Vector returns the vector index backend config.
func (r ResolvedConfig) Vector() vectorindex.Config {
	return vectorindex.Config{
		Backend:     r.VectorBackend.Value,
		Dir:         r.VectorDir.Value,
		WeaviateURL: r.WeaviateURL.Value,
	}
}

// Indexer returns the claim indexer config.
func (r ResolvedConfig) Indexer() (indexer.Config, error) {
	scope, err := indexer.ParseCollapseScope(r.CollapseScope.Value)
	if err != nil {
		return indexer.Config{}, fmt.Errorf("collapse_scope: %w", err)
	}
	return indexer.Config{
		Collection: r.Collection.Value,
		BatchSize:  indexer.DefaultBatchSize,
		Collapse:   scope,
	}, nil
}

// Logging returns the logger config.
func (r ResolvedConfig) Logging() logging.Config {
	return logging.Config{Level: r.LogLevel.Value, Format: r.LogFormat.Value}
}

func intValue(key string, v ResolvedValue, def int) (int, error) {
	if v.Value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return def, fmt.Errorf("%s: %q from %s is not an integer", key, v.Value, v.From)
	}
	return n, nil
}

func floatValue(key string, v ResolvedValue, def float64) (float64, error) {
	if v.Value == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %q from %s is not a number", key, v.Value, v.From)
	}
	return f, nil
}

func boolValue(key string, v ResolvedValue, def bool) (bool, error) {
	if v.Value == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v.Value)
	if err != nil {
		return def, fmt.Errorf("%s: %q from %s is not a boolean", key, v.Value, v.From)
	}
	return b, nil
}

// durationValue accepts Go durations ("90s", "2m") or plain seconds.
func durationValue(key string, v ResolvedValue, def time.Duration) (time.Duration, error) {
	if v.Value == "" {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(v.Value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v.Value)
	if err != nil {
		return def, fmt.Errorf("%s: %q from %s is not a duration", key, v.Value, v.From)
	}
	return d, nil
}
