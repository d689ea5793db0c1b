package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries command-line overrides. Empty fields are ignored.
type ResolveOptions struct {
	ConfigPath    string
	CLILLM        string
	CLIEmbed      string
	CLIDBPath     string
	CLIBackend    string
	CLIVectorDir  string
	CLICollection string
	CLILogLevel   string
}

// ResolvedConfig is every setting with the place it came from.
// Precedence is CLI flag, then environment, then config file, then default.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath         ResolvedValue `json:"db_path"`
	LLMModel       ResolvedValue `json:"llm_model"`
	LLMBaseURL     ResolvedValue `json:"llm_base_url"`
	LLMRate        ResolvedValue `json:"llm_rate_per_second"`
	LLMBurst       ResolvedValue `json:"llm_burst"`
	LLMConcurrency ResolvedValue `json:"llm_concurrency"`
	LLMMaxRetries  ResolvedValue `json:"llm_max_retries"`

	EmbedModel    ResolvedValue `json:"embed_model"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`
	EmbedDims     ResolvedValue `json:"embed_dims"`

	VectorBackend ResolvedValue `json:"vector_backend"`
	VectorDir     ResolvedValue `json:"vector_dir"`
	WeaviateURL   ResolvedValue `json:"weaviate_url"`
	Collection    ResolvedValue `json:"collection"`
	CollapseScope ResolvedValue `json:"collapse_scope"`

	Stage1Temperature    ResolvedValue `json:"stage1_temperature"`
	Stage1MaxTokens      ResolvedValue `json:"stage1_max_tokens"`
	Stage1Concurrency    ResolvedValue `json:"stage1_concurrency"`
	Stage1RepairAttempts ResolvedValue `json:"stage1_repair_attempts"`
	Stage1Timeout        ResolvedValue `json:"stage1_timeout"`
	Stage1SoftWarning    ResolvedValue `json:"stage1_claims_soft_warning"`
	Stage1HardLimit      ResolvedValue `json:"stage1_claims_hard_limit"`
	Stage1CheckNames     ResolvedValue `json:"stage1_check_names"`

	Stage2Temperature ResolvedValue `json:"stage2_temperature"`
	Stage2MaxTokens   ResolvedValue `json:"stage2_max_tokens"`
	Stage2Concurrency ResolvedValue `json:"stage2_concurrency"`
	Stage2Timeout     ResolvedValue `json:"stage2_timeout"`

	LogLevel    ResolvedValue `json:"log_level"`
	LogFormat   ResolvedValue `json:"log_format"`
	MetricsAddr ResolvedValue `json:"metrics_addr"`

	LLMKeys map[string]ResolvedValue `json:"llm_keys,omitempty"`
}

// Numbers are read as strings so every setting keeps one provenance shape.
type fileConfig struct {
	DBPath string `yaml:"db_path"`
	LLM    struct {
		Model       string `yaml:"model"`
		BaseURL     string `yaml:"base_url"`
		APIKey      string `yaml:"api_key"`
		Rate        string `yaml:"rate_per_second"`
		Burst       string `yaml:"burst"`
		Concurrency string `yaml:"concurrency"`
		MaxRetries  string `yaml:"max_retries"`
	} `yaml:"llm"`
	Embed struct {
		Model    string `yaml:"model"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
		Dims     string `yaml:"dims"`
	} `yaml:"embed"`
	Vector struct {
		Backend     string `yaml:"backend"`
		Dir         string `yaml:"dir"`
		WeaviateURL string `yaml:"weaviate_url"`
		Collection  string `yaml:"collection"`
		Collapse    string `yaml:"collapse"`
	} `yaml:"vector"`
	Stage1 struct {
		Temperature    string `yaml:"temperature"`
		MaxTokens      string `yaml:"max_tokens"`
		Concurrency    string `yaml:"concurrency"`
		RepairAttempts string `yaml:"repair_attempts"`
		Timeout        string `yaml:"timeout"`
		SoftWarning    string `yaml:"claims_soft_warning"`
		HardLimit      string `yaml:"claims_hard_limit"`
		CheckNames     string `yaml:"check_names"`
	} `yaml:"stage1"`
	Stage2 struct {
		Temperature string `yaml:"temperature"`
		MaxTokens   string `yaml:"max_tokens"`
		Concurrency string `yaml:"concurrency"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"stage2"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	MetricsAddr string `yaml:"metrics_addr"`
}

const (
	DefaultLLMModel   = "google/gemini-2.5-flash"
	DefaultEmbedModel = "ollama/nomic-embed-text"
	DefaultBackend    = "hnsw"
	DefaultCollection = "claim_cards"
	DefaultCollapse   = "chunk"
)

func DefaultHome() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claimledger")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultHome(), "config.yaml")
}

// binding ties one setting to its file value, env var and default.
type binding struct {
	dst  *ResolvedValue
	file string
	env  string
	def  string
}

func (out *ResolvedConfig) bindings(cfg *fileConfig) []binding {
	if cfg == nil {
		cfg = &fileConfig{}
	}
	home := DefaultHome()
	return []binding{
		{&out.DBPath, cfg.DBPath, "CLAIMLEDGER_DB", filepath.Join(home, "ledger.db")},
		{&out.LLMModel, cfg.LLM.Model, "CLAIMLEDGER_LLM", DefaultLLMModel},
		{&out.LLMBaseURL, cfg.LLM.BaseURL, "CLAIMLEDGER_LLM_BASE_URL", ""},
		{&out.LLMRate, cfg.LLM.Rate, "CLAIMLEDGER_LLM_RPS", ""},
		{&out.LLMBurst, cfg.LLM.Burst, "CLAIMLEDGER_LLM_BURST", ""},
		{&out.LLMConcurrency, cfg.LLM.Concurrency, "CLAIMLEDGER_LLM_CONCURRENCY", "4"},
		{&out.LLMMaxRetries, cfg.LLM.MaxRetries, "CLAIMLEDGER_LLM_MAX_RETRIES", "2"},

		{&out.EmbedModel, cfg.Embed.Model, "CLAIMLEDGER_EMBED", DefaultEmbedModel},
		{&out.EmbedAPIKey, cfg.Embed.APIKey, "CLAIMLEDGER_EMBED_API_KEY", ""},
		{&out.EmbedEndpoint, cfg.Embed.Endpoint, "CLAIMLEDGER_EMBED_ENDPOINT", ""},
		{&out.EmbedDims, cfg.Embed.Dims, "CLAIMLEDGER_EMBED_DIMS", ""},

		{&out.VectorBackend, cfg.Vector.Backend, "CLAIMLEDGER_VECTOR_BACKEND", DefaultBackend},
		{&out.VectorDir, cfg.Vector.Dir, "CLAIMLEDGER_VECTOR_DIR", filepath.Join(home, "vectors")},
		{&out.WeaviateURL, cfg.Vector.WeaviateURL, "CLAIMLEDGER_WEAVIATE_URL", "http://localhost:8080"},
		{&out.Collection, cfg.Vector.Collection, "CLAIMLEDGER_COLLECTION", DefaultCollection},
		{&out.CollapseScope, cfg.Vector.Collapse, "CLAIMLEDGER_COLLAPSE", DefaultCollapse},

		{&out.Stage1Temperature, cfg.Stage1.Temperature, "CLAIMLEDGER_STAGE1_TEMPERATURE", ""},
		{&out.Stage1MaxTokens, cfg.Stage1.MaxTokens, "CLAIMLEDGER_STAGE1_MAX_TOKENS", ""},
		{&out.Stage1Concurrency, cfg.Stage1.Concurrency, "CLAIMLEDGER_STAGE1_CONCURRENCY", ""},
		{&out.Stage1RepairAttempts, cfg.Stage1.RepairAttempts, "CLAIMLEDGER_STAGE1_REPAIR_ATTEMPTS", ""},
		{&out.Stage1Timeout, cfg.Stage1.Timeout, "CLAIMLEDGER_STAGE1_TIMEOUT", ""},
		{&out.Stage1SoftWarning, cfg.Stage1.SoftWarning, "CLAIMLEDGER_STAGE1_CLAIMS_SOFT_WARNING", ""},
		{&out.Stage1HardLimit, cfg.Stage1.HardLimit, "CLAIMLEDGER_STAGE1_CLAIMS_HARD_LIMIT", ""},
		{&out.Stage1CheckNames, cfg.Stage1.CheckNames, "CLAIMLEDGER_STAGE1_CHECK_NAMES", ""},

		{&out.Stage2Temperature, cfg.Stage2.Temperature, "CLAIMLEDGER_STAGE2_TEMPERATURE", ""},
		{&out.Stage2MaxTokens, cfg.Stage2.MaxTokens, "CLAIMLEDGER_STAGE2_MAX_TOKENS", ""},
		{&out.Stage2Concurrency, cfg.Stage2.Concurrency, "CLAIMLEDGER_STAGE2_CONCURRENCY", ""},
		{&out.Stage2Timeout, cfg.Stage2.Timeout, "CLAIMLEDGER_STAGE2_TIMEOUT", ""},

		{&out.LogLevel, cfg.Log.Level, "CLAIMLEDGER_LOG_LEVEL", "info"},
		{&out.LogFormat, cfg.Log.Format, "CLAIMLEDGER_LOG_FORMAT", "text"},
		{&out.MetricsAddr, cfg.MetricsAddr, "CLAIMLEDGER_METRICS_ADDR", ""},
	}
}

func Resolve(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		LLMKeys:    map[string]ResolvedValue{},
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	for _, b := range out.bindings(cfg) {
		apply(b.dst, b.def, SourceDefault, "built-in default")
		apply(b.dst, b.file, SourceConfig, path)
		applyEnv(b.dst, b.env)
	}

	if cfg != nil {
		if key := strings.TrimSpace(cfg.LLM.APIKey); key != "" {
			provider := providerOf(cfg.LLM.Model)
			if provider == "" {
				provider = "default"
			}
			out.LLMKeys[provider] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
	}

	for env, provider := range map[string]string{
		"OPENROUTER_API_KEY": "openrouter",
		"OPENAI_API_KEY":     "openai",
		"GEMINI_API_KEY":     "google",
		"GOOGLE_API_KEY":     "google",
		"DEEPSEEK_API_KEY":   "deepseek",
		"LLM_API_KEY":        "custom",
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.LLMKeys[provider] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}

	apply(&out.LLMModel, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.EmbedModel, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.VectorBackend, opts.CLIBackend, SourceCLI, "--vector-backend")
	apply(&out.VectorDir, opts.CLIVectorDir, SourceCLI, "--vector-dir")
	apply(&out.Collection, opts.CLICollection, SourceCLI, "--collection")
	apply(&out.LogLevel, opts.CLILogLevel, SourceCLI, "--log-level")

	out.DBPath.Value = expandUserPath(out.DBPath.Value)
	out.VectorDir.Value = expandUserPath(out.VectorDir.Value)

	return out, nil
}

func (r ResolvedConfig) APIKeyForProvider(providerOrModel string) ResolvedValue {
	provider := providerOf(providerOrModel)
	if provider == "" {
		return ResolvedValue{}
	}
	if v, ok := r.LLMKeys[provider]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	if v, ok := r.LLMKeys["default"]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{}
}

// Setting is one named entry of Settings.
type Setting struct {
	Key string `json:"key"`
	ResolvedValue
}

// Settings lists every resolved value in file order, secrets masked.
func (r ResolvedConfig) Settings() []Setting {
	out := []Setting{}
	for _, b := range r.bindings(nil) {
		out = append(out, Setting{Key: settingKey(b.env), ResolvedValue: *b.dst})
	}
	for i := range out {
		if out[i].Key == "embed_api_key" {
			out[i].Value = mask(out[i].Value)
		}
	}
	providers := make([]string, 0, len(r.LLMKeys))
	for p := range r.LLMKeys {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		v := r.LLMKeys[p]
		v.Value = mask(v.Value)
		out = append(out, Setting{Key: "llm_key." + p, ResolvedValue: v})
	}
	return out
}

func settingKey(env string) string {
	return strings.ToLower(strings.TrimPrefix(env, "CLAIMLEDGER_"))
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-2:]
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
