package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/config"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/embed"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/vectorindex"
)

// embedCacheTTL bounds how long repeated card texts reuse a vector.
const embedCacheTTL = 30 * time.Minute

// Open builds a Service from resolved configuration. The ledger is opened
// immediately; providers and the vector index are created on first use so
// read-only commands need no API keys.
func Open(cfg config.ResolvedConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s1, err := cfg.Stage1()
	if err != nil {
		return nil, err
	}
	s2, err := cfg.Stage2()
	if err != nil {
		return nil, err
	}
	ixCfg, err := cfg.Indexer()
	if err != nil {
		return nil, err
	}
	svcCfg, err := cfg.LLMService()
	if err != nil {
		return nil, err
	}
	svcCfg.Logger = logger

	if dir := filepath.Dir(cfg.DBPath.Value); dir != "" && cfg.DBPath.Value != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	st, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	return New(Deps{
		Store: st,
		NewProvider: func(modelID string) (llm.Provider, error) {
			pc, err := cfg.LLM()
			if err != nil {
				return nil, err
			}
			if modelID != "" {
				override, err := llm.ParseLLMFlag(modelID)
				if err != nil {
					return nil, err
				}
				if override.Provider != pc.Provider {
					override.APIKey = cfg.APIKeyForProvider(override.Provider).Value
				} else {
					override.APIKey, override.BaseURL = pc.APIKey, pc.BaseURL
				}
				pc = override
			}
			p, err := llm.NewProvider(pc)
			if err != nil {
				return nil, err
			}
			return llm.NewService(p, svcCfg), nil
		},
		NewEmbedder: func() (embed.Embedder, error) {
			ec, err := cfg.Embed()
			if err != nil {
				return nil, err
			}
			e, err := embed.New(ec)
			if err != nil {
				return nil, err
			}
			return embed.NewCached(e, embedCacheTTL), nil
		},
		NewIndex: func() (vectorindex.Index, error) {
			return vectorindex.Open(cfg.Vector())
		},
		Stage1:  s1,
		Stage2:  s2,
		Indexer: ixCfg,
		Logger:  logger,
	})
}
