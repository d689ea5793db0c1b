package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/config"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/logging"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/metrics"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/pipeline"
)

var version = "0.1.0-dev"

var (
	globalConfigPath string
	globalDBPath     string
	globalLLM        string
	globalEmbed      string
	globalBackend    string
	globalVectorDir  string
	globalCollection string
	globalLogLevel   string
	globalJSON       bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "claimledger",
	Short: "Claim ledger - evidence-backed claim extraction and normalization",
	Long: `claimledger extracts ACTOR, OBJECT, STATE, ACTION and DENY claims from
document chunks with an LLM, keeps only claims whose evidence is quoted
verbatim, and normalizes them into canonical entries.

Typical flow:
  claimledger ingest notes.md
  claimledger extract notes
  claimledger index <run_id>
  claimledger normalize <run_id>
  claimledger claims <run_id> --status accepted`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalConfigPath, "config", "", "config file (default ~/.claimledger/config.yaml)")
	pf.StringVar(&globalDBPath, "db", "", "ledger database path")
	pf.StringVar(&globalLLM, "llm", "", "LLM as provider/model (e.g. openrouter/google/gemini-2.5-flash)")
	pf.StringVar(&globalEmbed, "embed", "", "embedder as provider/model (e.g. ollama/nomic-embed-text)")
	pf.StringVar(&globalBackend, "vector-backend", "", "vector index backend: hnsw or weaviate")
	pf.StringVar(&globalVectorDir, "vector-dir", "", "directory of the local HNSW index")
	pf.StringVar(&globalCollection, "collection", "", "vector collection name")
	pf.StringVar(&globalLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&globalJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "claimledger %s\n", version)
	},
}

func resolveConfig() (config.ResolvedConfig, error) {
	return config.Resolve(config.ResolveOptions{
		ConfigPath:    globalConfigPath,
		CLILLM:        globalLLM,
		CLIEmbed:      globalEmbed,
		CLIDBPath:     globalDBPath,
		CLIBackend:    globalBackend,
		CLIVectorDir:  globalVectorDir,
		CLICollection: globalCollection,
		CLILogLevel:   globalLogLevel,
	})
}

// withService resolves configuration, installs the logger, starts the
// metrics endpoint when configured and runs fn against an open Service.
// The context is cancelled on SIGINT or SIGTERM.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *pipeline.Service) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.Logging())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	if addr := cfg.MetricsAddr.Value; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, logger); err != nil {
				logger.Error("metrics endpoint failed", "component", "metrics", "error", err)
			}
		}()
	}

	svc, err := pipeline.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			logger.Warn("closing ledger", "error", cerr)
		}
	}()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
