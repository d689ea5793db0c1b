package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/mcp"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/pipeline"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the ledger tools over MCP (stdio)",
	Long: `mcp starts a Model Context Protocol server on stdin/stdout exposing
ingest_text, run_stage1_extract, index_claims, run_stage2, get_claims,
get_run and list_runs. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *pipeline.Service) error {
			return mcp.Serve(mcp.NewServer(mcp.ServerConfig{Service: svc, Version: version}))
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Long: `Show every setting with the place it came from.

Configuration hierarchy (highest to lowest priority):
1. CLI flags
2. Environment variables (CLAIMLEDGER_*, provider API keys)
3. Config file (~/.claimledger/config.yaml)
4. Defaults`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		settings := cfg.Settings()
		if globalJSON {
			return printJSON(cmd.OutOrStdout(), settings)
		}
		out := cmd.OutOrStdout()
		if _, err := os.Stat(cfg.ConfigPath); err == nil {
			fmt.Fprintf(out, "Configuration file: %s\n\n", cfg.ConfigPath)
		} else {
			fmt.Fprintf(out, "No configuration file at %s (using defaults)\n\n", cfg.ConfigPath)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
		for _, s := range settings {
			src := string(s.Source)
			if s.From != "" {
				src += " (" + s.From + ")"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Key, s.Value, src)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd, configCmd)
}
