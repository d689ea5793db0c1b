package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/pipeline"
)

var (
	claimsType   string
	claimsStatus string
)

var claimsCmd = &cobra.Command{
	Use:   "claims <run_id>",
	Short: "List the claims of a Stage 1 run with their evidence",
	Long: `Claims lists every claim of a Stage 1 run, including claims reused from
cached extractions, ordered by chunk then id.

Example:
  claimledger claims 3 --type actor --status accepted
  claimledger claims 3 --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *pipeline.Service) error {
			list, err := svc.Claims(ctx, runID, pipeline.ClaimQuery{ClaimType: claimsType, ReviewStatus: claimsStatus})
			if err != nil {
				return err
			}
			if globalJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No claims.")
				return nil
			}
			for _, c := range list {
				fmt.Fprintf(out, "#%d [%s] %s %s (chunk %d)\n", c.ClaimID, c.ReviewStatus, c.ClaimType, string(c.Value), c.ChunkID)
				if c.SupersededBy != nil {
					fmt.Fprintf(out, "    superseded by #%d\n", *c.SupersededBy)
				}
				for _, e := range c.Evidence {
					fmt.Fprintf(out, "    > %s\n", e.Snippet)
				}
			}
			return nil
		})
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs <document_id>",
	Short: "List the runs of a document, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *pipeline.Service) error {
			runs, err := svc.Runs(ctx, args[0])
			if err != nil {
				return err
			}
			if globalJSON {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No runs for %s.\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tMODEL\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.RunID, r.Kind, r.Status, r.ModelID, r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <run_id>",
	Short: "Show one run with its stats and chunk outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *pipeline.Service) error {
			r, err := svc.Run(ctx, runID)
			if err != nil {
				return err
			}
			if globalJSON {
				return printJSON(cmd.OutOrStdout(), r)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %d (%s) for %s: %s\n", r.RunID, r.Kind, r.DocumentID, r.Status)
			fmt.Fprintf(out, "  model:     %s\n", r.ModelID)
			if r.PromptVersion != "" {
				fmt.Fprintf(out, "  prompt:    %s / %s\n", r.PromptVersion, r.ExtractorVersion)
			}
			if len(r.ChunkStatus) > 0 {
				parts := make([]string, 0, len(r.ChunkStatus))
				for _, s := range []string{"SUCCESS", "SUCCESS_WITH_WARNINGS", "CACHED", "FAILED", "PENDING"} {
					if n := r.ChunkStatus[s]; n > 0 {
						parts = append(parts, fmt.Sprintf("%s=%d", s, n))
					}
				}
				fmt.Fprintf(out, "  chunks:    %s\n", strings.Join(parts, " "))
			}
			fmt.Fprintf(out, "  llm calls: %d\n", r.LLMCalls)
			if len(r.Stats) > 0 {
				fmt.Fprintf(out, "  stats:     %s\n", string(r.Stats))
			}
			if r.ErrorSummary != "" {
				fmt.Fprintf(out, "  errors:    %s\n", r.ErrorSummary)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(claimsCmd, runsCmd, runCmd)

	claimsCmd.Flags().StringVar(&claimsType, "type", "", "filter by claim type (actor, object, state, action, deny)")
	claimsCmd.Flags().StringVar(&claimsStatus, "status", "", "filter by review status (unreviewed, accepted, rejected, superseded)")
}
