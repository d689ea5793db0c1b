package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/ingest"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/pipeline"
)

var (
	ingestDocumentID string
	ingestMaxChars   int
	ingestDryRun     bool

	extractChunkIDs    []int64
	extractPendingOnly bool
	extractForceNonce  string

	normalizeModel string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Split a text or Markdown file into chunks",
	Long: `Ingest splits a file into paragraph-bounded chunks and stores them under
a document id (the file name without extension unless --document-id is set).
Re-ingesting updates chunks by index; chunks past the new count are reported
as stale and left in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		docID := ingestDocumentID
		if docID == "" {
			docID = ingest.DocumentID(path)
		}
		return withService(cmd, func(ctx context.Context, svc *pipeline.Service) error {
			res, err := svc.Ingest(ctx, docID, path, ingest.Options{MaxChars: ingestMaxChars, DryRun: ingestDryRun})
			if err != nil {
				return err
			}
			if globalJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			if ingestDryRun {
				fmt.Fprintln(out, "Dry run: no changes written")
			}
			fmt.Fprintf(out, "Document %s: %d chunks (%d new, %d updated, %d unchanged",
				res.DocumentID, res.Chunks, res.ChunksNew, res.ChunksUpdated, res.ChunksUnchanged)
			if res.ChunksStale > 0 {
				fmt.Fprintf(out, ", %d stale", res.ChunksStale)
			}
			fmt.Fprintln(out, ")")
			return nil
		})
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract <document_id>",
	Short: "Run Stage 1 claim extraction over a document",
	Long: `Extract sends each chunk of a document to the configured LLM and stores
the claims whose evidence appears verbatim in the chunk. Chunks already
extracted with the same model, prompt and text are served from the cache.

Example:
  claimledger extract notes
  claimledger extract notes --chunk-ids 3,4 --force-nonce retry-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *pipeline.Service) error {
			res, err := svc.Extract(ctx, pipeline.ExtractRequest{
				DocumentID:  args[0],
				ChunkIDs:    extractChunkIDs,
				PendingOnly: extractPendingOnly,
				ForceNonce:  extractForceNonce,
			})
			if err != nil {
				return err
			}
			if globalJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			s := res.Stats
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %d: %s\n", res.RunID, res.Status)
			fmt.Fprintf(out, "  chunks:  %d total, %d cached, %d ok, %d with warnings, %d failed, %d skipped\n",
				s.ChunksTotal, s.ChunksCached, s.ChunksSucceeded, s.ChunksWithWarnings, s.ChunksFailed, s.ChunksSkipped)
			fmt.Fprintf(out, "  claims:  %d\n", s.ClaimsTotal)
			if res.ErrorSummary != "" {
				fmt.Fprintf(out, "  errors:  %s\n", res.ErrorSummary)
			}
			return nil
		})
	},
}

var indexCmd = &cobra.Command{
	Use:   "index <run_id>",
	Short: "Embed and index the claims of a Stage 1 run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *pipeline.Service) error {
			stats, err := svc.IndexClaims(ctx, runID)
			if err != nil {
				return err
			}
			if globalJSON {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d of %d claims (%d collapsed, %d failed)\n",
				stats.ClaimsIndexed, stats.ClaimsTotal, stats.ClaimsCollapsed, stats.ClaimsFailed)
			return nil
		})
	},
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize <stage1_run_id>",
	Short: "Run Stage 2 normalization over the claims of a Stage 1 run",
	Long: `Normalize walks the unreviewed claims of a Stage 1 run pass by pass
(ACTOR, OBJECT, STATE, ACTION). For each claim it retrieves similar claims
from the vector index and asks the LLM to accept, merge, reject, defer or
split it. Run "claimledger index" first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *pipeline.Service) error {
			res, err := svc.Normalize(ctx, runID, normalizeModel)
			if err != nil {
				return err
			}
			if globalJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stage 2 run %d: %s\n", res.Stage2RunID, res.Status)
			if res.Stats != nil {
				for _, p := range res.Stats.PerPass {
					fmt.Fprintf(out, "  %-7s seeds %d, processed %d, failed %d, skipped %d\n",
						p.Pass, p.Seeds, p.Processed, p.Failed, p.Skipped)
				}
				fmt.Fprintf(out, "  processed %d, failed %d\n", res.Stats.TotalProcessed, res.Stats.TotalFailed)
			}
			if res.Error != "" {
				fmt.Fprintf(out, "  error: %s\n", res.Error)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd, extractCmd, indexCmd, normalizeCmd)

	ingestCmd.Flags().StringVar(&ingestDocumentID, "document-id", "", "document id (default: file name without extension)")
	ingestCmd.Flags().IntVar(&ingestMaxChars, "max-chars", ingest.DefaultMaxChars, "maximum characters per chunk")
	ingestCmd.Flags().BoolVarP(&ingestDryRun, "dry-run", "n", false, "report changes without writing")

	extractCmd.Flags().Int64SliceVar(&extractChunkIDs, "chunk-ids", nil, "restrict the run to these chunk ids")
	extractCmd.Flags().BoolVar(&extractPendingOnly, "pending-only", false, "skip chunks already cached for the current signature")
	extractCmd.Flags().StringVar(&extractForceNonce, "force-nonce", "", "bypass the extraction cache with this nonce")

	normalizeCmd.Flags().StringVar(&normalizeModel, "model", "", "override model as provider/model")
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	return id, nil
}
