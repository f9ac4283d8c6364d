package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/corpushq/corpus/internal/chunker"
	"github.com/corpushq/corpus/internal/ingest"
	"github.com/corpushq/corpus/internal/store"
)

var (
	ingestCategory   string
	ingestSourceType string
	ingestAuthor     string
	ingestWorkers    int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest text files into the corpus",
	Long: `Reads each file, splits it into chunks, embeds them, and commits the
result atomically. The file's absolute path is its external ID, so
re-ingesting a file replaces its previous chunks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestCategory, "category", "", "document category metadata")
	ingestCmd.Flags().StringVar(&ingestSourceType, "source-type", "file", "document source type metadata")
	ingestCmd.Flags().StringVar(&ingestAuthor, "author", "", "document author metadata")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "parallel ingestion workers (0 = config default)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ch, err := chunker.New(chunker.Config{
		MinWords:     rt.cfg.ChunkMinWords,
		MaxWords:     rt.cfg.ChunkMaxWords,
		OverlapWords: rt.cfg.ChunkOverlapWords,
	})
	if err != nil {
		return fmt.Errorf("failed to create chunker: %w", err)
	}

	orch, err := ingest.New(ch, rt.generator, rt.store, ingest.Config{
		EmbedReattempts: ingest.DefaultConfig().EmbedReattempts,
		CommitRetries:   ingest.DefaultConfig().CommitRetries,
		Budget: ingest.Budget{
			MaxTokens: rt.cfg.BudgetTokens,
			MaxCost:   rt.cfg.BudgetUSD,
		},
	}, rt.logger.With("component", "ingest"))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	reqs := make([]ingest.Request, 0, len(args))
	for _, path := range args {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve %q: %w", path, err)
		}
		content, err := os.ReadFile(absPath)
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", path, err)
		}
		reqs = append(reqs, ingest.Request{
			ExternalID: absPath,
			Text:       string(content),
			Metadata: store.Metadata{
				Category:   ingestCategory,
				SourceType: ingestSourceType,
				Author:     ingestAuthor,
			},
		})
	}

	workers := ingestWorkers
	if workers <= 0 {
		workers = rt.cfg.IngestWorkers
	}

	outcomes := orch.IngestAll(ctx, reqs, workers)

	failures := 0
	for _, out := range outcomes {
		if out.Err != nil {
			failures++
			fmt.Fprintf(cmd.ErrOrStderr(), "FAILED  %s: %v\n", out.ExternalID, out.Err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok      %s  chunks=%d tokens=%d cost=$%.4f elapsed=%s\n",
			out.ExternalID, out.Stats.Chunks, out.Stats.Tokens, out.Stats.Cost, out.Stats.Elapsed.Round(time.Millisecond))
	}

	tokens, cost := orch.Spent()
	fmt.Fprintf(cmd.OutOrStdout(), "total: %d documents, %d failed, %d tokens, $%.4f\n",
		len(outcomes), failures, tokens, cost)

	if failures > 0 {
		return errors.New("some documents failed to ingest")
	}
	return nil
}
