package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corpushq/corpus/internal/store"
)

var (
	listCategory   string
	listSourceType string
	listLimit      int
	listOffset     int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents in the corpus",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listCategory, "category", "", "restrict to this category")
	listCmd.Flags().StringVar(&listSourceType, "source-type", "", "restrict to this source type")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of documents")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "pagination offset")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	filter := store.Filter{
		Category:   listCategory,
		SourceType: listSourceType,
	}

	docs, err := rt.store.List(ctx, filter, listLimit, listOffset)
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}

	total, err := rt.store.Count(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}

	for _, doc := range docs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  chunks=%d  category=%s  created=%s\n",
			doc.ExternalID, doc.ChunkCount, doc.Metadata.Category,
			doc.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d documents\n", len(docs), total)
	return nil
}
