package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corpushq/corpus/internal/search"
	"github.com/corpushq/corpus/internal/store"
)

var (
	searchLimit      int
	searchMinScore   float32
	searchCategory   string
	searchSourceType string
	searchTags       []string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the corpus by semantic similarity",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", search.DefaultLimit, "maximum number of results")
	searchCmd.Flags().Float32Var(&searchMinScore, "min-score", 0, "minimum similarity score in [0, 1]")
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "restrict to documents with this category")
	searchCmd.Flags().StringVar(&searchSourceType, "source-type", "", "restrict to documents with this source type")
	searchCmd.Flags().StringArrayVar(&searchTags, "tag", nil, "restrict by tag, key=value (repeatable)")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	engine, err := search.New(rt.store, rt.generator, rt.logger.With("component", "search"))
	if err != nil {
		return fmt.Errorf("failed to create search engine: %w", err)
	}

	filter := store.Filter{
		Category:   searchCategory,
		SourceType: searchSourceType,
	}
	for _, tag := range searchTags {
		key, value, ok := strings.Cut(tag, "=")
		if !ok {
			return fmt.Errorf("invalid --tag %q, expected key=value", tag)
		}
		if filter.Tags == nil {
			filter.Tags = make(map[string]string)
		}
		filter.Tags[key] = value
	}

	results, err := engine.Search(ctx, search.Query{
		Text:     args[0],
		Limit:    searchLimit,
		Filter:   filter,
		MinScore: searchMinScore,
	})
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no matches")
		return nil
	}

	for i, r := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%2d. %.4f  %s #%d\n", i+1, r.Similarity,
			r.Document.ExternalID, r.Chunk.Ordinal)
		fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", snippet(r.Chunk.Content, 160))
	}
	return nil
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
