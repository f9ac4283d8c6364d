// Package cmd implements the corpus command line interface, a thin shell
// over the ingestion and search core.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Semantic knowledge-corpus ingestion and search",
	Long: `corpus ingests source documents into a pgvector-backed store and
serves semantic similarity queries over them.

Configuration is read from ./corpus.yaml, ~/.corpus/corpus.yaml, and
CORPUS_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
