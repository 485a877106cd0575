// Deepread analyzes documents through LLM-driven code execution.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "deepread",
	Short: "Analyze documents with an LLM that writes and runs code.",
	Long: `Deepread answers questions about documents too large or too structured to
read in one pass. The model explores the document by writing Go snippets that
run in a persistent sandbox, inspects the results, and may issue bounded
recursive sub-queries before committing to a final answer.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, serveCmd, replCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
