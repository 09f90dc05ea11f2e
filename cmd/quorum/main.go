package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cohortnet/quorum/cmd/quorum/commands"
	"github.com/cohortnet/quorum/logger"
	"github.com/cohortnet/quorum/version"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "quorum - federated query orchestrator",
	Long: `quorum - federated query orchestrator.

quorum fans one logical query out to independent data sources, correlates
their asynchronous replies, and combines the partial counts into federated
result views with small-cell suppression.

Available commands:
  serve    - Start the orchestrator server
  trigger  - Submit a federated query
  stop     - Stop an executing query
  status   - Show query state and latest status
  results  - Fetch aggregated results
  db       - Manage the quorum database

Examples:
  quorum serve                         # Start the orchestrator
  quorum trigger --file query.json     # Submit a federated query
  quorum status 42                     # Show state of query 42
  quorum results 42                    # Fetch suppressed result views`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit JSON structured logs")
	rootCmd.Version = version.Get().String()

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
	rootCmd.AddCommand(commands.StopCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.ResultsCmd)
	rootCmd.AddCommand(commands.DBCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
