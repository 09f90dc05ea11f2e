package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/cohortnet/quorum/errors"
)

var triggerFile string

// TriggerCmd submits a federated query from a JSON file.
var TriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Submit a federated query",
	Long: `Submit a federated query to a running orchestrator.

The query file carries the criteria payloads and the execution plan:

  {
    "user_id": "researcher@site-a",
    "query_type": "COUNT_QUERY",
    "queries": {"sq1": {...}, "sq2": {...}},
    "plan": {
      "execution_rules": [
        {"id": "er1", "search_query_id": "sq1", "data_source_id": "hospital-a"},
        {"id": "er2", "search_query_id": "sq2", "data_source_id": "hospital-b"}
      ],
      "dependency_rules": [
        {"dependency_execution_id": "er1", "outcome_execution_id": "er2"}
      ]
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if triggerFile == "" {
			return errors.New("--file is required")
		}
		data, err := os.ReadFile(triggerFile)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", triggerFile)
		}
		var body json.RawMessage = data

		var resp map[string]interface{}
		if err := callServer("POST", "/api/queries", body, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

// StopCmd stops an executing query and cascades to its children.
var StopCmd = &cobra.Command{
	Use:   "stop <query-id>",
	Short: "Stop an executing query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]interface{}
		if err := callServer("POST", "/api/queries/"+args[0]+"/stop", nil, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

// StatusCmd shows the state and latest status entry of a query.
var StatusCmd = &cobra.Command{
	Use:   "status <query-id>",
	Short: "Show query state and latest status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var state map[string]interface{}
		if err := callServer("GET", "/api/queries/"+args[0]+"/state", nil, &state); err != nil {
			return err
		}
		var status map[string]interface{}
		if err := callServer("GET", "/api/queries/"+args[0]+"/status", nil, &status); err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"state": state["state"], "latest_status": status})
	},
}

// ResultsCmd fetches the aggregated, suppression-scrubbed result views.
var ResultsCmd = &cobra.Command{
	Use:   "results <query-id>",
	Short: "Fetch aggregated results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]interface{}
		if err := callServer("GET", "/api/queries/"+args[0]+"/results", nil, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	TriggerCmd.Flags().StringVar(&triggerFile, "file", "", "Path to the query JSON file")
	for _, cmd := range []*cobra.Command{TriggerCmd, StopCmd, StatusCmd, ResultsCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8710", "Orchestrator base URL")
	}
}
