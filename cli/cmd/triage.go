package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/talonsec/talon-stack/cli/internal/client"
	"github.com/talonsec/talon-stack/cli/pkg/output"
)

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Submit batches and inspect triage runs",
}

var triageSubmitCmd = &cobra.Command{
	Use:   "submit --batch <batch-id> --events <id,id,...>",
	Short: "Submit a batch of events for triage",
	Example: `  talon triage submit --batch nightly-2026-03-14 --events e1,e2,e3
  talon triage submit --batch adhoc --events e9 --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		batchID, _ := cmd.Flags().GetString("batch")
		eventsArg, _ := cmd.Flags().GetString("events")
		if batchID == "" || eventsArg == "" {
			return fmt.Errorf("--batch and --events are required")
		}

		var eventIDs []string
		for _, id := range strings.Split(eventsArg, ",") {
			if id = strings.TrimSpace(id); id != "" {
				eventIDs = append(eventIDs, id)
			}
		}
		if len(eventIDs) == 0 {
			return fmt.Errorf("--events contains no event ids")
		}

		baseURL, _ := cmd.Flags().GetString("url")
		if baseURL == "" {
			baseURL = cfg.TriageURL
		}

		report, err := client.NewTriageClient(baseURL).SubmitBatch(batchID, eventIDs)
		if err != nil {
			return fmt.Errorf("batch submission failed: %w", err)
		}

		format, _ := cmd.Flags().GetString("output")
		return output.Render(format, report, func() { renderRunReport(report) })
	},
}

var triageRunCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Show a past triage run report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("url")
		if baseURL == "" {
			baseURL = cfg.TriageURL
		}

		report, err := client.NewTriageClient(baseURL).GetRun(args[0])
		if err != nil {
			return fmt.Errorf("run lookup failed: %w", err)
		}

		format, _ := cmd.Flags().GetString("output")
		return output.Render(format, report, func() { renderRunReport(report) })
	},
}

func renderRunReport(report *client.RunReport) {
	run := report.Run
	fmt.Printf("Run:    %s (batch %s)\n", run.ID, run.BatchID)
	fmt.Printf("Status: %s\n", run.Status)
	fmt.Printf("Events: %d total, %d malicious, %d benign, %d uncertain, %d failed\n\n",
		run.TotalEvents, run.Malicious, run.Benign, run.Uncertain, run.Failed)

	t := output.NewTable("EVENT", "CLASSIFICATION", "DECISION", "TICKET", "FAILURE")
	for _, o := range report.Outcomes {
		t.AddRow(o.EventID, o.Classification, o.GroupDecision, o.TicketID, truncate(o.FailureReason, 40))
	}
	t.Render()
}

func init() {
	rootCmd.AddCommand(triageCmd)
	triageCmd.AddCommand(triageSubmitCmd)
	triageCmd.AddCommand(triageRunCmd)

	triageSubmitCmd.Flags().String("batch", "", "Batch identifier")
	triageSubmitCmd.Flags().String("events", "", "Comma-separated event ids")
	triageSubmitCmd.Flags().String("url", "", "Triage service URL (overrides config)")
	triageRunCmd.Flags().String("url", "", "Triage service URL (overrides config)")
}
