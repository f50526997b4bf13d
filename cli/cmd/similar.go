package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/talonsec/talon-stack/cli/internal/client"
	"github.com/talonsec/talon-stack/cli/pkg/output"
)

var similarCmd = &cobra.Command{
	Use:   "similar [text]",
	Short: "Find incidents similar to an event or description",
	Example: `  # Free-text lookup
  talon similar "powershell spawned from winword on hr workstation"

  # Lookup by an existing event's stored embedding
  talon similar --event 0198c1ff-7a3e-7cc0-b1de-93d1c60e12aa

  # Tickets similar to an existing ticket
  talon similar --ticket 0198c200-1b44-7de1-a2f0-4410aa173c55

  # More candidates, machine-readable
  talon similar "dns tunneling" --top-k 10 --output json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID, _ := cmd.Flags().GetString("event")
		ticketID, _ := cmd.Flags().GetString("ticket")
		topK, _ := cmd.Flags().GetInt("top-k")

		req := client.SimilarRequest{EventID: eventID, TicketID: ticketID, TopK: topK}
		if len(args) == 1 {
			req.Text = args[0]
		}
		if req.Text == "" && req.EventID == "" && req.TicketID == "" {
			return fmt.Errorf("provide a text query, --event, or --ticket")
		}

		baseURL, _ := cmd.Flags().GetString("url")
		if baseURL == "" {
			baseURL = cfg.LookupURL
		}

		results, err := client.NewLookupClient(baseURL).FindSimilar(req)
		if err != nil {
			return fmt.Errorf("lookup failed: %w", err)
		}

		format, _ := cmd.Flags().GetString("output")
		return output.Render(format, results, func() {
			if len(results) == 0 {
				fmt.Println("no similar incidents found")
				return
			}
			t := output.NewTable("TICKET", "SCORE", "STATUS", "MEMBERS", "UPDATED", "SUMMARY")
			for _, r := range results {
				t.AddRow(
					r.TicketID,
					fmt.Sprintf("%.3f", r.Score),
					r.Status,
					fmt.Sprintf("%d", r.Members),
					r.UpdatedAt.Format("2006-01-02 15:04"),
					truncate(r.Summary, 60),
				)
			}
			t.Render()
		})
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(similarCmd)

	similarCmd.Flags().String("event", "", "Look up by event id instead of text")
	similarCmd.Flags().String("ticket", "", "Look up tickets similar to an existing ticket")
	similarCmd.Flags().Int("top-k", 0, "Maximum number of results")
	similarCmd.Flags().String("url", "", "Lookup service URL (overrides config)")
}
