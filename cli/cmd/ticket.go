package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/talonsec/talon-stack/cli/internal/client"
	"github.com/talonsec/talon-stack/cli/pkg/output"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket <ticket-id>",
	Short: "Show an incident ticket",
	Long:  "Fetch a ticket by id. Tickets that were merged away resolve to their surviving root.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("url")
		if baseURL == "" {
			baseURL = cfg.LookupURL
		}

		ticket, resolvedFrom, err := client.NewLookupClient(baseURL).GetTicket(args[0])
		if err != nil {
			return fmt.Errorf("ticket lookup failed: %w", err)
		}

		format, _ := cmd.Flags().GetString("output")
		return output.Render(format, ticket, func() {
			if resolvedFrom != "" {
				fmt.Printf("(%s was merged; showing surviving ticket)\n\n", resolvedFrom)
			}
			fmt.Printf("Ticket:  %s\n", ticket.ID)
			fmt.Printf("Status:  %s\n", ticket.Status)
			fmt.Printf("Members: %d\n", len(ticket.MemberEventIDs))
			fmt.Printf("Created: %s\n", ticket.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Updated: %s\n", ticket.UpdatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("\nScenario:\n%s\n", ticket.ScenarioSummary)
		})
	},
}

func init() {
	rootCmd.AddCommand(ticketCmd)
	ticketCmd.Flags().String("url", "", "Lookup service URL (overrides config)")
}
