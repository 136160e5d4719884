package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <session>",
	Short: "Show the session's conversation state",
	Long: `Print the session's current state: "working" while a turn runs,
"waiting_for_input" when the agent is blocked on the operator, "idle"
otherwise.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		api := mustAPI()
		status, err := api.GetSessionStatus(cmd.Context(), args[0])
		if err != nil {
			Fatal("status of %s: %v", args[0], err)
		}
		fmt.Println(status)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
