package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var killCmd = &cobra.Command{
	Use:   "kill <session>",
	Short: "Terminate a session and remove its record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		api := mustAPI()
		if err := api.KillSession(cmd.Context(), args[0]); err != nil {
			Fatal("killing %s: %v", args[0], err)
		}
		fmt.Printf("killed %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(killCmd)
}
