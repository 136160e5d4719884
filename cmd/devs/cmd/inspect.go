package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <session>",
	Short: "Print the full session record as JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		api := mustAPI()
		rec, err := api.GetSession(args[0])
		if err != nil {
			Fatal("inspecting %s: %v", args[0], err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(rec)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
