package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <session>",
	Short: "Print the session's conversation history",
	Args:  cobra.ExactArgs(1),
	Run:   runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
}

var logsRoleStyle = lipgloss.NewStyle().Bold(true)

func runLogs(cmd *cobra.Command, args []string) {
	api := mustAPI()
	turns, err := api.GetLogs(cmd.Context(), args[0])
	if err != nil {
		Fatal("reading logs from %s: %v", args[0], err)
	}
	if len(turns) == 0 {
		fmt.Println("no history yet")
		return
	}
	for i, turn := range turns {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s %s\n", logsRoleStyle.Render(turn.Role+":"), turn.Text)
	}
}
