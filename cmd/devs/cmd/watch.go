package cmd

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/victorarias/dev-sessions/internal/dashboard"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live session dashboard",
	Long: `Open an interactive dashboard that refreshes the session list every
few seconds. Enter attaches to the selected terminal session, x kills
the selected session.`,
	Run: func(cmd *cobra.Command, _ []string) {
		api := mustAPI()
		p := tea.NewProgram(dashboard.NewModel(api), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			Fatal("dashboard: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
