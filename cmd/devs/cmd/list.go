package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/victorarias/dev-sessions/internal/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	Long: `List active sessions. Dead sessions are swept first: terminal
sessions whose tmux session is gone are pruned, codex sessions whose
thread is unreachable are marked inactive.`,
	Run: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().Bool("json", false, "Output JSON")
}

var (
	listHeaderStyle  = lipgloss.NewStyle().Bold(true)
	listWorkingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	listDimStyle     = lipgloss.NewStyle().Faint(true)
)

func runList(cmd *cobra.Command, _ []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")

	api := mustAPI()
	sessions, err := api.ListSessions(cmd.Context())
	if err != nil {
		Fatal("listing sessions: %v", err)
	}

	if jsonOut {
		if sessions == nil {
			sessions = []registry.SessionRecord{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(sessions)
		return
	}

	if len(sessions) == 0 {
		fmt.Println("no active sessions")
		return
	}

	fmt.Println(listHeaderStyle.Render(fmt.Sprintf("%-18s  %-5s  %-10s  %-5s  %-12s  %s",
		"SESSION", "KIND", "MODE", "TURN", "LAST USED", "WORKSPACE")))
	for _, rec := range sessions {
		turn := "-"
		style := listDimStyle
		if rec.TurnInProgress {
			turn = "busy"
			style = listWorkingStyle
		}
		line := fmt.Sprintf("%-18s  %-5s  %-10s  %-5s  %-12s  %s",
			rec.Handle, rec.Kind, rec.Mode, turn, humanSince(rec.LastUsed), rec.WorkspacePath)
		fmt.Println(style.Render(line))
	}
}

func humanSince(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02")
}
