package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorarias/dev-sessions/internal/backend"
)

// waitTimeoutExitCode follows the timeout(1) convention.
const waitTimeoutExitCode = 124

var waitCmd = &cobra.Command{
	Use:   "wait <session>",
	Short: "Block until the session's current turn completes",
	Long: `Wait for the session to finish its current turn.

A timed-out wait exits with code 124 and leaves the session untouched;
the turn keeps running and a later wait can pick it up.`,
	Args: cobra.ExactArgs(1),
	Run:  runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)

	f := waitCmd.Flags()
	f.Int("timeout", 300, "Wait deadline in seconds")
	f.Int("interval", 2, "Poll interval in seconds for terminal sessions")
}

func runWait(cmd *cobra.Command, args []string) {
	timeout, _ := cmd.Flags().GetInt("timeout")
	interval, _ := cmd.Flags().GetInt("interval")
	if timeout <= 0 {
		Fatal("timeout must be a positive number of seconds")
	}
	if interval <= 0 {
		Fatal("interval must be a positive number of seconds")
	}

	api := mustAPI()
	result, err := api.WaitForSession(cmd.Context(), args[0], backend.WaitOptions{
		Timeout:  time.Duration(timeout) * time.Second,
		Interval: time.Duration(interval) * time.Second,
	})
	if err != nil {
		Fatal("%v", err)
	}

	if result.TimedOut {
		fmt.Fprintf(os.Stderr, "timed out after %s waiting for %s\n",
			(time.Duration(result.ElapsedMs) * time.Millisecond).Round(time.Second), args[0])
		os.Exit(waitTimeoutExitCode)
	}

	fmt.Printf("%s completed in %s\n", args[0],
		(time.Duration(result.ElapsedMs) * time.Millisecond).Round(time.Millisecond))
	if result.AssistantText != "" {
		fmt.Println()
		fmt.Println(result.AssistantText)
	}
}
