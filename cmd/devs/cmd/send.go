package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <session> [message]",
	Short: "Send a message to a session",
	Long: `Send a message to the agent. The message comes from the argument or
from --file, never both.

Delivery is fire-and-forget for codex sessions: the command returns once
the turn is started. Use "devs wait" to block on completion.`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringP("file", "f", "", "Read the message body from a file")
}

func runSend(cmd *cobra.Command, args []string) {
	h := args[0]
	file, _ := cmd.Flags().GetString("file")

	message := ""
	if len(args) == 2 {
		message = args[1]
	}
	if (message == "") == (file == "") {
		Fatal("provide exactly one of a message argument or --file")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			Fatal("reading message file: %v", err)
		}
		message = string(data)
	}

	api := mustAPI()
	if err := api.SendMessage(cmd.Context(), h, message); err != nil {
		Fatal("sending to %s: %v", h, err)
	}
	fmt.Printf("sent to %s\n", h)
}
