package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lastMessageCmd = &cobra.Command{
	Use:   "last-message <session>",
	Short: "Print the session's most recent assistant messages",
	Args:  cobra.ExactArgs(1),
	Run:   runLastMessage,
}

func init() {
	rootCmd.AddCommand(lastMessageCmd)
	lastMessageCmd.Flags().IntP("count", "n", 1, "Number of messages, most recent last")
}

func runLastMessage(cmd *cobra.Command, args []string) {
	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		Fatal("count must be positive")
	}

	api := mustAPI()
	messages, err := api.GetLastMessages(cmd.Context(), args[0], count)
	if err != nil {
		Fatal("reading messages from %s: %v", args[0], err)
	}
	if len(messages) == 0 {
		fmt.Println("no assistant messages yet")
		return
	}
	for i, msg := range messages {
		if i > 0 {
			fmt.Println()
		}
		fmt.Println(msg)
	}
}
