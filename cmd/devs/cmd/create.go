package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/victorarias/dev-sessions/internal/manager"
	"github.com/victorarias/dev-sessions/internal/registry"
)

var createCmd = &cobra.Command{
	Use:   "create [path]",
	Short: "Create a new agent session",
	Long: `Create a session in the given workspace directory (default: the
current directory).

The --cli flag selects the agent backend: "claude" runs a terminal agent
inside tmux, "codex" drives a thread on the shared JSON-RPC daemon.

Examples:
  devs create ~/code/proj
  devs create --cli codex --model gpt-5 ~/code/proj
  devs create --mode yolo --description "flaky test hunt"`,
	Args: cobra.MaximumNArgs(1),
	Run:  runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)

	f := createCmd.Flags()
	f.String("cli", "claude", "Agent backend: claude or codex")
	f.String("mode", "", "Launch mode for terminal agents: default, yolo, or container")
	f.String("model", "", "Model override for codex sessions")
	f.String("description", "", "Free-form description stored on the session")
}

// kindFromCLIFlag mirrors the gateway's cli field mapping.
func kindFromCLIFlag(cli string) (registry.Kind, error) {
	switch cli {
	case "", "claude", "term":
		return registry.KindTerm, nil
	case "codex", "rpc":
		return registry.KindRPC, nil
	}
	return "", fmt.Errorf("unknown cli %q (expected claude or codex)", cli)
}

func runCreate(cmd *cobra.Command, args []string) {
	cli, _ := cmd.Flags().GetString("cli")
	mode, _ := cmd.Flags().GetString("mode")
	model, _ := cmd.Flags().GetString("model")
	description, _ := cmd.Flags().GetString("description")

	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			Fatal("resolving working directory: %v", err)
		}
		path = wd
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		Fatal("resolving path %q: %v", path, err)
	}

	kind, err := kindFromCLIFlag(cli)
	if err != nil {
		Fatal("%v", err)
	}
	switch registry.Mode(mode) {
	case "", registry.ModeDefault, registry.ModeYolo, registry.ModeContainer:
	default:
		Fatal("unknown mode %q (expected default, yolo, or container)", mode)
	}

	api := mustAPI()
	rec, err := api.CreateSession(cmd.Context(), manager.CreateOptions{
		Kind:          kind,
		WorkspacePath: abs,
		Mode:          registry.Mode(mode),
		Model:         model,
		Description:   description,
	})
	if err != nil {
		Fatal("creating session: %v", err)
	}
	fmt.Println(rec.Handle)
}
