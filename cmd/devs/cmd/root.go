// Package cmd holds the devs CLI. Every command talks to sessions
// through a single API surface: the local manager on the host, or the
// gateway relay client when IS_SANDBOX=1.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/victorarias/dev-sessions/internal/backend"
	"github.com/victorarias/dev-sessions/internal/config"
	"github.com/victorarias/dev-sessions/internal/gateway"
	"github.com/victorarias/dev-sessions/internal/logging"
	"github.com/victorarias/dev-sessions/internal/manager"
	"github.com/victorarias/dev-sessions/internal/registry"
	"github.com/victorarias/dev-sessions/internal/rpc"
	"github.com/victorarias/dev-sessions/internal/term"
	"github.com/victorarias/dev-sessions/internal/transcript"
)

var rootCmd = &cobra.Command{
	Use:   "devs",
	Short: "Manage long-lived coding agent sessions",
	Long: `devs multiplexes coding agent sessions: terminal agents running in
tmux and JSON-RPC agents behind a shared daemon share one registry, one
handle namespace, and one command surface.

Inside a sandbox (IS_SANDBOX=1) every command relays through the host
gateway instead of touching tmux or the daemon directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return err
}

// Fatal prints an error and exits.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}

// sessionAPI is the operation surface shared by the local manager and
// the gateway client.
type sessionAPI interface {
	CreateSession(ctx context.Context, opts manager.CreateOptions) (registry.SessionRecord, error)
	SendMessage(ctx context.Context, h, text string) error
	KillSession(ctx context.Context, h string) error
	ListSessions(ctx context.Context) ([]registry.SessionRecord, error)
	GetSession(h string) (registry.SessionRecord, error)
	GetSessionStatus(ctx context.Context, h string) (string, error)
	WaitForSession(ctx context.Context, h string, opts backend.WaitOptions) (backend.WaitResult, error)
	GetLastMessages(ctx context.Context, h string, n int) ([]string, error)
	GetLogs(ctx context.Context, h string) ([]transcript.Turn, error)
}

func openLogger() *logging.Logger {
	log, err := logging.New(config.LogPath())
	if err != nil {
		return logging.Discard()
	}
	return log
}

// newLocalManager wires the registry and both backends. Used directly by
// gateway serve and, via newAPI, by every host-side command.
func newLocalManager(log *logging.Logger) (*manager.Manager, error) {
	reg, err := registry.Open(config.RegistryPath(), log)
	if err != nil {
		return nil, fmt.Errorf("opening session registry: %w", err)
	}
	termBackend := term.New(log)
	rpcBackend := rpc.NewBackend(rpc.NewServerManager(log), log)
	return manager.New(reg, log, termBackend, rpcBackend), nil
}

// newAPI selects the gateway relay inside a sandbox and the local
// manager everywhere else.
func newAPI(log *logging.Logger) (sessionAPI, error) {
	if config.IsSandbox() {
		return gateway.NewClient(log), nil
	}
	return newLocalManager(log)
}

func mustAPI() sessionAPI {
	api, err := newAPI(openLogger())
	if err != nil {
		Fatal("%v", err)
	}
	return api
}
