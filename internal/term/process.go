package term

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/victorarias/dev-sessions/internal/tmux"
)

// shellNames are process names that prove nothing about the agent: the
// pane always has a shell or the multiplexer's own processes on its TTY.
var shellNames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true, "dash": true,
	"login": true, "tmux": true,
}

func isShellCommand(cmdline string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return true
	}
	name := filepath.Base(fields[0])
	// Login shells show up as "-zsh", "-bash".
	name = strings.TrimPrefix(name, "-")
	return shellNames[name]
}

// paneHasAgent checks that something other than a shell/login/multiplexer
// process is running in the session's panes. Swapped in tests.
var paneHasAgent = func(sessionName string) (bool, error) {
	panes, err := tmux.ListPanes(sessionName)
	if err != nil {
		return false, err
	}
	for _, pane := range panes {
		ok, err := processTreeHasAgent(int32(pane.PID))
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// processTreeHasAgent walks the pane process and its children, reading
// command lines and rejecting shell-family patterns.
func processTreeHasAgent(pid int32) (bool, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false, fmt.Errorf("inspecting pane process %d: %w", pid, err)
	}

	candidates := []*process.Process{proc}
	if children, err := proc.Children(); err == nil {
		candidates = append(candidates, children...)
	}

	for _, p := range candidates {
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !isShellCommand(cmdline) {
			return true, nil
		}
	}
	return false, nil
}
