// Package tmux wraps the terminal multiplexer CLI. Sessions owned by devs
// are partitioned from the rest of the server by a name prefix, so sweeps
// and listings stay scoped.
package tmux

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// runOutput is swapped in tests to fake the multiplexer.
var runOutput = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// SetRunner replaces the command runner (for testing). Returns a restore
// function.
func SetRunner(fn func(name string, args ...string) ([]byte, error)) func() {
	prev := runOutput
	runOutput = fn
	return func() { runOutput = prev }
}

func run(args ...string) ([]byte, error) {
	out, err := runOutput("tmux", args...)
	if err != nil {
		return out, fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// IsMissingError reports whether err belongs to the "no such session /
// no server running" family, which kill paths swallow.
func IsMissingError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such session") ||
		strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "error connecting to")
}

// NewSession spawns a detached session whose sole window runs shellCmd via
// a login shell in dir.
func NewSession(name, dir, shellCmd string) error {
	_, err := run("new-session", "-d", "-s", name, "-c", dir, shellCmd)
	return err
}

// HasSession reports whether the named session exists. An unreachable
// server means no session.
func HasSession(name string) (bool, error) {
	_, err := run("has-session", "-t", "="+name)
	if err != nil {
		if IsMissingError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// KillSession tears down the named session.
func KillSession(name string) error {
	_, err := run("kill-session", "-t", "="+name)
	return err
}

// ListSessions returns the session names matching prefix.
func ListSessions(prefix string) ([]string, error) {
	out, err := run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if IsMissingError(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// Pane describes one pane of a session.
type Pane struct {
	PID int
	TTY string
}

// ListPanes returns the panes of the named session.
func ListPanes(name string) ([]Pane, error) {
	out, err := run("list-panes", "-t", "="+name, "-F", "#{pane_pid} #{pane_tty}")
	if err != nil {
		return nil, err
	}
	var panes []Pane
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		pid, convErr := strconv.Atoi(fields[0])
		if convErr != nil {
			continue
		}
		p := Pane{PID: pid}
		if len(fields) > 1 {
			p.TTY = fields[1]
		}
		panes = append(panes, p)
	}
	return panes, nil
}

// SendLiteral delivers text into the session's pane without interpreting
// control characters.
func SendLiteral(name, text string) error {
	_, err := run("send-keys", "-t", "="+name, "-l", text)
	return err
}

// SendEnter delivers a single Enter keypress.
func SendEnter(name string) error {
	_, err := run("send-keys", "-t", "="+name, "Enter")
	return err
}

// SendBase64 decodes the payload in a shell and delivers the plaintext
// into the pane with a literal send-keys, so control characters in the
// message are typed verbatim instead of interpreted.
func SendBase64(name, payload string) error {
	script := fmt.Sprintf(`tmux send-keys -t '=%s' -l -- "$(printf '%%s' '%s' | base64 -d)"`, name, payload)
	out, err := runOutput("sh", "-c", script)
	if err != nil {
		return fmt.Errorf("send-keys via shell: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
