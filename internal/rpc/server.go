// Package rpc drives RPC-kind sessions: turns run inside a single shared
// daemon process per host, reached over JSON-RPC on a WebSocket. The
// daemon's identity lives in a state file; connections are opened per
// operation and closed when the operation finishes.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/victorarias/dev-sessions/internal/config"
	"github.com/victorarias/dev-sessions/internal/logging"
)

const (
	stateVersion = 1

	// startupTimeout bounds both the log poll for the listen URL and the
	// TCP verification that follows it.
	startupTimeout  = 15 * time.Second
	startupInterval = 100 * time.Millisecond
)

var listenURLPattern = regexp.MustCompile(`ws://127\.0\.0\.1:(\d+)`)

// ServerInfo is the persisted descriptor of the shared daemon.
type ServerInfo struct {
	Version   int       `json:"version"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"startedAt"`
}

// spawnDaemon starts the daemon detached with stdio appended to logPath.
// Swapped in tests.
var spawnDaemon = func(logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(config.RPCExecutable(), "app-server", "--listen", "ws://127.0.0.1:0")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap the child when it eventually exits so it does not linger as a
	// zombie for the lifetime of this process.
	go cmd.Wait()
	return pid, nil
}

// signalProcess is swapped in tests.
var signalProcess = func(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// processAlive probes pid with signal 0. Permission denied means the
// process exists but belongs to someone else, which still counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := signalProcess(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM) || errors.Is(err, os.ErrPermission)
}

// ServerManager owns the lifecycle of the single shared daemon on this
// host. All coordination between processes goes through the state file;
// the atomic-rename write plus the signal-0 probe is enough, no lock.
type ServerManager struct {
	log *logging.Logger
}

// NewServerManager returns a daemon lifecycle manager.
func NewServerManager(log *logging.Logger) *ServerManager {
	if log == nil {
		log = logging.Discard()
	}
	return &ServerManager{log: log}
}

// GetServer returns the cached descriptor if its process is alive. A
// stale or unreadable state file is cleared.
func (m *ServerManager) GetServer() (ServerInfo, bool) {
	data, err := os.ReadFile(config.DaemonStatePath())
	if err != nil {
		return ServerInfo{}, false
	}
	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		m.clearState()
		return ServerInfo{}, false
	}
	if !processAlive(info.PID) {
		m.log.Debugf("rpc: daemon pid %d is gone, clearing state", info.PID)
		m.clearState()
		return ServerInfo{}, false
	}
	return info, true
}

// EnsureServer returns a live daemon descriptor, spawning one if needed.
// The new daemon's listen URL is discovered by polling its log, then
// verified by a TCP connect, before the state file is written.
func (m *ServerManager) EnsureServer(ctx context.Context) (ServerInfo, error) {
	if info, ok := m.GetServer(); ok {
		return info, nil
	}

	logPath := config.DaemonLogPath()
	if err := os.MkdirAll(config.Dir(), 0o755); err != nil {
		return ServerInfo{}, fmt.Errorf("creating state dir: %w", err)
	}

	// Only scan output produced after this spawn; the log is append-only
	// and may hold URLs from daemons long dead.
	offset := int64(0)
	if fi, err := os.Stat(logPath); err == nil {
		offset = fi.Size()
	}

	pid, err := spawnDaemon(logPath)
	if err != nil {
		return ServerInfo{}, err
	}
	m.log.Infof("rpc: spawned daemon pid %d", pid)

	port, url, err := m.awaitListenURL(ctx, logPath, offset)
	if err != nil {
		return ServerInfo{}, err
	}

	if err := m.verifyTCP(ctx, port); err != nil {
		return ServerInfo{}, err
	}

	info := ServerInfo{
		Version:   stateVersion,
		PID:       pid,
		Port:      port,
		URL:       url,
		StartedAt: time.Now(),
	}
	if err := m.writeState(info); err != nil {
		return ServerInfo{}, err
	}
	m.log.Infof("rpc: daemon ready at %s", url)
	return info, nil
}

func (m *ServerManager) awaitListenURL(ctx context.Context, logPath string, offset int64) (int, string, error) {
	deadline := time.Now().Add(startupTimeout)
	for {
		if data, err := os.ReadFile(logPath); err == nil && int64(len(data)) > offset {
			if match := listenURLPattern.FindSubmatch(data[offset:]); match != nil {
				url := string(match[0])
				var port int
				fmt.Sscanf(string(match[1]), "%d", &port)
				return port, url, nil
			}
		}
		if !time.Now().Before(deadline) {
			return 0, "", fmt.Errorf("daemon did not announce a listen URL within %s (see %s)", startupTimeout, logPath)
		}
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case <-time.After(startupInterval):
		}
	}
}

func (m *ServerManager) verifyTCP(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(startupTimeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("daemon port %d did not accept connections within %s: %w", port, startupTimeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupInterval):
		}
	}
}

func (m *ServerManager) writeState(info ServerInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	path := config.DaemonStatePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing daemon state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing daemon state: %w", err)
	}
	return nil
}

func (m *ServerManager) clearState() {
	os.Remove(config.DaemonStatePath())
}

// ResetServer terminates the daemon and clears the state file. When
// targetPID is nonzero and the state file names a different daemon, the
// reset is a no-op: the failing daemon has already been replaced.
func (m *ServerManager) ResetServer(targetPID int) {
	data, err := os.ReadFile(config.DaemonStatePath())
	if err != nil {
		return
	}
	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		m.clearState()
		return
	}
	if targetPID != 0 && info.PID != targetPID {
		m.log.Debugf("rpc: reset skipped, daemon pid %d replaced by %d", targetPID, info.PID)
		return
	}
	if info.PID > 0 {
		if err := signalProcess(info.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) && !errors.Is(err, os.ErrProcessDone) {
			m.log.Warnf("rpc: terminating daemon pid %d: %v", info.PID, err)
		}
	}
	m.clearState()
}

// StopServer is ResetServer without a target filter.
func (m *ServerManager) StopServer() {
	m.ResetServer(0)
}

// IsServerRunning probes by pid when one is given, else falls back to the
// state file.
func (m *ServerManager) IsServerRunning(pid int) bool {
	if pid != 0 {
		return processAlive(pid)
	}
	_, ok := m.GetServer()
	return ok
}
