package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/victorarias/dev-sessions/internal/config"
)

func stateDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DEV_SESSIONS_DIR", dir)
	return dir
}

func writeState(t *testing.T, info ServerInfo) {
	t.Helper()
	data, _ := json.Marshal(info)
	if err := os.WriteFile(config.DaemonStatePath(), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func swapSignal(t *testing.T, fn func(pid int, sig syscall.Signal) error) {
	t.Helper()
	prev := signalProcess
	signalProcess = fn
	t.Cleanup(func() { signalProcess = prev })
}

func TestGetServerReturnsLiveDescriptor(t *testing.T) {
	stateDir(t)
	writeState(t, ServerInfo{Version: 1, PID: os.Getpid(), Port: 1234, URL: "ws://127.0.0.1:1234"})

	m := NewServerManager(nil)
	info, ok := m.GetServer()
	if !ok || info.Port != 1234 {
		t.Errorf("GetServer = %+v, %v", info, ok)
	}
}

func TestGetServerClearsDeadPid(t *testing.T) {
	stateDir(t)
	writeState(t, ServerInfo{Version: 1, PID: 4242, Port: 1234, URL: "ws://127.0.0.1:1234"})
	swapSignal(t, func(pid int, sig syscall.Signal) error { return syscall.ESRCH })

	m := NewServerManager(nil)
	if _, ok := m.GetServer(); ok {
		t.Error("dead daemon reported alive")
	}
	if _, err := os.Stat(config.DaemonStatePath()); !os.IsNotExist(err) {
		t.Error("stale state file not cleared")
	}
}

func TestProcessAlivePermissionDenied(t *testing.T) {
	swapSignal(t, func(pid int, sig syscall.Signal) error { return syscall.EPERM })
	if !processAlive(4242) {
		t.Error("EPERM should count as alive")
	}
}

func TestEnsureServerSpawnsAndDiscoversURL(t *testing.T) {
	stateDir(t)

	// Real listener so the TCP verification passes.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	prev := spawnDaemon
	spawnDaemon = func(logPath string) (int, error) {
		line := fmt.Sprintf("app server listening at ws://127.0.0.1:%d\n", port)
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		f.WriteString(line)
		return os.Getpid(), nil
	}
	t.Cleanup(func() { spawnDaemon = prev })

	m := NewServerManager(nil)
	info, err := m.EnsureServer(context.Background())
	if err != nil {
		t.Fatalf("EnsureServer: %v", err)
	}
	if info.Port != port || info.URL != fmt.Sprintf("ws://127.0.0.1:%d", port) {
		t.Errorf("info = %+v", info)
	}

	// The descriptor must now be cached on disk.
	cached, ok := m.GetServer()
	if !ok || cached.Port != port {
		t.Errorf("cached = %+v, %v", cached, ok)
	}
}

func TestEnsureServerIgnoresOldLogContent(t *testing.T) {
	dir := stateDir(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	// A URL from a long-dead daemon already sits in the log.
	logPath := filepath.Join(dir, "rpc-daemon.log")
	os.WriteFile(logPath, []byte("listening at ws://127.0.0.1:9\n"), 0o644)

	prev := spawnDaemon
	spawnDaemon = func(logPath string) (int, error) {
		f, _ := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		defer f.Close()
		fmt.Fprintf(f, "listening at ws://127.0.0.1:%d\n", port)
		return os.Getpid(), nil
	}
	t.Cleanup(func() { spawnDaemon = prev })

	m := NewServerManager(nil)
	info, err := m.EnsureServer(context.Background())
	if err != nil {
		t.Fatalf("EnsureServer: %v", err)
	}
	if info.Port != port {
		t.Errorf("picked up stale port: %+v", info)
	}
}

func TestResetServerSkipsReplacedDaemon(t *testing.T) {
	stateDir(t)
	writeState(t, ServerInfo{Version: 1, PID: 42, Port: 1234, URL: "ws://127.0.0.1:1234"})

	var signaled []int
	swapSignal(t, func(pid int, sig syscall.Signal) error {
		if sig == syscall.SIGTERM {
			signaled = append(signaled, pid)
		}
		return nil
	})

	m := NewServerManager(nil)
	m.ResetServer(41)
	if len(signaled) != 0 {
		t.Errorf("reset with stale target signaled %v", signaled)
	}
	if _, err := os.Stat(config.DaemonStatePath()); err != nil {
		t.Error("state file removed despite stale target")
	}

	m.ResetServer(42)
	if len(signaled) != 1 || signaled[0] != 42 {
		t.Errorf("signaled = %v, want [42]", signaled)
	}
	if _, err := os.Stat(config.DaemonStatePath()); !os.IsNotExist(err) {
		t.Error("state file not removed")
	}
}

func TestStopServerResetsWithoutTarget(t *testing.T) {
	stateDir(t)
	writeState(t, ServerInfo{Version: 1, PID: 42, Port: 1234, URL: "ws://127.0.0.1:1234"})

	var signaled []int
	swapSignal(t, func(pid int, sig syscall.Signal) error {
		if sig == syscall.SIGTERM {
			signaled = append(signaled, pid)
		}
		return nil
	})

	NewServerManager(nil).StopServer()
	if len(signaled) != 1 || signaled[0] != 42 {
		t.Errorf("signaled = %v, want [42]", signaled)
	}
}

func TestIsServerRunning(t *testing.T) {
	stateDir(t)
	m := NewServerManager(nil)

	if m.IsServerRunning(0) {
		t.Error("no state file should mean not running")
	}
	if !m.IsServerRunning(os.Getpid()) {
		t.Error("own pid should be alive")
	}
}

func TestParseRuntimeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want RuntimeStatus
	}{
		{"", RuntimeIdle},
		{"null", RuntimeIdle},
		{`"idle"`, RuntimeIdle},
		{`"notLoaded"`, RuntimeNotLoaded},
		{`"systemError"`, RuntimeSystemError},
		{`{"active":{"turnId":"t1"}}`, RuntimeActive},
		{`"somethingNew"`, RuntimeUnknown},
		{`{"paused":true}`, RuntimeUnknown},
		{`17`, RuntimeUnknown},
	}
	for _, tt := range tests {
		if got := parseRuntimeStatus(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("parseRuntimeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
