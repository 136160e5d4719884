package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DEV_SESSIONS_DIR", dir)

	if got := Dir(); got != dir {
		t.Errorf("Dir() = %q, want %q", got, dir)
	}
	if got := RegistryPath(); got != filepath.Join(dir, "sessions.json") {
		t.Errorf("RegistryPath() = %q", got)
	}
	if got := DaemonStatePath(); got != filepath.Join(dir, "rpc-daemon.json") {
		t.Errorf("DaemonStatePath() = %q", got)
	}
}

func TestGatewayPortPriority(t *testing.T) {
	t.Setenv("DEV_SESSIONS_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	Reload()

	t.Setenv("DEV_SESSIONS_GATEWAY_PORT", "")
	if got := GatewayPort(); got != DefaultGatewayPort {
		t.Errorf("default port = %d, want %d", got, DefaultGatewayPort)
	}

	t.Setenv("DEV_SESSIONS_GATEWAY_PORT", "9999")
	if got := GatewayPort(); got != 9999 {
		t.Errorf("env port = %d, want 9999", got)
	}

	// Malformed env falls through to the default.
	t.Setenv("DEV_SESSIONS_GATEWAY_PORT", "not-a-port")
	if got := GatewayPort(); got != DefaultGatewayPort {
		t.Errorf("malformed env port = %d, want %d", got, DefaultGatewayPort)
	}
}

func TestConfigFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "gateway_port: 7070\nterm_executable: /opt/bin/claude\ntranscript_timeout: 5s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEV_SESSIONS_CONFIG_PATH", path)
	t.Setenv("DEV_SESSIONS_GATEWAY_PORT", "")
	t.Setenv("DEV_SESSIONS_TERM_EXECUTABLE", "")
	t.Setenv("DEV_SESSIONS_TRANSCRIPT_TIMEOUT_MS", "")
	Reload()
	defer Reload()

	if got := GatewayPort(); got != 7070 {
		t.Errorf("GatewayPort() = %d, want 7070", got)
	}
	if got := TermExecutable(); got != "/opt/bin/claude" {
		t.Errorf("TermExecutable() = %q", got)
	}
	if got := TranscriptTimeout(); got != 5*time.Second {
		t.Errorf("TranscriptTimeout() = %v, want 5s", got)
	}
}

func TestTranscriptTimeoutEnvMillis(t *testing.T) {
	t.Setenv("DEV_SESSIONS_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	Reload()

	t.Setenv("DEV_SESSIONS_TRANSCRIPT_TIMEOUT_MS", "1500")
	if got := TranscriptTimeout(); got != 1500*time.Millisecond {
		t.Errorf("TranscriptTimeout() = %v, want 1.5s", got)
	}
}

func TestSandboxDetection(t *testing.T) {
	t.Setenv("IS_SANDBOX", "")
	if IsSandbox() {
		t.Error("IsSandbox() = true with unset env")
	}
	t.Setenv("IS_SANDBOX", "1")
	if !IsSandbox() {
		t.Error("IsSandbox() = false with IS_SANDBOX=1")
	}
}

func TestContainerWorkspaceDefault(t *testing.T) {
	t.Setenv("CONTAINER_WORKSPACE", "")
	if got := ContainerWorkspace(); got != DefaultContainerWorkspace {
		t.Errorf("ContainerWorkspace() = %q, want %q", got, DefaultContainerWorkspace)
	}
	t.Setenv("CONTAINER_WORKSPACE", "/src")
	if got := ContainerWorkspace(); got != "/src" {
		t.Errorf("ContainerWorkspace() = %q, want /src", got)
	}
}
