// Package config resolves filesystem paths and operator defaults for
// dev-sessions. Resolution order is always: environment variable, config
// file, built-in default.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultGatewayPort is the loopback port the gateway binds to.
	DefaultGatewayPort = 6767

	// DefaultContainerWorkspace is the path prefix rewritten by the
	// gateway client when running inside a sandbox.
	DefaultContainerWorkspace = "/workspace"

	// DefaultTranscriptTimeout bounds the wait for a TERM transcript
	// file to appear after session creation.
	DefaultTranscriptTimeout = 30 * time.Second
)

// File is the on-disk config structure at ~/.dev-sessions/config.yaml.
type File struct {
	GatewayPort       int    `yaml:"gateway_port"`
	GatewayURL        string `yaml:"gateway_url"`
	TermExecutable    string `yaml:"term_executable"`
	ContainerWrapper  string `yaml:"container_wrapper"`
	RPCExecutable     string `yaml:"rpc_executable"`
	TranscriptTimeout string `yaml:"transcript_timeout"`
}

var (
	loaded   File
	configMu sync.RWMutex
)

func init() {
	load()
}

func load() {
	configMu.Lock()
	defer configMu.Unlock()

	loaded = File{}

	path := os.Getenv("DEV_SESSIONS_CONFIG_PATH")
	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return // no config file, use defaults
	}
	yaml.Unmarshal(data, &loaded)
}

func file() File {
	configMu.RLock()
	defer configMu.RUnlock()
	return loaded
}

// Reload re-reads the config file (for testing).
func Reload() {
	load()
}

// Dir returns the base directory for dev-sessions files.
func Dir() string {
	if dir := os.Getenv("DEV_SESSIONS_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/.dev-sessions"
	}
	return filepath.Join(home, ".dev-sessions")
}

// RegistryPath returns the session registry file path.
func RegistryPath() string {
	return filepath.Join(Dir(), "sessions.json")
}

// DaemonStatePath returns the RPC daemon manager state file path.
func DaemonStatePath() string {
	return filepath.Join(Dir(), "rpc-daemon.json")
}

// DaemonLogPath returns the RPC daemon's append-only log path.
func DaemonLogPath() string {
	return filepath.Join(Dir(), "rpc-daemon.log")
}

// GatewayLogPath returns the gateway daemon log path.
func GatewayLogPath() string {
	return filepath.Join(Dir(), "gateway.log")
}

// GatewayPIDPath returns the gateway daemon pid file path.
func GatewayPIDPath() string {
	return filepath.Join(Dir(), "gateway.pid")
}

// LogPath returns the diagnostic log file path.
func LogPath() string {
	return filepath.Join(Dir(), "devs.log")
}

// GatewayPort returns the gateway bind port.
// Priority: DEV_SESSIONS_GATEWAY_PORT > config file > default.
func GatewayPort() int {
	if raw := os.Getenv("DEV_SESSIONS_GATEWAY_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			return port
		}
	}
	if port := file().GatewayPort; port > 0 {
		return port
	}
	return DefaultGatewayPort
}

// GatewayURL returns the gateway target URL for the sandbox client.
// Priority: DEV_SESSIONS_GATEWAY_URL > config file > default.
func GatewayURL() string {
	if url := os.Getenv("DEV_SESSIONS_GATEWAY_URL"); url != "" {
		return url
	}
	if url := file().GatewayURL; url != "" {
		return url
	}
	return "http://host.docker.internal:6767"
}

// TermExecutable returns the TERM agent binary.
func TermExecutable() string {
	if exe := os.Getenv("DEV_SESSIONS_TERM_EXECUTABLE"); exe != "" {
		return exe
	}
	if exe := file().TermExecutable; exe != "" {
		return exe
	}
	return "claude"
}

// ContainerWrapper returns the auxiliary wrapper binary required by the
// TERM container launch mode.
func ContainerWrapper() string {
	if exe := os.Getenv("DEV_SESSIONS_CONTAINER_WRAPPER"); exe != "" {
		return exe
	}
	if exe := file().ContainerWrapper; exe != "" {
		return exe
	}
	return "claude-sandbox"
}

// RPCExecutable returns the RPC daemon binary.
func RPCExecutable() string {
	if exe := os.Getenv("DEV_SESSIONS_RPC_EXECUTABLE"); exe != "" {
		return exe
	}
	if exe := file().RPCExecutable; exe != "" {
		return exe
	}
	return "codex"
}

// TranscriptTimeout returns the TERM transcript-existence poll deadline.
// Priority: DEV_SESSIONS_TRANSCRIPT_TIMEOUT_MS > config file > default.
func TranscriptTimeout() time.Duration {
	if raw := os.Getenv("DEV_SESSIONS_TRANSCRIPT_TIMEOUT_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if raw := file().TranscriptTimeout; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return DefaultTranscriptTimeout
}

// IsSandbox reports whether we are running inside a sandbox and should
// relay all operations through the gateway.
func IsSandbox() bool {
	return os.Getenv("IS_SANDBOX") == "1"
}

// HostPath returns the host-side path that replaces the container
// workspace prefix, or "" if no translation is configured.
func HostPath() string {
	return os.Getenv("HOST_PATH")
}

// ContainerWorkspace returns the container-side workspace prefix.
func ContainerWorkspace() string {
	if ws := os.Getenv("CONTAINER_WORKSPACE"); ws != "" {
		return ws
	}
	return DefaultContainerWorkspace
}
