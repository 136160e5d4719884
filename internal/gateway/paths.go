package gateway

import (
	"strings"

	"github.com/victorarias/dev-sessions/internal/config"
)

// TranslatePath rewrites a container-side workspace path to its host
// equivalent before it crosses the gateway. Outside a sandbox, or without
// HOST_PATH configured, paths pass through untouched.
func TranslatePath(path string) string {
	if !config.IsSandbox() {
		return path
	}
	host := config.HostPath()
	if host == "" {
		return path
	}
	prefix := config.ContainerWorkspace()
	if path == prefix {
		return host
	}
	if strings.HasPrefix(path, prefix+"/") {
		return host + strings.TrimPrefix(path, prefix)
	}
	return path
}
