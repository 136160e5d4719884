package transcript

import (
	"os"
	"path/filepath"
)

// SanitizeWorkspacePath maps an absolute workspace path to the directory
// name the TERM agent uses under its projects root: every byte outside
// [A-Za-z0-9] becomes '-'.
func SanitizeWorkspacePath(path string) string {
	out := make([]byte, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '-'
		}
	}
	return string(out)
}

// ProjectsRoot returns the TERM agent's transcript root directory.
func ProjectsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", ".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// Path returns the transcript file for a session: the sanitized workspace
// directory joined with the per-session internal id.
func Path(workspacePath, internalID string) string {
	return filepath.Join(ProjectsRoot(), SanitizeWorkspacePath(workspacePath), internalID+".jsonl")
}
