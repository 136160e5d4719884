package rpc

import "strings"

// isTransportError reports whether err belongs to the connection-failure
// family that warrants a daemon reset and a single retry.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"websocket",
		"connection refused",
		"connection reset",
		"broken pipe",
		"socket hang up",
		"closed during connect",
		"connection lost",
		"unexpected eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// isThreadNotFound recognizes the daemon's "this thread does not exist
// or is not loaded" error family.
func isThreadNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no rollout") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "not loaded")
}

// isHistoryUnavailable recognizes the daemon refusing includeTurns on a
// thread that has no user message yet; callers treat it as empty history.
func isHistoryUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "before first user message") ||
		strings.Contains(msg, "includeturns")
}
