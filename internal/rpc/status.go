package rpc

import "encoding/json"

// RuntimeStatus is the daemon's view of a thread, normalized from the
// transitional wire encoding.
type RuntimeStatus string

const (
	RuntimeIdle        RuntimeStatus = "idle"
	RuntimeActive      RuntimeStatus = "active"
	RuntimeNotLoaded   RuntimeStatus = "notLoaded"
	RuntimeSystemError RuntimeStatus = "systemError"
	RuntimeUnknown     RuntimeStatus = "unknown"
)

// parseRuntimeStatus normalizes thread.status. The field is in migration
// on the wire: absent means idle, the quiet states arrive as literal
// strings, and an active turn arrives as an object keyed "active".
func parseRuntimeStatus(raw json.RawMessage) RuntimeStatus {
	if len(raw) == 0 || string(raw) == "null" {
		return RuntimeIdle
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "idle":
			return RuntimeIdle
		case "notLoaded":
			return RuntimeNotLoaded
		case "systemError":
			return RuntimeSystemError
		}
		return RuntimeUnknown
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if _, ok := obj["active"]; ok {
			return RuntimeActive
		}
	}
	return RuntimeUnknown
}
