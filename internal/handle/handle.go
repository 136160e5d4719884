// Package handle generates the human-friendly session identifiers used as
// registry keys and multiplexer session names.
package handle

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

// SessionPrefix partitions multiplexer sessions owned by devs from
// everything else on the shared server.
const SessionPrefix = "devs-"

const maxAttempts = 250

// ErrExhaustedIDSpace is returned when no free handle was found within the
// attempt budget.
var ErrExhaustedIDSpace = errors.New("exhausted session id space")

// The lexicons are deliberately small; uniqueness comes from the
// availability check, not the namespace size.
var adjectives = []string{
	"able", "bold", "calm", "deft", "eager", "fast", "glad", "keen",
	"late", "mild", "neat", "odd", "pale", "quick", "rare", "slow",
	"tame", "vast", "warm", "wise", "young", "zesty", "brave", "crisp",
	"dusty", "fuzzy", "grand", "happy", "jolly", "lucky", "merry", "noble",
}

var nouns = []string{
	"ant", "bear", "crab", "deer", "eel", "fox", "goat", "hawk",
	"ibis", "jay", "kite", "lark", "mole", "newt", "owl", "pike",
	"quail", "rook", "seal", "toad", "vole", "wren", "yak", "zebra",
	"otter", "raven", "stork", "tapir", "heron", "finch", "moth", "lynx",
}

// Generate returns a random two-token dash-separated handle.
func Generate() string {
	return adjectives[rand.Intn(len(adjectives))] + "-" + nouns[rand.Intn(len(nouns))]
}

// ToMultiplexerName maps a handle to its multiplexer session name.
func ToMultiplexerName(handle string) string {
	return SessionPrefix + handle
}

// FromMultiplexerName recovers the handle from a multiplexer session name,
// or "" if the name is not ours.
func FromMultiplexerName(name string) string {
	if !strings.HasPrefix(name, SessionPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, SessionPrefix)
}

// TakenFunc reports whether a candidate handle is already in use. The
// allocator calls it for the registry and for every enabled backend.
type TakenFunc func(handle string) (bool, error)

// FindAvailable draws candidates until one passes every TakenFunc, or fails
// with ErrExhaustedIDSpace after the attempt budget.
func FindAvailable(checks ...TakenFunc) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := Generate()
		free := true
		for _, check := range checks {
			taken, err := check(candidate)
			if err != nil {
				return "", fmt.Errorf("checking handle %s: %w", candidate, err)
			}
			if taken {
				free = false
				break
			}
		}
		if free {
			return candidate, nil
		}
	}
	return "", ErrExhaustedIDSpace
}
