// Package backend defines the capability set every session backend
// implements and the result shapes the session manager merges back into
// the registry. Dispatch is keyed on the record's Kind; backends never
// touch the registry themselves.
package backend

import (
	"context"
	"time"

	"github.com/victorarias/dev-sessions/internal/registry"
	"github.com/victorarias/dev-sessions/internal/transcript"
)

// Liveness is the answer to an existence probe.
type Liveness int

const (
	Alive Liveness = iota
	Dead
	Unknown
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// DeadSessionPolicy says what the manager does with a record whose backend
// reports it dead.
type DeadSessionPolicy int

const (
	// PolicyPrune removes the record outright (TERM sessions are gone for
	// good once the multiplexer session dies).
	PolicyPrune DeadSessionPolicy = iota

	// PolicyDeactivate flips the record to inactive but keeps it, so the
	// thread id and metadata stay recoverable (RPC).
	PolicyDeactivate
)

// CreateOptions carries everything a backend needs to start a session.
type CreateOptions struct {
	Handle        string
	WorkspacePath string
	Mode          registry.Mode
	Model         string
	Description   string
}

// CreateResult is the backend's contribution to the new session record.
type CreateResult struct {
	InternalID string
	Mode       registry.Mode
	DaemonPID  int
	DaemonPort int
	Model      string
}

// WaitOptions bound a wait operation. ExpectedTurnID, when set, pins the
// wait to that exact turn instead of waiting for the whole thread to go
// quiet; only RPC sessions honor it.
type WaitOptions struct {
	Timeout        time.Duration
	Interval       time.Duration
	ExpectedTurnID string
}

// WaitResult is the outcome of waiting for turn completion.
type WaitResult struct {
	Completed     bool                 `json:"completed"`
	TimedOut      bool                 `json:"timedOut"`
	ElapsedMs     int64                `json:"elapsedMs"`
	Status        registry.TurnOutcome `json:"status,omitempty"`
	ErrorMessage  string               `json:"errorMessage,omitempty"`
	AssistantText string               `json:"assistantText,omitempty"`
}

// WaitOutcome bundles the wait result with the registry mutation it
// implies. ErrToThrow is surfaced to the caller after the update persists.
type WaitOutcome struct {
	Result     WaitResult
	Update     registry.Update
	ErrToThrow error
}

// StatusOutcome bundles a status answer with its registry side effects.
type StatusOutcome struct {
	Status     string
	Update     registry.Update
	ErrToThrow error
}

// Backend is the uniform capability set dispatched by the session manager.
// Every method receives an immutable snapshot of the record and returns
// partial updates; the manager merges them under the registry lock.
type Backend interface {
	Kind() registry.Kind

	// IsHandleTaken reports whether the handle is already claimed in this
	// backend's live namespace (multiplexer session names, thread ids).
	IsHandleTaken(ctx context.Context, h string) (bool, error)

	Create(ctx context.Context, opts CreateOptions) (CreateResult, error)

	// PreSendFields is written to the store before Send runs, so a crash
	// mid-send leaves enough state for a later wait (e.g. the TERM
	// completion-count baseline).
	PreSendFields(ctx context.Context, rec registry.SessionRecord) registry.Update

	Send(ctx context.Context, rec registry.SessionRecord, text string) (registry.Update, error)

	// OnSendError is merged when Send fails, before the error propagates.
	OnSendError(rec registry.SessionRecord, sendErr error) registry.Update

	Status(ctx context.Context, rec registry.SessionRecord) (StatusOutcome, error)

	Wait(ctx context.Context, rec registry.SessionRecord, opts WaitOptions) WaitOutcome

	Exists(ctx context.Context, rec registry.SessionRecord) Liveness

	GetLogs(ctx context.Context, rec registry.SessionRecord) ([]transcript.Turn, error)

	GetLastMessages(ctx context.Context, rec registry.SessionRecord, n int) ([]string, error)

	Kill(ctx context.Context, rec registry.SessionRecord) error

	// AfterKill runs once the record is gone; remaining holds the active
	// sessions of the same kind still in the registry.
	AfterKill(ctx context.Context, remaining []registry.SessionRecord) error

	DeadSessionPolicy() DeadSessionPolicy
}
