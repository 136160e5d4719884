package registry

import "time"

// Kind selects the backend driving a session.
type Kind string

const (
	KindTerm Kind = "term"
	KindRPC  Kind = "rpc"
)

// Mode is the launch flavor. TERM sessions use one of the three launch
// modes; RPC sessions always carry ModeRPC.
type Mode string

const (
	ModeDefault   Mode = "default"
	ModeYolo      Mode = "yolo"
	ModeContainer Mode = "container"
	ModeRPC       Mode = "rpc"
)

// Status is the registry-visible lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// TurnOutcome records how the most recent turn ended.
type TurnOutcome string

const (
	TurnCompleted   TurnOutcome = "completed"
	TurnFailed      TurnOutcome = "failed"
	TurnInterrupted TurnOutcome = "interrupted"
)

// SessionRecord is one persisted session. Handle is the primary key;
// InternalID is the backend identity (transcript UUID for TERM, thread id
// for RPC).
type SessionRecord struct {
	Handle        string `json:"handle"`
	InternalID    string `json:"internalId"`
	Kind          Kind   `json:"kind"`
	Mode          Mode   `json:"mode"`
	WorkspacePath string `json:"workspacePath"`
	Description   string `json:"description,omitempty"`
	Status        Status `json:"status"`

	DaemonPID           int        `json:"daemonPid,omitempty"`
	DaemonPort          int        `json:"daemonPort,omitempty"`
	Model               string     `json:"model,omitempty"`
	TurnInProgress      bool       `json:"turnInProgress,omitempty"`
	LastTurnCompletedAt *time.Time `json:"lastTurnCompletedAt,omitempty"`

	TermBaselineCompletionCount *int `json:"termBaselineCompletionCount,omitempty"`

	LastTurnOutcome       TurnOutcome `json:"lastTurnOutcome,omitempty"`
	LastTurnError         string      `json:"lastTurnError,omitempty"`
	LastAssistantMessages []string    `json:"lastAssistantMessages,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// Valid reports whether a loaded record satisfies the schema. Invalid
// records are dropped at load time with a warning.
func (r *SessionRecord) Valid() bool {
	if r.Handle == "" || r.WorkspacePath == "" {
		return false
	}
	switch r.Kind {
	case KindTerm, KindRPC:
	default:
		return false
	}
	switch r.Status {
	case StatusActive, StatusInactive:
	default:
		return false
	}
	return true
}

// Update is a partial mutation merged into a SessionRecord under the
// registry lock. Nil fields are left untouched.
type Update struct {
	InternalID          *string
	Status              *Status
	DaemonPID           *int
	DaemonPort          *int
	Model               *string
	TurnInProgress      *bool
	LastTurnCompletedAt *time.Time

	TermBaselineCompletionCount *int

	LastTurnOutcome       *TurnOutcome
	LastTurnError         *string
	LastAssistantMessages *[]string

	LastUsed *time.Time
}

// IsZero reports whether the update carries no mutation.
func (u Update) IsZero() bool {
	return u == Update{}
}

// Apply merges the update into the record. LastUsed never moves backwards.
func (r *SessionRecord) Apply(u Update) {
	if u.InternalID != nil {
		r.InternalID = *u.InternalID
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.DaemonPID != nil {
		r.DaemonPID = *u.DaemonPID
	}
	if u.DaemonPort != nil {
		r.DaemonPort = *u.DaemonPort
	}
	if u.Model != nil {
		r.Model = *u.Model
	}
	if u.TurnInProgress != nil {
		r.TurnInProgress = *u.TurnInProgress
	}
	if u.LastTurnCompletedAt != nil {
		t := *u.LastTurnCompletedAt
		r.LastTurnCompletedAt = &t
	}
	if u.TermBaselineCompletionCount != nil {
		n := *u.TermBaselineCompletionCount
		r.TermBaselineCompletionCount = &n
	}
	if u.LastTurnOutcome != nil {
		r.LastTurnOutcome = *u.LastTurnOutcome
	}
	if u.LastTurnError != nil {
		r.LastTurnError = *u.LastTurnError
	}
	if u.LastAssistantMessages != nil {
		r.LastAssistantMessages = append([]string(nil), (*u.LastAssistantMessages)...)
	}
	if u.LastUsed != nil && u.LastUsed.After(r.LastUsed) {
		r.LastUsed = *u.LastUsed
	}
}

// Helpers for building partial updates without intermediate variables.

func Str(s string) *string                { return &s }
func Int(n int) *int                      { return &n }
func Bool(b bool) *bool                   { return &b }
func Time(t time.Time) *time.Time         { return &t }
func StatusOf(s Status) *Status           { return &s }
func OutcomeOf(o TurnOutcome) *TurnOutcome { return &o }
func Strings(s []string) *[]string        { return &s }
