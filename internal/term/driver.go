// Package term drives TERM-kind sessions: the agent runs interactively
// inside a terminal-multiplexer session, and turn state is observed by
// tailing its JSONL transcript.
package term

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/victorarias/dev-sessions/internal/backend"
	"github.com/victorarias/dev-sessions/internal/config"
	"github.com/victorarias/dev-sessions/internal/handle"
	"github.com/victorarias/dev-sessions/internal/logging"
	"github.com/victorarias/dev-sessions/internal/registry"
	"github.com/victorarias/dev-sessions/internal/tmux"
	"github.com/victorarias/dev-sessions/internal/transcript"
)

const (
	// enterDelay and secondEnterDelay pace the keypresses after a literal
	// send so the agent's input box registers them separately.
	enterDelay       = 75 * time.Millisecond
	secondEnterDelay = 150 * time.Millisecond

	// containerStartupDelay is how long the container wrapper needs before
	// its initial prompt accepts the bypass Enter.
	containerStartupDelay = 3 * time.Second

	// transcriptPollInterval paces the transcript-existence poll after
	// session creation.
	transcriptPollInterval = 250 * time.Millisecond

	// livenessProbeEvery is how many wait polls pass between multiplexer
	// liveness checks.
	livenessProbeEvery = 10
)

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Driver implements backend.Backend for TERM sessions.
type Driver struct {
	log *logging.Logger
}

var _ backend.Backend = (*Driver)(nil)

// New returns a TERM driver.
func New(log *logging.Logger) *Driver {
	if log == nil {
		log = logging.Discard()
	}
	return &Driver{log: log}
}

func (d *Driver) Kind() registry.Kind { return registry.KindTerm }

func (d *Driver) DeadSessionPolicy() backend.DeadSessionPolicy { return backend.PolicyPrune }

// IsHandleTaken checks the multiplexer namespace for the handle.
func (d *Driver) IsHandleTaken(_ context.Context, h string) (bool, error) {
	return tmux.HasSession(handle.ToMultiplexerName(h))
}

// launchCommand builds the shell command for the session's sole window: a
// login shell that changes to the workspace and execs the agent with the
// pre-chosen internal id and mode flags.
func launchCommand(workspacePath, internalID string, mode registry.Mode) string {
	agent := config.TermExecutable()
	args := fmt.Sprintf("%s --session-id %s", agent, internalID)
	switch mode {
	case registry.ModeYolo:
		args += " --dangerously-skip-permissions"
	case registry.ModeContainer:
		args = fmt.Sprintf("%s %s", config.ContainerWrapper(), args)
	}
	return fmt.Sprintf("cd %q && exec %s", workspacePath, args)
}

// Create spawns the detached multiplexer session. For container mode it
// waits out the wrapper's startup prompt and delivers an Enter; for the
// other modes it polls for the transcript file, warning (not failing) when
// the deadline elapses.
func (d *Driver) Create(_ context.Context, opts backend.CreateOptions) (backend.CreateResult, error) {
	if opts.Mode == "" {
		opts.Mode = registry.ModeDefault
	}
	if opts.Mode == registry.ModeContainer {
		if _, err := lookPath(config.ContainerWrapper()); err != nil {
			return backend.CreateResult{}, fmt.Errorf("container mode requires %s on PATH: %w", config.ContainerWrapper(), err)
		}
	}

	internalID := uuid.NewString()
	session := handle.ToMultiplexerName(opts.Handle)

	if err := tmux.NewSession(session, opts.WorkspacePath, launchCommand(opts.WorkspacePath, internalID, opts.Mode)); err != nil {
		return backend.CreateResult{}, fmt.Errorf("spawning multiplexer session: %w", err)
	}

	if opts.Mode == registry.ModeContainer {
		time.Sleep(containerStartupDelay)
		if err := tmux.SendEnter(session); err != nil {
			d.log.Warnf("term: bypassing container prompt for %s: %v", opts.Handle, err)
		}
	} else {
		d.awaitTranscript(opts.Handle, transcript.Path(opts.WorkspacePath, internalID))
	}

	return backend.CreateResult{InternalID: internalID, Mode: opts.Mode}, nil
}

func (d *Driver) awaitTranscript(h, path string) {
	deadline := time.Now().Add(config.TranscriptTimeout())
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(transcriptPollInterval)
	}
	d.log.Warnf("term: transcript for %s did not appear at %s within %s", h, path, config.TranscriptTimeout())
}

// PreSendFields snapshots the completion-count baseline so a wait has a
// reference even when the turn finishes before the wait starts.
func (d *Driver) PreSendFields(_ context.Context, rec registry.SessionRecord) registry.Update {
	entries, err := transcript.Read(transcript.Path(rec.WorkspacePath, rec.InternalID))
	if err != nil {
		d.log.Warnf("term: reading transcript for baseline of %s: %v", rec.Handle, err)
	}
	return registry.Update{
		TermBaselineCompletionCount: registry.Int(transcript.CountSystem(entries)),
	}
}

// Send types the message into the pane. The payload travels base64-encoded
// and is decoded by the pane-side shell into a literal send-keys, then two
// paced Enter presses submit it.
func (d *Driver) Send(_ context.Context, rec registry.SessionRecord, text string) (registry.Update, error) {
	session := handle.ToMultiplexerName(rec.Handle)

	running, err := paneHasAgent(session)
	if err != nil {
		return registry.Update{}, fmt.Errorf("verifying agent process: %w", err)
	}
	if !running {
		return registry.Update{}, fmt.Errorf("no agent process running in session %s", rec.Handle)
	}

	payload := base64.StdEncoding.EncodeToString([]byte(text))
	if err := tmux.SendBase64(session, payload); err != nil {
		return registry.Update{}, fmt.Errorf("delivering message: %w", err)
	}
	time.Sleep(enterDelay)
	if err := tmux.SendEnter(session); err != nil {
		return registry.Update{}, fmt.Errorf("submitting message: %w", err)
	}
	time.Sleep(secondEnterDelay)
	if err := tmux.SendEnter(session); err != nil {
		return registry.Update{}, fmt.Errorf("submitting message: %w", err)
	}

	return registry.Update{}, nil
}

// OnSendError records the failed turn.
func (d *Driver) OnSendError(_ registry.SessionRecord, sendErr error) registry.Update {
	return registry.Update{
		TurnInProgress:  registry.Bool(false),
		LastTurnOutcome: registry.OutcomeOf(registry.TurnFailed),
		LastTurnError:   registry.Str(sendErr.Error()),
	}
}

// Status infers conversation state from the transcript.
func (d *Driver) Status(_ context.Context, rec registry.SessionRecord) (backend.StatusOutcome, error) {
	entries, err := transcript.Read(transcript.Path(rec.WorkspacePath, rec.InternalID))
	if err != nil {
		return backend.StatusOutcome{}, fmt.Errorf("reading transcript: %w", err)
	}
	return backend.StatusOutcome{Status: string(transcript.InferStatus(entries))}, nil
}

// Wait polls the transcript until the system-entry count rises past the
// send-time baseline, the deadline passes, or the session dies. Liveness
// is probed every tenth poll; an unknown liveness answer never fails the
// wait.
func (d *Driver) Wait(ctx context.Context, rec registry.SessionRecord, opts backend.WaitOptions) backend.WaitOutcome {
	start := time.Now()
	deadline := start.Add(opts.Timeout)
	path := transcript.Path(rec.WorkspacePath, rec.InternalID)
	session := handle.ToMultiplexerName(rec.Handle)

	baseline := 0
	if rec.TermBaselineCompletionCount != nil {
		baseline = *rec.TermBaselineCompletionCount
	}

	var lastMtime time.Time
	entries, _ := transcript.Read(path)

	for poll := 0; ; poll++ {
		if poll > 0 && poll%livenessProbeEvery == 0 {
			alive, err := tmux.HasSession(session)
			if err == nil && !alive {
				return backend.WaitOutcome{
					Result: backend.WaitResult{
						Completed:    false,
						TimedOut:     false,
						ElapsedMs:    time.Since(start).Milliseconds(),
						ErrorMessage: "session died during wait",
					},
					Update: registry.Update{Status: registry.StatusOf(registry.StatusInactive)},
				}
			}
		}

		if info, err := os.Stat(path); err == nil && !info.ModTime().Equal(lastMtime) {
			lastMtime = info.ModTime()
			entries, _ = transcript.Read(path)
		}

		if transcript.CountSystem(entries) > baseline {
			return backend.WaitOutcome{
				Result: backend.WaitResult{
					Completed: true,
					ElapsedMs: time.Since(start).Milliseconds(),
					Status:    registry.TurnCompleted,
				},
				Update: registry.Update{
					LastTurnOutcome:     registry.OutcomeOf(registry.TurnCompleted),
					LastTurnCompletedAt: registry.Time(time.Now()),
				},
			}
		}

		if !time.Now().Before(deadline) {
			return backend.WaitOutcome{
				Result: backend.WaitResult{
					Completed: false,
					TimedOut:  true,
					ElapsedMs: time.Since(start).Milliseconds(),
				},
			}
		}

		select {
		case <-ctx.Done():
			return backend.WaitOutcome{
				Result: backend.WaitResult{
					Completed:    false,
					TimedOut:     true,
					ElapsedMs:    time.Since(start).Milliseconds(),
					ErrorMessage: ctx.Err().Error(),
				},
			}
		case <-time.After(opts.Interval):
		}
	}
}

// Exists probes multiplexer session liveness.
func (d *Driver) Exists(_ context.Context, rec registry.SessionRecord) backend.Liveness {
	alive, err := tmux.HasSession(handle.ToMultiplexerName(rec.Handle))
	if err != nil {
		return backend.Unknown
	}
	if alive {
		return backend.Alive
	}
	return backend.Dead
}

// GetLogs returns the transcript's conversational turns.
func (d *Driver) GetLogs(_ context.Context, rec registry.SessionRecord) ([]transcript.Turn, error) {
	entries, err := transcript.Read(transcript.Path(rec.WorkspacePath, rec.InternalID))
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return transcript.ExtractTurns(entries), nil
}

// GetLastMessages returns the last n assistant text blocks.
func (d *Driver) GetLastMessages(_ context.Context, rec registry.SessionRecord, n int) ([]string, error) {
	if n < 1 {
		n = 1
	}
	entries, err := transcript.Read(transcript.Path(rec.WorkspacePath, rec.InternalID))
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	texts := transcript.AssistantText(entries)
	if len(texts) > n {
		texts = texts[len(texts)-n:]
	}
	return texts, nil
}

// Kill tears the multiplexer session down, swallowing the already-gone
// error family.
func (d *Driver) Kill(_ context.Context, rec registry.SessionRecord) error {
	err := tmux.KillSession(handle.ToMultiplexerName(rec.Handle))
	if err != nil && !tmux.IsMissingError(err) {
		return err
	}
	return nil
}

// AfterKill has nothing to clean up for TERM sessions.
func (d *Driver) AfterKill(context.Context, []registry.SessionRecord) error { return nil }
