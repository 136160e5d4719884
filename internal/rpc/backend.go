package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/victorarias/dev-sessions/internal/backend"
	"github.com/victorarias/dev-sessions/internal/logging"
	"github.com/victorarias/dev-sessions/internal/registry"
	"github.com/victorarias/dev-sessions/internal/transcript"
)

const (
	clientName    = "devs"
	clientVersion = "0.3.0"

	// fastCaptureWindow is how long a send lingers for the turn to finish
	// on the same connection before going fire-and-forget.
	fastCaptureWindow = 3 * time.Second
)

// Backend drives RPC sessions through the shared daemon, opening one
// connection per operation.
type Backend struct {
	log     *logging.Logger
	servers *ServerManager

	// dial is swapped in tests.
	dial func(ctx context.Context, url string, log *logging.Logger) (*Client, error)

	mu            sync.Mutex
	lastAssistant map[string]string
}

var _ backend.Backend = (*Backend)(nil)

// NewBackend returns an RPC backend sharing the given daemon manager.
func NewBackend(servers *ServerManager, log *logging.Logger) *Backend {
	if log == nil {
		log = logging.Discard()
	}
	return &Backend{
		log:           log,
		servers:       servers,
		dial:          Dial,
		lastAssistant: make(map[string]string),
	}
}

func (b *Backend) Kind() registry.Kind { return registry.KindRPC }

func (b *Backend) DeadSessionPolicy() backend.DeadSessionPolicy { return backend.PolicyDeactivate }

// IsHandleTaken: RPC sessions have no namespace of their own beyond the
// registry, which the allocator checks separately.
func (b *Backend) IsHandleTaken(context.Context, string) (bool, error) { return false, nil }

// connect ensures a daemon, dials it, and runs the handshake. The
// returned ServerInfo is populated even on dial failure so the caller can
// target a reset.
func (b *Backend) connect(ctx context.Context) (*Client, ServerInfo, error) {
	info, err := b.servers.EnsureServer(ctx)
	if err != nil {
		return nil, ServerInfo{}, err
	}
	client, err := b.dial(ctx, info.URL, b.log)
	if err != nil {
		return nil, info, err
	}
	if err := b.handshake(ctx, client); err != nil {
		client.Close()
		return nil, info, err
	}
	return client, info, nil
}

// connectWithRetry resets the daemon and retries once when the failure
// looks like a transport problem rather than a protocol one.
func (b *Backend) connectWithRetry(ctx context.Context) (*Client, ServerInfo, error) {
	client, info, err := b.connect(ctx)
	if err == nil || !isTransportError(err) {
		return client, info, err
	}
	b.log.Warnf("rpc: connect failed (%v), resetting daemon and retrying", err)
	b.servers.ResetServer(info.PID)
	return b.connect(ctx)
}

func (b *Backend) handshake(ctx context.Context, client *Client) error {
	params := map[string]any{
		"clientInfo": map[string]string{
			"name":    clientName,
			"title":   "dev-sessions",
			"version": clientVersion,
		},
	}
	if _, err := client.Call(ctx, "initialize", params); err != nil {
		return err
	}
	return client.Notify(ctx, "initialized", nil)
}

// threadPayload is the thread shape shared by start, resume and read
// responses.
type threadPayload struct {
	Thread struct {
		ID     string          `json:"id"`
		Status json.RawMessage `json:"status"`
		Turns  []struct {
			Items []struct {
				Type    string `json:"type"`
				Content string `json:"content"`
				Text    string `json:"text"`
			} `json:"items"`
		} `json:"turns"`
	} `json:"thread"`
}

func (b *Backend) startThread(ctx context.Context, client *Client) (string, error) {
	raw, err := client.Call(ctx, "thread/start", nil)
	if err != nil {
		return "", err
	}
	var payload threadPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("parsing thread/start result: %w", err)
	}
	if payload.Thread.ID == "" {
		return "", fmt.Errorf("thread/start returned no thread id")
	}
	return payload.Thread.ID, nil
}

// resumeThread loads the thread into the daemon and subscribes this
// connection to its turn notifications.
func (b *Backend) resumeThread(ctx context.Context, client *Client, threadID, cwd, model string) (threadPayload, error) {
	params := map[string]any{
		"threadId":               threadID,
		"cwd":                    cwd,
		"approvalPolicy":         "never",
		"sandbox":                "danger-full-access",
		"persistExtendedHistory": true,
	}
	if model != "" {
		params["model"] = model
	}
	raw, err := client.Call(ctx, "thread/resume", params)
	if err != nil {
		return threadPayload{}, err
	}
	var payload threadPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return threadPayload{}, fmt.Errorf("parsing thread/resume result: %w", err)
	}
	return payload, nil
}

func (b *Backend) readThread(ctx context.Context, client *Client, threadID string, includeTurns bool) (threadPayload, error) {
	raw, err := client.Call(ctx, "thread/read", map[string]any{
		"threadId":     threadID,
		"includeTurns": includeTurns,
	})
	if err != nil {
		return threadPayload{}, err
	}
	var payload threadPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return threadPayload{}, fmt.Errorf("parsing thread/read result: %w", err)
	}
	return payload, nil
}

func (b *Backend) startTurn(ctx context.Context, client *Client, threadID, text string) (string, error) {
	raw, err := client.Call(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]string{{"type": "text", "text": text}},
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("parsing turn/start result: %w", err)
	}
	return payload.Turn.ID, nil
}

// Create starts a fresh thread on the daemon.
func (b *Backend) Create(ctx context.Context, opts backend.CreateOptions) (backend.CreateResult, error) {
	client, info, err := b.connectWithRetry(ctx)
	if err != nil {
		return backend.CreateResult{}, err
	}
	defer client.Close()

	threadID, err := b.startThread(ctx, client)
	if err != nil {
		return backend.CreateResult{}, err
	}
	return backend.CreateResult{
		InternalID: threadID,
		Mode:       registry.ModeRPC,
		DaemonPID:  info.PID,
		DaemonPort: info.Port,
		Model:      opts.Model,
	}, nil
}

// PreSendFields: the RPC backend has no pre-send state to persist.
func (b *Backend) PreSendFields(context.Context, registry.SessionRecord) registry.Update {
	return registry.Update{}
}

// Send is fire-and-forget: resume (falling back to a fresh thread when
// the daemon lost the rollout), start the turn, then linger briefly in
// case the turn finishes fast enough to capture its text on the spot.
func (b *Backend) Send(ctx context.Context, rec registry.SessionRecord, text string) (registry.Update, error) {
	client, _, err := b.connectWithRetry(ctx)
	if err != nil {
		return registry.Update{}, err
	}
	defer client.Close()

	threadID := rec.InternalID
	if threadID != "" {
		if _, err := b.resumeThread(ctx, client, threadID, rec.WorkspacePath, rec.Model); err != nil {
			if !isThreadNotFound(err) {
				return registry.Update{}, err
			}
			b.log.Warnf("rpc: thread %s is gone (%v), starting a new one", threadID, err)
			threadID = ""
		}
	}
	if threadID == "" {
		threadID, err = b.startThread(ctx, client)
		if err != nil {
			return registry.Update{}, err
		}
	}

	turnID, err := b.startTurn(ctx, client, threadID, text)
	if err != nil {
		return registry.Update{}, err
	}

	update := registry.Update{
		InternalID:     registry.Str(threadID),
		TurnInProgress: registry.Bool(true),
	}

	res := client.WaitForTurnCompletion(fastCaptureWindow, threadID, turnID)
	if !res.TimedOut && res.Status == "completed" && res.ErrorMessage == "" {
		update.TurnInProgress = registry.Bool(false)
		update.LastTurnOutcome = registry.OutcomeOf(registry.TurnCompleted)
		update.LastTurnCompletedAt = registry.Time(time.Now())
		if res.AssistantText != "" {
			update.LastAssistantMessages = registry.Strings([]string{res.AssistantText})
			b.cacheAssistant(rec.Handle, res.AssistantText)
		}
	}
	return update, nil
}

// OnSendError records the failed turn.
func (b *Backend) OnSendError(_ registry.SessionRecord, sendErr error) registry.Update {
	return registry.Update{
		TurnInProgress:  registry.Bool(false),
		LastTurnOutcome: registry.OutcomeOf(registry.TurnFailed),
		LastTurnError:   registry.Str(sendErr.Error()),
	}
}

// Status resumes the thread once and reports its runtime state.
func (b *Backend) Status(ctx context.Context, rec registry.SessionRecord) (backend.StatusOutcome, error) {
	client, _, err := b.connectWithRetry(ctx)
	if err != nil {
		return backend.StatusOutcome{}, err
	}
	defer client.Close()

	payload, err := b.resumeThread(ctx, client, rec.InternalID, rec.WorkspacePath, rec.Model)
	if err != nil {
		return backend.StatusOutcome{}, err
	}
	status := parseRuntimeStatus(payload.Thread.Status)

	out := backend.StatusOutcome{Status: string(status)}
	if rec.TurnInProgress && status != RuntimeActive && status != RuntimeUnknown {
		out.Update = registry.Update{TurnInProgress: registry.Bool(false)}
	}
	return out, nil
}

// Wait reconnects per cycle until the thread goes quiet or the deadline
// passes. A completed turn does not end the wait by itself; a logical
// task may span several turns, so the loop continues until a resume
// reports the thread idle.
func (b *Backend) Wait(ctx context.Context, rec registry.SessionRecord, opts backend.WaitOptions) backend.WaitOutcome {
	start := time.Now()
	deadline := start.Add(opts.Timeout)
	threadID := rec.InternalID

	var assistantText string
	sawActive := false

	finishCompleted := func() backend.WaitOutcome {
		out := backend.WaitOutcome{
			Result: backend.WaitResult{
				Completed:     true,
				ElapsedMs:     time.Since(start).Milliseconds(),
				Status:        registry.TurnCompleted,
				AssistantText: assistantText,
			},
			Update: registry.Update{
				TurnInProgress:      registry.Bool(false),
				LastTurnOutcome:     registry.OutcomeOf(registry.TurnCompleted),
				LastTurnCompletedAt: registry.Time(time.Now()),
			},
		}
		if assistantText != "" {
			out.Update.LastAssistantMessages = registry.Strings([]string{assistantText})
			b.cacheAssistant(rec.Handle, assistantText)
		}
		return out
	}

	timedOut := func() backend.WaitOutcome {
		return backend.WaitOutcome{
			Result: backend.WaitResult{TimedOut: true, ElapsedMs: time.Since(start).Milliseconds()},
		}
	}

	interrupted := func(msg string) backend.WaitOutcome {
		return backend.WaitOutcome{
			Result: backend.WaitResult{
				ElapsedMs:    time.Since(start).Milliseconds(),
				Status:       registry.TurnInterrupted,
				ErrorMessage: msg,
			},
			Update: registry.Update{
				TurnInProgress:  registry.Bool(false),
				LastTurnOutcome: registry.OutcomeOf(registry.TurnInterrupted),
				LastTurnError:   registry.Str(msg),
			},
		}
	}

	failedTurn := func(msg string) backend.WaitOutcome {
		if msg == "" {
			msg = "turn failed"
		}
		return backend.WaitOutcome{
			Result: backend.WaitResult{
				ElapsedMs:     time.Since(start).Milliseconds(),
				Status:        registry.TurnFailed,
				ErrorMessage:  msg,
				AssistantText: assistantText,
			},
			Update: registry.Update{
				TurnInProgress:  registry.Bool(false),
				LastTurnOutcome: registry.OutcomeOf(registry.TurnFailed),
				LastTurnError:   registry.Str(msg),
			},
			ErrToThrow: fmt.Errorf("Codex turn failed: %s", msg),
		}
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timedOut()
		}

		client, _, err := b.connectWithRetry(ctx)
		if err != nil {
			return backend.WaitOutcome{
				Result: backend.WaitResult{
					ElapsedMs:    time.Since(start).Milliseconds(),
					Status:       registry.TurnFailed,
					ErrorMessage: err.Error(),
				},
				ErrToThrow: err,
			}
		}

		payload, err := b.resumeThread(ctx, client, threadID, rec.WorkspacePath, rec.Model)
		if err != nil {
			client.Close()
			return backend.WaitOutcome{
				Result: backend.WaitResult{
					ElapsedMs:    time.Since(start).Milliseconds(),
					Status:       registry.TurnFailed,
					ErrorMessage: err.Error(),
				},
				ErrToThrow: err,
			}
		}

		// A caller that already knows the turn id pins the wait to that
		// exact turn: one connection, one strict waiter, and that turn's
		// own outcome ends the wait. Completions for any other turn leave
		// the waiter installed.
		if opts.ExpectedTurnID != "" {
			res := client.WaitForTurnCompletion(remaining, threadID, opts.ExpectedTurnID)
			client.Close()
			if res.AssistantText != "" {
				assistantText = res.AssistantText
			}
			switch {
			case res.TimedOut:
				return timedOut()
			case res.Status == "completed" && res.ErrorMessage == "":
				return finishCompleted()
			case res.Status == "interrupted":
				return interrupted(res.ErrorMessage)
			default:
				return failedTurn(res.ErrorMessage)
			}
		}

		switch parseRuntimeStatus(payload.Thread.Status) {
		case RuntimeActive:
			sawActive = true
			res := client.WaitForTurnCompletion(remaining, threadID, "")
			client.Close()
			if res.AssistantText != "" {
				assistantText = res.AssistantText
			}
			if res.TimedOut {
				return timedOut()
			}
			switch {
			case res.Status == "completed" && res.ErrorMessage == "":
				// Reconnect and look again: another turn may start.
				continue
			case res.Status == "interrupted":
				return interrupted(res.ErrorMessage)
			default:
				return failedTurn(res.ErrorMessage)
			}

		case RuntimeSystemError:
			client.Close()
			msg := "Codex thread is in systemError state"
			return backend.WaitOutcome{
				Result: backend.WaitResult{
					ElapsedMs:    time.Since(start).Milliseconds(),
					Status:       registry.TurnFailed,
					ErrorMessage: msg,
				},
				Update: registry.Update{
					TurnInProgress:  registry.Bool(false),
					LastTurnOutcome: registry.OutcomeOf(registry.TurnFailed),
					LastTurnError:   registry.Str(msg),
				},
			}

		case RuntimeUnknown:
			client.Close()
			return backend.WaitOutcome{
				Result: backend.WaitResult{
					ElapsedMs:    time.Since(start).Milliseconds(),
					Status:       registry.TurnFailed,
					ErrorMessage: "Unable to determine Codex thread status",
				},
			}

		default: // idle, notLoaded
			client.Close()
			if !sawActive {
				out := finishCompleted()
				out.Result.ElapsedMs = 0
				return out
			}
			return finishCompleted()
		}
	}
}

// Exists checks daemon liveness, then asks the daemon whether the thread
// is reachable. A daemon other than the one recorded means the session's
// thread is not loaded anywhere.
func (b *Backend) Exists(ctx context.Context, rec registry.SessionRecord) backend.Liveness {
	if rec.InternalID == "" {
		if b.servers.IsServerRunning(rec.DaemonPID) {
			return backend.Alive
		}
		return backend.Dead
	}

	if !b.servers.IsServerRunning(rec.DaemonPID) {
		return backend.Dead
	}
	info, ok := b.servers.GetServer()
	if !ok {
		return backend.Dead
	}
	client, err := b.dial(ctx, info.URL, b.log)
	if err != nil {
		return backend.Unknown
	}
	defer client.Close()
	if err := b.handshake(ctx, client); err != nil {
		return backend.Unknown
	}

	_, err = b.readThread(ctx, client, rec.InternalID, false)
	switch {
	case err == nil:
		return backend.Alive
	case isThreadNotFound(err):
		return backend.Dead
	default:
		return backend.Unknown
	}
}

// GetLogs reads the thread history as conversational turns.
func (b *Backend) GetLogs(ctx context.Context, rec registry.SessionRecord) ([]transcript.Turn, error) {
	client, _, err := b.connectWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	payload, err := b.readThread(ctx, client, rec.InternalID, true)
	if err != nil {
		if isHistoryUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}

	var turns []transcript.Turn
	for _, t := range payload.Thread.Turns {
		for _, item := range t.Items {
			switch item.Type {
			case "userMessage":
				text := item.Content
				if text == "" {
					text = item.Text
				}
				turns = append(turns, transcript.Turn{Role: "human", Text: text})
			case "agentMessage":
				turns = append(turns, transcript.Turn{Role: "assistant", Text: item.Text})
			}
		}
	}
	return turns, nil
}

// GetLastMessages returns the last n assistant messages from the thread
// history.
func (b *Backend) GetLastMessages(ctx context.Context, rec registry.SessionRecord, n int) ([]string, error) {
	if n < 1 {
		n = 1
	}
	client, _, err := b.connectWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	payload, err := b.readThread(ctx, client, rec.InternalID, true)
	if err != nil {
		if isHistoryUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}

	var texts []string
	for _, t := range payload.Thread.Turns {
		for _, item := range t.Items {
			if item.Type == "agentMessage" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
	}
	if len(texts) > n {
		texts = texts[len(texts)-n:]
	}
	return texts, nil
}

// Kill archives the thread on the daemon that owns it. Archival is best
// effort: a missing thread or a dead daemon is not an error.
func (b *Backend) Kill(ctx context.Context, rec registry.SessionRecord) error {
	b.mu.Lock()
	delete(b.lastAssistant, rec.Handle)
	b.mu.Unlock()

	if rec.InternalID == "" || rec.DaemonPort == 0 {
		return nil
	}
	info, ok := b.servers.GetServer()
	if !ok || info.PID != rec.DaemonPID || info.Port != rec.DaemonPort {
		return nil
	}

	client, err := b.dial(ctx, info.URL, b.log)
	if err != nil {
		return nil
	}
	defer client.Close()
	if err := b.handshake(ctx, client); err != nil {
		return nil
	}

	if _, err := client.Call(ctx, "thread/archive", map[string]any{"threadId": rec.InternalID}); err != nil {
		if isThreadNotFound(err) || isTransportError(err) {
			b.log.Debugf("rpc: archiving thread %s: %v", rec.InternalID, err)
			return nil
		}
		return err
	}
	return nil
}

// AfterKill stops the shared daemon once the last RPC session is gone.
func (b *Backend) AfterKill(_ context.Context, remaining []registry.SessionRecord) error {
	if len(remaining) == 0 {
		b.log.Info("rpc: no sessions left, stopping daemon")
		b.servers.StopServer()
	}
	return nil
}

func (b *Backend) cacheAssistant(handle, text string) {
	b.mu.Lock()
	b.lastAssistant[handle] = text
	b.mu.Unlock()
}
