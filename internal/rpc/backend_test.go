package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/victorarias/dev-sessions/internal/backend"
	"github.com/victorarias/dev-sessions/internal/logging"
	"github.com/victorarias/dev-sessions/internal/registry"
)

// installDaemon runs a fake daemon and writes a state file pointing the
// backend at it, with our own pid standing in for the daemon's.
func installDaemon(t *testing.T, handle func(method string, params json.RawMessage) (any, string, []note)) (*httptest.Server, int) {
	t.Helper()
	stateDir(t)
	srv := startFakeDaemon(t, handle)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	writeState(t, ServerInfo{Version: 1, PID: os.Getpid(), Port: port, URL: srv.URL, StartedAt: time.Now()})
	return srv, port
}

func newTestBackend() *Backend {
	return NewBackend(NewServerManager(nil), nil)
}

func rpcRecord(port int) registry.SessionRecord {
	return registry.SessionRecord{
		Handle:        "bold-owl",
		InternalID:    "thr_1",
		Kind:          registry.KindRPC,
		Mode:          registry.ModeRPC,
		WorkspacePath: "/tmp/proj",
		Status:        registry.StatusActive,
		DaemonPID:     os.Getpid(),
		DaemonPort:    port,
		Model:         "gpt-5",
	}
}

func okHandshake(method string) (any, bool) {
	if method == "initialize" {
		return map[string]any{"serverInfo": map[string]string{"name": "fake"}}, true
	}
	return nil, false
}

func TestCreateStartsThread(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		if method == "thread/start" {
			return map[string]any{"thread": map[string]string{"id": "thr_9"}}, "", nil
		}
		return nil, "unexpected method " + method, nil
	})

	b := newTestBackend()
	res, err := b.Create(context.Background(), backend.CreateOptions{Handle: "bold-owl", WorkspacePath: "/tmp/proj", Model: "gpt-5"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.InternalID != "thr_9" || res.Mode != registry.ModeRPC {
		t.Errorf("result = %+v", res)
	}
	if res.DaemonPID != os.Getpid() || res.DaemonPort != port {
		t.Errorf("daemon identity = %d/%d", res.DaemonPID, res.DaemonPort)
	}
}

func TestSendFastCapture(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		switch method {
		case "thread/resume":
			return map[string]any{"thread": map[string]string{"id": "thr_1"}}, "", nil
		case "turn/start":
			return map[string]any{"turn": map[string]string{"id": "turn-1"}}, "", []note{
				{"turn/started", map[string]any{"threadId": "thr_1", "turn": map[string]string{"id": "turn-1"}}},
				{"item/agentMessage/delta", map[string]string{"delta": "Hel"}},
				{"item/agentMessage/delta", map[string]string{"delta": "lo"}},
				{"turn/completed", map[string]any{"threadId": "thr_1", "turn": map[string]string{"id": "turn-1", "status": "completed"}}},
			}
		}
		return nil, "unexpected method " + method, nil
	})

	b := newTestBackend()
	update, err := b.Send(context.Background(), rpcRecord(port), "say hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if update.TurnInProgress == nil || *update.TurnInProgress {
		t.Error("fast-captured turn should clear turnInProgress")
	}
	if update.LastAssistantMessages == nil || len(*update.LastAssistantMessages) != 1 || (*update.LastAssistantMessages)[0] != "Hello" {
		t.Errorf("assistant messages = %v", update.LastAssistantMessages)
	}
}

func TestSendResumeNotFoundFallsBackToStart(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		switch method {
		case "thread/resume":
			return nil, "no rollout found for thread id stale-thread", nil
		case "thread/start":
			return map[string]any{"thread": map[string]string{"id": "thr_new"}}, "", nil
		case "turn/start":
			return map[string]any{"turn": map[string]string{"id": "turn-1"}}, "", []note{
				{"turn/completed", map[string]any{"threadId": "thr_new", "turn": map[string]string{"id": "turn-1", "status": "completed"}}},
			}
		}
		return nil, "unexpected method " + method, nil
	})

	rec := rpcRecord(port)
	rec.InternalID = "stale-thread"

	b := newTestBackend()
	update, err := b.Send(context.Background(), rec, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if update.InternalID == nil || *update.InternalID != "thr_new" {
		t.Errorf("internal id = %v, want thr_new", update.InternalID)
	}
}

func TestWaitSpansMultipleTurns(t *testing.T) {
	var mu sync.Mutex
	resumes := 0
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		if method != "thread/resume" {
			return nil, "unexpected method " + method, nil
		}
		mu.Lock()
		resumes++
		n := resumes
		mu.Unlock()
		if n <= 2 {
			turnID := "t" + strconv.Itoa(n)
			return map[string]any{"thread": map[string]any{"id": "thr_1", "status": map[string]any{"active": map[string]string{"turnId": turnID}}}}, "", []note{
				{"item/agentMessage/delta", map[string]string{"delta": "done " + turnID}},
				{"turn/completed", map[string]any{"threadId": "thr_1", "turn": map[string]string{"id": turnID, "status": "completed"}}},
			}
		}
		return map[string]any{"thread": map[string]any{"id": "thr_1", "status": "idle"}}, "", nil
	})

	b := newTestBackend()
	out := b.Wait(context.Background(), rpcRecord(port), backend.WaitOptions{Timeout: 10 * time.Second})
	if out.ErrToThrow != nil {
		t.Fatalf("ErrToThrow = %v", out.ErrToThrow)
	}
	if !out.Result.Completed || out.Result.TimedOut || out.Result.Status != registry.TurnCompleted {
		t.Fatalf("result = %+v", out.Result)
	}
	if out.Result.AssistantText != "done t2" {
		t.Errorf("assistant text = %q", out.Result.AssistantText)
	}
	if out.Update.LastTurnOutcome == nil || *out.Update.LastTurnOutcome != registry.TurnCompleted {
		t.Errorf("update = %+v", out.Update)
	}
}

// A daemon dying mid-wait must not conclude the wait: the next cycle's
// dial failure triggers a reset and one retry, the same recovery every
// other operation gets.
func TestWaitResetsDaemonAfterTransportFailure(t *testing.T) {
	srv, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		return map[string]any{"thread": map[string]any{"id": "thr_1", "status": "idle"}}, "", nil
	})

	var mu sync.Mutex
	var signaled []syscall.Signal
	swapSignal(t, func(pid int, sig syscall.Signal) error {
		mu.Lock()
		defer mu.Unlock()
		if sig == syscall.SIGTERM {
			signaled = append(signaled, sig)
		}
		return nil
	})

	// The reset clears the state file, so the retry respawns; stand in a
	// daemon that announces the fake server's port.
	prevSpawn := spawnDaemon
	spawnDaemon = func(logPath string) (int, error) {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		fmt.Fprintf(f, "listening on ws://127.0.0.1:%d\n", port)
		return os.Getpid(), nil
	}
	t.Cleanup(func() { spawnDaemon = prevSpawn })

	dials := 0
	b := newTestBackend()
	b.dial = func(ctx context.Context, url string, log *logging.Logger) (*Client, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("dial ws://127.0.0.1:0: connection refused")
		}
		return Dial(ctx, srv.URL, log)
	}

	out := b.Wait(context.Background(), rpcRecord(port), backend.WaitOptions{Timeout: 10 * time.Second})
	if out.ErrToThrow != nil {
		t.Fatalf("ErrToThrow = %v, want recovery via reset+retry", out.ErrToThrow)
	}
	if !out.Result.Completed {
		t.Fatalf("result = %+v", out.Result)
	}

	mu.Lock()
	defer mu.Unlock()
	if dials != 2 {
		t.Errorf("dials = %d, want failing dial plus one retry", dials)
	}
	if len(signaled) != 1 {
		t.Errorf("SIGTERMs = %d, want one daemon reset", len(signaled))
	}
}

// A wait pinned to a turn id resolves on that turn alone; a completion
// for any other turn is ignored.
func TestWaitPinnedToExpectedTurn(t *testing.T) {
	var mu sync.Mutex
	resumes := 0
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		if method != "thread/resume" {
			return nil, "unexpected method " + method, nil
		}
		mu.Lock()
		resumes++
		mu.Unlock()
		return map[string]any{"thread": map[string]any{"id": "thr_1", "status": map[string]any{"active": map[string]string{"turnId": "t1"}}}}, "", []note{
			{"turn/completed", map[string]any{"threadId": "thr_1", "turn": map[string]string{"id": "t0", "status": "completed"}}},
			{"item/agentMessage/delta", map[string]string{"delta": "pinned done"}},
			{"turn/completed", map[string]any{"threadId": "thr_1", "turn": map[string]string{"id": "t1", "status": "completed"}}},
		}
	})

	b := newTestBackend()
	out := b.Wait(context.Background(), rpcRecord(port), backend.WaitOptions{
		Timeout:        10 * time.Second,
		ExpectedTurnID: "t1",
	})
	if out.ErrToThrow != nil {
		t.Fatalf("ErrToThrow = %v", out.ErrToThrow)
	}
	if !out.Result.Completed || out.Result.Status != registry.TurnCompleted {
		t.Fatalf("result = %+v", out.Result)
	}
	if out.Result.AssistantText != "pinned done" {
		t.Errorf("assistant text = %q", out.Result.AssistantText)
	}

	mu.Lock()
	defer mu.Unlock()
	if resumes != 1 {
		t.Errorf("resumes = %d, want a single pinned cycle", resumes)
	}
}

func TestWaitIdleWithoutActiveTurnReturnsImmediately(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		return map[string]any{"thread": map[string]any{"id": "thr_1", "status": "idle"}}, "", nil
	})

	b := newTestBackend()
	out := b.Wait(context.Background(), rpcRecord(port), backend.WaitOptions{Timeout: 10 * time.Second})
	if !out.Result.Completed || out.Result.ElapsedMs != 0 {
		t.Errorf("result = %+v, want immediate completion", out.Result)
	}
}

func TestWaitFailedTurnThrowsWithPrefix(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		return map[string]any{"thread": map[string]any{"id": "thr_1", "status": map[string]any{"active": map[string]string{"turnId": "t1"}}}}, "", []note{
			{"turn/completed", map[string]any{
				"threadId": "thr_1",
				"turn":     map[string]any{"id": "t1", "status": "failed", "error": map[string]string{"message": "model exploded"}},
			}},
		}
	})

	b := newTestBackend()
	out := b.Wait(context.Background(), rpcRecord(port), backend.WaitOptions{Timeout: 10 * time.Second})
	if out.ErrToThrow == nil || out.ErrToThrow.Error() != "Codex turn failed: model exploded" {
		t.Fatalf("ErrToThrow = %v", out.ErrToThrow)
	}
	if out.Update.LastTurnOutcome == nil || *out.Update.LastTurnOutcome != registry.TurnFailed {
		t.Errorf("update = %+v", out.Update)
	}
	if out.Update.LastTurnError == nil || *out.Update.LastTurnError != "model exploded" {
		t.Errorf("lastTurnError = %v", out.Update.LastTurnError)
	}
}

func TestWaitSystemError(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		return map[string]any{"thread": map[string]any{"id": "thr_1", "status": "systemError"}}, "", nil
	})

	b := newTestBackend()
	out := b.Wait(context.Background(), rpcRecord(port), backend.WaitOptions{Timeout: 10 * time.Second})
	if out.Result.Completed || !strings.Contains(out.Result.ErrorMessage, "systemError") {
		t.Errorf("result = %+v", out.Result)
	}
}

func TestExists(t *testing.T) {
	var mu sync.Mutex
	threadGone := false
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		if method != "thread/read" {
			return nil, "unexpected method " + method, nil
		}
		mu.Lock()
		gone := threadGone
		mu.Unlock()
		if gone {
			return nil, "thread not found: thr_1", nil
		}
		return map[string]any{"thread": map[string]string{"id": "thr_1"}}, "", nil
	})

	b := newTestBackend()
	rec := rpcRecord(port)

	if got := b.Exists(context.Background(), rec); got != backend.Alive {
		t.Errorf("Exists = %v, want alive", got)
	}

	mu.Lock()
	threadGone = true
	mu.Unlock()
	if got := b.Exists(context.Background(), rec); got != backend.Dead {
		t.Errorf("Exists = %v, want dead after thread loss", got)
	}
}

func TestExistsDeadDaemon(t *testing.T) {
	stateDir(t)
	swapSignal(t, func(pid int, sig syscall.Signal) error { return syscall.ESRCH })

	b := newTestBackend()
	rec := rpcRecord(9999)
	rec.DaemonPID = 4242
	if got := b.Exists(context.Background(), rec); got != backend.Dead {
		t.Errorf("Exists = %v, want dead", got)
	}
}

func threadHistory() map[string]any {
	turn := func(items ...map[string]string) map[string]any {
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = item
		}
		return map[string]any{"items": list}
	}
	return map[string]any{"thread": map[string]any{
		"id": "thr_1",
		"turns": []any{
			turn(map[string]string{"type": "userMessage", "content": "hi"}),
			turn(map[string]string{"type": "agentMessage", "text": "hello"}),
			turn(map[string]string{"type": "userMessage", "content": "more"}),
			turn(map[string]string{"type": "agentMessage", "text": "sure"}),
		},
	}}
}

func TestGetLastMessages(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		return threadHistory(), "", nil
	})

	b := newTestBackend()
	msgs, err := b.GetLastMessages(context.Background(), rpcRecord(port), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0] != "sure" {
		t.Errorf("msgs = %v", msgs)
	}
}

func TestGetLogsOrdersRoles(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		return threadHistory(), "", nil
	})

	b := newTestBackend()
	turns, err := b.GetLogs(context.Background(), rpcRecord(port))
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 4 || turns[0].Role != "human" || turns[1].Text != "hello" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestGetLogsBeforeFirstUserMessage(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		return nil, "includeTurns unavailable before first user message", nil
	})

	b := newTestBackend()
	turns, err := b.GetLogs(context.Background(), rpcRecord(port))
	if err != nil || turns != nil {
		t.Errorf("GetLogs = %v, %v, want empty without error", turns, err)
	}
}

func TestKillArchivesOnMatchingDaemon(t *testing.T) {
	var mu sync.Mutex
	var archived []string
	_, port := installDaemon(t, func(method string, params json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		if method == "thread/archive" {
			var p struct {
				ThreadID string `json:"threadId"`
			}
			json.Unmarshal(params, &p)
			mu.Lock()
			archived = append(archived, p.ThreadID)
			mu.Unlock()
			return map[string]any{}, "", nil
		}
		return nil, "unexpected method " + method, nil
	})

	b := newTestBackend()
	if err := b.Kill(context.Background(), rpcRecord(port)); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(archived) != 1 || archived[0] != "thr_1" {
		t.Errorf("archived = %v", archived)
	}
}

func TestKillSkipsMismatchedDaemon(t *testing.T) {
	called := false
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		called = true
		return map[string]any{}, "", nil
	})

	rec := rpcRecord(port)
	rec.DaemonPort = port + 1

	b := newTestBackend()
	if err := b.Kill(context.Background(), rec); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if called {
		t.Error("archive sent to a daemon the session does not belong to")
	}
}

func TestAfterKillStopsDaemonWhenNoneRemain(t *testing.T) {
	_, port := installDaemon(t, func(method string, _ json.RawMessage) (any, string, []note) {
		if result, ok := okHandshake(method); ok {
			return result, "", nil
		}
		return map[string]any{}, "", nil
	})

	var signaled []int
	swapSignal(t, func(pid int, sig syscall.Signal) error {
		if sig == syscall.SIGTERM {
			signaled = append(signaled, pid)
		}
		return nil
	})

	b := newTestBackend()

	// With sessions remaining the daemon stays up.
	if err := b.AfterKill(context.Background(), []registry.SessionRecord{rpcRecord(port)}); err != nil {
		t.Fatal(err)
	}
	if len(signaled) != 0 {
		t.Errorf("daemon stopped with sessions remaining: %v", signaled)
	}

	if err := b.AfterKill(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(signaled) != 1 {
		t.Errorf("signaled = %v, want one SIGTERM", signaled)
	}
}
