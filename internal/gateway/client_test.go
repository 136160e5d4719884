package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/victorarias/dev-sessions/internal/manager"
	"github.com/victorarias/dev-sessions/internal/registry"
)

func TestTranslatePath(t *testing.T) {
	tests := []struct {
		name      string
		sandbox   string
		hostPath  string
		workspace string
		in        string
		want      string
	}{
		{"not sandboxed", "", "/host/proj", "", "/workspace/subdir", "/workspace/subdir"},
		{"no host path", "1", "", "", "/workspace/subdir", "/workspace/subdir"},
		{"prefix rewrite", "1", "/host/proj", "", "/workspace/subdir", "/host/proj/subdir"},
		{"exact prefix", "1", "/host/proj", "", "/workspace", "/host/proj"},
		{"unrelated path", "1", "/host/proj", "", "/tmp/elsewhere", "/tmp/elsewhere"},
		{"prefix is not a component", "1", "/host/proj", "", "/workspaces/x", "/workspaces/x"},
		{"custom workspace", "1", "/host/proj", "/mnt/code", "/mnt/code/a", "/host/proj/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("IS_SANDBOX", tt.sandbox)
			t.Setenv("HOST_PATH", tt.hostPath)
			t.Setenv("CONTAINER_WORKSPACE", tt.workspace)
			if got := TranslatePath(tt.in); got != tt.want {
				t.Errorf("TranslatePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// The relay must be transparent: operations through the client observe
// the same results a local manager caller would.
func TestClientRelaysOperations(t *testing.T) {
	t.Setenv("IS_SANDBOX", "1")
	t.Setenv("HOST_PATH", "/host/proj")
	t.Setenv("CONTAINER_WORKSPACE", "")

	stub := &stubBackend{kind: registry.KindTerm, status: "idle", messages: []string{"PONG"}}
	srv := newTestServer(t, stub)
	t.Setenv("DEV_SESSIONS_GATEWAY_URL", srv.URL)

	c := NewClient(nil)
	ctx := context.Background()

	rec, err := c.CreateSession(ctx, manager.CreateOptions{
		Kind:          registry.KindTerm,
		WorkspacePath: "/workspace/subdir",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if rec.Handle == "" {
		t.Fatal("empty handle")
	}
	if rec.WorkspacePath != "/host/proj/subdir" {
		t.Errorf("workspace = %q, want translated path", rec.WorkspacePath)
	}

	if err := c.SendMessage(ctx, rec.Handle, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	status, err := c.GetSessionStatus(ctx, rec.Handle)
	if err != nil || status != "idle" {
		t.Errorf("status = %q, %v", status, err)
	}

	msgs, err := c.GetLastMessages(ctx, rec.Handle, 1)
	if err != nil || len(msgs) != 1 || msgs[0] != "PONG" {
		t.Errorf("last messages = %v, %v", msgs, err)
	}

	sessions, err := c.ListSessions(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("list = %v, %v", sessions, err)
	}

	if err := c.KillSession(ctx, rec.Handle); err != nil {
		t.Fatalf("KillSession: %v", err)
	}
	sessions, _ = c.ListSessions(ctx)
	if len(sessions) != 0 {
		t.Errorf("sessions after kill = %v", sessions)
	}
}

func TestClientErrorsCarryGatewayMessage(t *testing.T) {
	srv := newTestServer(t, &stubBackend{kind: registry.KindTerm})
	t.Setenv("DEV_SESSIONS_GATEWAY_URL", srv.URL)

	c := NewClient(nil)
	err := c.SendMessage(context.Background(), "no-such", "hi")
	if err == nil || !strings.Contains(err.Error(), "no-such") {
		t.Errorf("err = %v", err)
	}
}

func TestClientConnectivityHint(t *testing.T) {
	t.Setenv("DEV_SESSIONS_GATEWAY_URL", "http://127.0.0.1:1")

	c := NewClient(nil)
	err := c.Health(context.Background())
	if err == nil {
		t.Fatal("expected connectivity error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "http://127.0.0.1:1") || !strings.Contains(msg, "devs gateway serve") {
		t.Errorf("hint missing from %q", msg)
	}
}
