package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/victorarias/dev-sessions/internal/logging"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "sessions.json"), logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func record(handle string) SessionRecord {
	return SessionRecord{
		Handle:        handle,
		InternalID:    "id-" + handle,
		Kind:          KindTerm,
		Mode:          ModeDefault,
		WorkspacePath: "/tmp/proj",
		Status:        StatusActive,
		CreatedAt:     time.Now(),
		LastUsed:      time.Now(),
	}
}

func TestUpsertGetDelete(t *testing.T) {
	r := testRegistry(t)

	rec := record("fizz-top")
	if err := r.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := r.Get("fizz-top")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.InternalID != "id-fizz-top" {
		t.Errorf("InternalID = %q", got.InternalID)
	}

	if err := r.Delete("fizz-top"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("fizz-top"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v, want ErrNotFound", err)
	}

	// Deleting an absent handle is not an error.
	if err := r.Delete("never-was"); err != nil {
		t.Errorf("Delete absent: %v", err)
	}
}

func TestUpdateMergesPartial(t *testing.T) {
	r := testRegistry(t)
	if err := r.Upsert(record("keen-owl")); err != nil {
		t.Fatal(err)
	}

	if err := r.Update("keen-owl", Update{
		Status:          StatusOf(StatusInactive),
		TurnInProgress:  Bool(true),
		LastTurnOutcome: OutcomeOf(TurnFailed),
		LastTurnError:   Str("turn exploded"),
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := r.Get("keen-owl")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInactive || !got.TurnInProgress {
		t.Errorf("merged record = %+v", got)
	}
	if got.LastTurnOutcome != TurnFailed || got.LastTurnError != "turn exploded" {
		t.Errorf("outcome not merged: %+v", got)
	}
	// Untouched fields survive.
	if got.WorkspacePath != "/tmp/proj" {
		t.Errorf("WorkspacePath clobbered: %q", got.WorkspacePath)
	}
}

func TestUpdateUnknownHandle(t *testing.T) {
	r := testRegistry(t)
	err := r.Update("ghost", Update{Status: StatusOf(StatusInactive)})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update unknown = %v, want ErrNotFound", err)
	}
}

func TestLastUsedMonotonic(t *testing.T) {
	r := testRegistry(t)
	rec := record("slow-fox")
	now := time.Now()
	rec.LastUsed = now
	if err := r.Upsert(rec); err != nil {
		t.Fatal(err)
	}

	// A stale LastUsed must not move the clock backwards.
	if err := r.Update("slow-fox", Update{LastUsed: Time(now.Add(-time.Hour))}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("slow-fox")
	if got.LastUsed.Before(now.Add(-time.Second)) {
		t.Errorf("LastUsed went backwards: %v < %v", got.LastUsed, now)
	}

	later := now.Add(time.Hour)
	if err := r.Update("slow-fox", Update{LastUsed: Time(later)}); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get("slow-fox")
	if !got.LastUsed.After(now) {
		t.Errorf("LastUsed not advanced: %v", got.LastUsed)
	}
}

func TestPrune(t *testing.T) {
	r := testRegistry(t)
	for _, h := range []string{"a-a", "b-b", "c-c"} {
		if err := r.Upsert(record(h)); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Prune([]string{"a-a", "c-c"}); err != nil {
		t.Fatal(err)
	}
	recs, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Handle != "b-b" {
		t.Errorf("after prune: %+v", recs)
	}
}

func TestInvalidRecordsDroppedOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	state := map[string]any{
		"version": 7,
		"sessions": []map[string]any{
			{"handle": "good-one", "kind": "term", "mode": "default", "workspacePath": "/tmp/p", "status": "active"},
			{"handle": "", "kind": "term", "workspacePath": "/tmp/p", "status": "active"},
			{"handle": "bad-kind", "kind": "banana", "workspacePath": "/tmp/p", "status": "active"},
		},
	}
	data, _ := json.Marshal(state)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	recs, err := r.List()
	if err != nil {
		t.Fatalf("List over invalid records: %v", err)
	}
	if len(recs) != 1 || recs[0].Handle != "good-one" {
		t.Errorf("valid records = %+v", recs)
	}

	// The version field is forward-carried by the next write.
	if err := r.Upsert(record("new-rec")); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	var out struct {
		Version int `json:"version"`
	}
	json.Unmarshal(raw, &out)
	if out.Version != 7 {
		t.Errorf("version = %d, want 7 forward-carried", out.Version)
	}
}

func TestConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each writer opens its own Registry, as separate processes would.
			r, err := Open(path, logging.Discard())
			if err != nil {
				errs <- err
				return
			}
			errs <- r.Upsert(record(fmt.Sprintf("sess-%02d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upsert: %v", err)
		}
	}

	r, _ := Open(path, logging.Discard())
	recs, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != n {
		t.Errorf("records = %d, want %d", len(recs), n)
	}
	seen := make(map[string]bool)
	for _, rec := range recs {
		if seen[rec.Handle] {
			t.Errorf("duplicate handle %q", rec.Handle)
		}
		seen[rec.Handle] = true
	}
}

func TestStaleLockRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	lockDir := path + ".lock"

	if err := os.Mkdir(lockDir, 0o700); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockDir, old, old); err != nil {
		t.Fatal(err)
	}

	r, _ := Open(path, logging.Discard())
	done := make(chan error, 1)
	go func() { done <- r.Upsert(record("after-stale")) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Upsert past stale lock: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Upsert blocked on stale lock")
	}
}

func TestListSortedByCreatedAt(t *testing.T) {
	r := testRegistry(t)
	base := time.Now()
	for i, h := range []string{"third", "first", "second"} {
		rec := record(h)
		switch i {
		case 0:
			rec.CreatedAt = base.Add(2 * time.Hour)
		case 1:
			rec.CreatedAt = base
		case 2:
			rec.CreatedAt = base.Add(time.Hour)
		}
		if err := r.Upsert(rec); err != nil {
			t.Fatal(err)
		}
	}
	recs, _ := r.List()
	want := []string{"first", "second", "third"}
	for i, h := range want {
		if recs[i].Handle != h {
			t.Errorf("order[%d] = %q, want %q", i, recs[i].Handle, h)
		}
	}
}
