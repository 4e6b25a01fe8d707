package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state", "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBeginAndFinishRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run, err := store.Begin(ctx, Start{InputPath: "/data/in.jsonl", OutputLocation: "/data/out", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if run.ID == "" || run.Status != StatusRunning || run.Mode != ModeResume {
		t.Fatalf("unexpected run %+v", run)
	}

	err = store.Finish(ctx, run.ID, Outcome{
		Status:     StatusCompleted,
		TotalItems: 10,
		Pending:    4,
		Succeeded:  3,
		Failed:     1,
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	fetched, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fetched.Status != StatusCompleted || fetched.Succeeded != 3 || fetched.Failed != 1 || fetched.TotalItems != 10 {
		t.Fatalf("unexpected fetched run %+v", fetched)
	}
	if fetched.FinishedAt == nil {
		t.Fatal("expected finished_at to be recorded")
	}
	if fetched.Model != "gpt-test" || fetched.OutputLocation != "/data/out" {
		t.Fatalf("unexpected fetched run %+v", fetched)
	}
}

func TestFinishRecordsError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run, err := store.Begin(ctx, Start{InputPath: "in.jsonl", OutputLocation: "out", Mode: ModeRetry})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := store.Finish(ctx, run.ID, Outcome{Status: StatusFailed, Err: errors.New("disk full")}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	fetched, _ := store.Get(ctx, run.ID)
	if fetched.ErrorMessage != "disk full" || fetched.Mode != ModeRetry {
		t.Fatalf("unexpected fetched run %+v", fetched)
	}
}

func TestFinishRejectsRunningAndUnknown(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Finish(ctx, "missing", Outcome{Status: StatusCompleted}); err == nil {
		t.Fatal("expected error for unknown run")
	}
	if err := store.Finish(ctx, "missing", Outcome{Status: StatusRunning}); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestGetMissingRun(t *testing.T) {
	store := openTestStore(t)
	run, err := store.Get(context.Background(), "nope")
	if err != nil || run != nil {
		t.Fatalf("expected nil run, got %+v err=%v", run, err)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		offset := time.Duration(i) * 100 * time.Millisecond
		store.now = func() time.Time { return base.Add(offset) }
		run, err := store.Begin(ctx, Start{InputPath: "in.jsonl", OutputLocation: "out"})
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		ids = append(ids, run.ID)
	}
	if err := store.Finish(ctx, ids[0], Outcome{Status: StatusCompleted}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	runs, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != ids[2] || runs[2].ID != ids[0] {
		t.Fatalf("unexpected order: %v", runs)
	}

	limited, err := store.List(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected 1 run, got %d err=%v", len(limited), err)
	}

	running, err := store.List(ctx, 0, StatusRunning)
	if err != nil || len(running) != 2 {
		t.Fatalf("expected 2 running runs, got %d err=%v", len(running), err)
	}
}

func TestReconcileStaleMarksDeadProcesses(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	live, err := store.Begin(ctx, Start{InputPath: "live.jsonl", OutputLocation: "out"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	dead, err := store.Begin(ctx, Start{InputPath: "dead.jsonl", OutputLocation: "out"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE runs SET pid = ? WHERE id = ?`, 99999999, dead.ID); err != nil {
		t.Fatalf("update pid: %v", err)
	}

	count, err := store.ReconcileStale(ctx)
	if err != nil {
		t.Fatalf("ReconcileStale: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reconciled run, got %d", count)
	}
	fetched, _ := store.Get(ctx, dead.ID)
	if fetched.Status != StatusInterrupted {
		t.Fatalf("expected interrupted, got %s", fetched.Status)
	}
	fetched, _ = store.Get(ctx, live.ID)
	if fetched.Status != StatusRunning {
		t.Fatalf("current process run should stay running, got %s", fetched.Status)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Begin(context.Background(), Start{InputPath: "in.jsonl", OutputLocation: "out"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_ = store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	runs, err := reopened.List(context.Background(), 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected 1 run after reopen, got %d err=%v", len(runs), err)
	}
}

func TestOpenRejectsOtherSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.db.Exec("UPDATE schema_version SET version = ?", schemaVersion+1); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestRunDuration(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	finish := start.Add(90 * time.Second)
	run := &Run{StartedAt: start, FinishedAt: &finish}
	if got := run.Duration(start.Add(time.Hour)); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	run.FinishedAt = nil
	if got := run.Duration(start.Add(time.Minute)); got != time.Minute {
		t.Fatalf("expected 1m, got %s", got)
	}
}
