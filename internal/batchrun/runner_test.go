package batchrun_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modelcall/internal/batchrun"
	"modelcall/internal/config"
	"modelcall/internal/dispatch"
	"modelcall/internal/ledger"
	"modelcall/internal/notifications"
	"modelcall/internal/services"
	"modelcall/internal/storage"
	"modelcall/internal/testsupport"
)

func writeInput(t *testing.T, cfg *config.Config, name string, n int) string {
	t.Helper()
	items := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, map[string]any{"id": fmt.Sprint(i), "text": fmt.Sprintf("question %d", i)})
	}
	path := filepath.Join(testsupport.BaseDir(cfg), "input", name)
	testsupport.WriteJSONL(t, path, items)
	return path
}

func runOptions(cfg *config.Config) batchrun.Options {
	return batchrun.Options{Dispatch: batchrun.DispatchOptions(cfg.Dispatch)}
}

func permanent(msg string) error {
	return services.Wrap(services.ErrPermanent, "test", "call", "", errors.New(msg))
}

func TestRunResumesFromExistingOutput(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithKeyFields("id"))
	store := testsupport.MustOpenLedger(t, cfg)
	input := writeInput(t, cfg, "in.jsonl", 5)
	caller := testsupport.NewScriptedCaller("id").Fail("3", permanent("bad request"))
	runner := batchrun.New(cfg, caller, batchrun.WithLedger(store))
	ctx := context.Background()

	first, err := runner.Run(ctx, input, runOptions(cfg))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Summary.Progress.Succeeded != 4 || first.Summary.Progress.Failed != 1 {
		t.Fatalf("unexpected first summary %+v", first.Summary.Progress)
	}
	if first.Streams.Success != "in.jsonl" || first.Streams.Error != "in_error.jsonl" {
		t.Fatalf("unexpected streams %+v", first.Streams)
	}

	second, err := runner.Run(ctx, input, runOptions(cfg))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Summary.Build.AlreadyCompleted != 5 || second.Summary.Build.Pending != 0 {
		t.Fatalf("expected everything completed, got %+v", second.Summary.Build)
	}
	if caller.TotalCalls() != 5 {
		t.Fatalf("expected 5 calls in total, got %d", caller.TotalCalls())
	}

	success := testsupport.ReadJSONL(t, filepath.Join(cfg.Paths.OutputDir, "in.jsonl"))
	failures := testsupport.ReadJSONL(t, filepath.Join(cfg.Paths.OutputDir, "in_error.jsonl"))
	if len(success) != 4 || len(failures) != 1 {
		t.Fatalf("expected 4 success and 1 error records, got %d and %d", len(success), len(failures))
	}

	runs, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 ledger runs, got %d", len(runs))
	}
	for _, run := range runs {
		if run.Status != ledger.StatusCompleted {
			t.Fatalf("expected completed run, got %+v", run)
		}
	}
	if runs[1].ID != first.RunID || runs[1].Succeeded != 4 || runs[1].Failed != 1 {
		t.Fatalf("unexpected ledger entry %+v", runs[1])
	}
}

func TestRunRetryErrorsRotatesErrorStream(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithKeyFields("id"))
	input := writeInput(t, cfg, "in.jsonl", 4)
	caller := testsupport.NewScriptedCaller("id").
		Fail("2", permanent("bad request")).
		Fail("4", permanent("bad request"))
	runner := batchrun.New(cfg, caller)
	ctx := context.Background()

	if _, err := runner.Run(ctx, input, runOptions(cfg)); err != nil {
		t.Fatalf("first run: %v", err)
	}

	opts := runOptions(cfg)
	opts.RetryErrors = true
	result, err := runner.Run(ctx, input, opts)
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if result.Mode != ledger.ModeRetry {
		t.Fatalf("expected retry mode, got %s", result.Mode)
	}
	if result.Summary.Build.Total != 2 || result.Summary.Progress.Succeeded != 2 {
		t.Fatalf("unexpected retry summary %+v %+v", result.Summary.Build, result.Summary.Progress)
	}

	dir := cfg.Paths.OutputDir
	if _, err := os.Stat(filepath.Join(dir, "in_error_retry_1.jsonl")); err != nil {
		t.Fatalf("expected rotated error stream: %v", err)
	}
	success := testsupport.ReadJSONL(t, filepath.Join(dir, "in.jsonl"))
	if len(success) != 4 {
		t.Fatalf("expected 4 success records, got %d", len(success))
	}
	for _, record := range success {
		if _, ok := record["error"]; ok {
			t.Fatalf("retried record kept its error field: %+v", record)
		}
	}
	if failures := testsupport.ReadJSONL(t, filepath.Join(dir, "in_error.jsonl")); len(failures) != 0 {
		t.Fatalf("expected no new error records, got %d", len(failures))
	}

	again, err := runner.Run(ctx, input, opts)
	if err != nil {
		t.Fatalf("second retry run: %v", err)
	}
	if again.Summary.Build.Pending != 0 {
		t.Fatalf("settled items should not run again, got %+v", again.Summary.Build)
	}
}

func TestRunNoResumeMovesStreamsAside(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	input := writeInput(t, cfg, "in.jsonl", 3)
	caller := testsupport.NewScriptedCaller("id")
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	runner := batchrun.New(cfg, caller, batchrun.WithClock(func() time.Time { return stamp }))
	ctx := context.Background()

	if _, err := runner.Run(ctx, input, runOptions(cfg)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	opts := runOptions(cfg)
	opts.NoResume = true
	result, err := runner.Run(ctx, input, opts)
	if err != nil {
		t.Fatalf("fresh run: %v", err)
	}
	if result.Summary.Build.Pending != 3 || caller.TotalCalls() != 6 {
		t.Fatalf("expected a full rerun, got %+v after %d calls", result.Summary.Build, caller.TotalCalls())
	}
	backup := filepath.Join(cfg.Paths.OutputDir, "in.jsonl.20260102T030405Z.bak")
	if got := testsupport.ReadJSONL(t, backup); len(got) != 3 {
		t.Fatalf("expected 3 records in backup, got %d", len(got))
	}
	if got := testsupport.ReadJSONL(t, filepath.Join(cfg.Paths.OutputDir, "in.jsonl")); len(got) != 3 {
		t.Fatalf("expected 3 fresh records, got %d", len(got))
	}
}

func TestRunSkipsMalformedInputLines(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	input := filepath.Join(testsupport.BaseDir(cfg), "in.jsonl")
	content := strings.Join([]string{
		`{"id": 1, "text": "one"}`,
		`not json`,
		``,
		`[1, 2]`,
		`{"id": 2, "text": "two"}`,
	}, "\n")
	if err := os.WriteFile(input, []byte(content), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	runner := batchrun.New(cfg, testsupport.NewScriptedCaller("id"))
	result, err := runner.Run(context.Background(), input, runOptions(cfg))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SkippedLines != 2 || result.Summary.Build.Total != 2 {
		t.Fatalf("expected 2 items and 2 skipped lines, got %d and %d", result.Summary.Build.Total, result.SkippedLines)
	}
}

func TestRunRejectsConflictingModes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	input := writeInput(t, cfg, "in.jsonl", 1)
	opts := runOptions(cfg)
	opts.RetryErrors = true
	opts.NoResume = true
	_, err := batchrun.New(cfg, testsupport.NewScriptedCaller("id")).Run(context.Background(), input, opts)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunReportsLockedOutput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	input := writeInput(t, cfg, "in.jsonl", 1)
	holder, err := storage.OpenLocal(cfg.Paths.OutputDir)
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	defer holder.Close()

	_, err = batchrun.New(cfg, testsupport.NewScriptedCaller("id")).Run(context.Background(), input, runOptions(cfg))
	if !errors.Is(err, storage.ErrLocked) || !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected locked configuration error, got %v", err)
	}
}

func TestRunMissingInput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, err := batchrun.New(cfg, testsupport.NewScriptedCaller("id")).
		Run(context.Background(), filepath.Join(testsupport.BaseDir(cfg), "missing.jsonl"), runOptions(cfg))
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunAllProcessesInputsInOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := writeInput(t, cfg, "a.jsonl", 2)
	second := writeInput(t, cfg, "b.jsonl", 3)
	runner := batchrun.New(cfg, testsupport.NewScriptedCaller("id"))

	results, err := runner.RunAll(context.Background(), []string{first, second}, runOptions(cfg))
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(results) != 2 || results[0].Input != first || results[1].Input != second {
		t.Fatalf("unexpected results %+v", results)
	}
	if got := testsupport.ReadJSONL(t, filepath.Join(cfg.Paths.OutputDir, "b.jsonl")); len(got) != 3 {
		t.Fatalf("expected 3 records for b.jsonl, got %d", len(got))
	}
	if results[0].RunID == results[1].RunID {
		t.Fatal("expected distinct run ids")
	}

	if _, err := runner.RunAll(context.Background(), nil, runOptions(cfg)); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for no inputs, got %v", err)
	}
}

func TestRunInterruptedIsRecorded(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	input := writeInput(t, cfg, "in.jsonl", 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := batchrun.New(cfg, testsupport.NewScriptedCaller("id"), batchrun.WithLedger(store)).
		Run(ctx, input, runOptions(cfg))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	run, err := store.Get(context.Background(), result.RunID)
	if err != nil || run == nil {
		t.Fatalf("expected ledger entry, got %+v err=%v", run, err)
	}
	if run.Status != ledger.StatusInterrupted {
		t.Fatalf("expected interrupted status, got %s", run.Status)
	}
}

func TestRunSendsCompletionNotification(t *testing.T) {
	titles := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		titles <- r.Header.Get("Title")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithKeyFields("id"))
	cfg.Notifications.NtfyTopic = server.URL
	input := writeInput(t, cfg, "notify.jsonl", 2)
	caller := testsupport.NewScriptedCaller("id").Fail("2", permanent("bad request"))
	runner := batchrun.New(cfg, caller, batchrun.WithNotifier(notifications.NewService(cfg)))

	if _, err := runner.Run(context.Background(), input, runOptions(cfg)); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case title := <-titles:
		if title != "modelcall - Run Complete (with errors)" {
			t.Fatalf("unexpected notification title %q", title)
		}
	default:
		t.Fatal("expected a completion notification")
	}
}

func TestRunRefusesOutputOverInput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	input := writeInput(t, cfg, "in.jsonl", 3)
	before, err := os.ReadFile(input)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	caller := testsupport.NewScriptedCaller("id")
	opts := runOptions(cfg)
	opts.Output = filepath.Dir(input)

	_, err = batchrun.New(cfg, caller).Run(context.Background(), input, opts)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	after, err := os.ReadFile(input)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if string(after) != string(before) {
		t.Fatal("input file was modified")
	}
	if caller.TotalCalls() != 0 {
		t.Fatalf("expected no calls, got %d", caller.TotalCalls())
	}
}

func TestRunAllRejectsInputsSharingAName(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := writeInput(t, cfg, "x.jsonl", 1)
	second := filepath.Join(testsupport.BaseDir(cfg), "other", "x.jsonl")
	testsupport.WriteJSONL(t, second, []map[string]any{{"id": "9", "text": "other"}})
	caller := testsupport.NewScriptedCaller("id")

	results, err := batchrun.New(cfg, caller).RunAll(context.Background(), []string{first, second}, runOptions(cfg))
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(results) != 0 || caller.TotalCalls() != 0 {
		t.Fatalf("expected nothing processed, got %d results and %d calls", len(results), caller.TotalCalls())
	}
}

func TestRunAppliesValidationRetryBoundFromConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithKeyFields("id"), testsupport.WithDispatch(func(d *config.Dispatch) {
		d.MaxRetries = 2
		d.ValidationMaxRetries = 0
	}))
	input := writeInput(t, cfg, "strict.jsonl", 1)
	invalid := &dispatch.ValidationError{Reason: "response is not a JSON object", Raw: "nope"}
	caller := testsupport.NewScriptedCaller("id").Fail("1", invalid, invalid, invalid)

	result, err := batchrun.New(cfg, caller).Run(context.Background(), input, runOptions(cfg))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if caller.Calls("1") != 1 || result.Summary.Progress.Failed != 1 {
		t.Fatalf("expected rejection after one attempt, got %d calls and %+v", caller.Calls("1"), result.Summary.Progress)
	}
}
