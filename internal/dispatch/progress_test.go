package dispatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modelcall/internal/logging"
)

func TestProgressReportsEveryIntervalAndTail(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "progress.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("logging.New returned error: %v", err)
	}
	clock := time.Unix(0, 0)
	progress := newProgress(logger, 2, 5, func() time.Time { return clock })

	for i := 0; i < 5; i++ {
		clock = clock.Add(time.Second)
		progress.Record(i != 3)
	}
	snap := progress.Finish()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if lines := strings.Count(string(content), `"msg":"progress"`); lines != 3 {
		t.Fatalf("expected 3 progress lines, got %d: %s", lines, content)
	}
	if snap.Completed != 5 || snap.Succeeded != 4 || snap.Failed != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Elapsed != 5*time.Second || snap.Throughput() != 1 {
		t.Fatalf("unexpected timing: %s %.2f", snap.Elapsed, snap.Throughput())
	}
	if snap.SuccessRate() != 80 {
		t.Fatalf("unexpected success rate %.1f", snap.SuccessRate())
	}
}

func TestProgressFinishWithoutTail(t *testing.T) {
	progress := newProgress(nil, 2, 2, time.Now)
	progress.Record(true)
	progress.Record(true)
	if snap := progress.Finish(); snap.Completed != 2 || snap.SuccessRate() != 100 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if (ProgressSnapshot{}).SuccessRate() != 0 || (ProgressSnapshot{}).Throughput() != 0 {
		t.Fatal("expected zero rates for an empty snapshot")
	}
}
