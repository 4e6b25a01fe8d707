package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func readAll(t *testing.T, backend Backend, stream string) string {
	t.Helper()
	rc, err := backend.Open(context.Background(), stream)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return string(data)
}

func TestLocalAppendAndOpen(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenLocal(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLocal returned error: %v", err)
	}
	defer backend.Close()

	if err := backend.Probe(ctx); err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}
	if _, err := backend.Open(ctx, "out.jsonl"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist for missing stream, got %v", err)
	}
	if err := backend.Append(ctx, "out.jsonl", []byte("{\"a\":1}\n")); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if err := backend.Append(ctx, "out.jsonl", []byte("{\"a\":2}\n")); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if got := readAll(t, backend, "out.jsonl"); got != "{\"a\":1}\n{\"a\":2}\n" {
		t.Fatalf("unexpected stream contents %q", got)
	}
	exists, err := backend.Exists(ctx, "out.jsonl")
	if err != nil || !exists {
		t.Fatalf("expected stream to exist: %v %v", exists, err)
	}
}

func TestLocalRepairsTornTrailingLine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "out.jsonl"), []byte("{\"a\":1}\n{\"a\":"), 0o644); err != nil {
		t.Fatalf("seed stream: %v", err)
	}
	backend, err := OpenLocal(dir)
	if err != nil {
		t.Fatalf("OpenLocal returned error: %v", err)
	}
	defer backend.Close()

	if err := backend.Append(context.Background(), "out.jsonl", []byte("{\"a\":3}\n")); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	want := "{\"a\":1}\n{\"a\":\n{\"a\":3}\n"
	if got := readAll(t, backend, "out.jsonl"); got != want {
		t.Fatalf("unexpected repaired contents %q", got)
	}
}

func TestLocalLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenLocal(dir)
	if err != nil {
		t.Fatalf("OpenLocal returned error: %v", err)
	}
	if _, err := OpenLocal(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	second, err := OpenLocal(dir)
	if err != nil {
		t.Fatalf("expected lock to be released, got %v", err)
	}
	second.Close()
}

func TestLocalRenameRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenLocal(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLocal returned error: %v", err)
	}
	defer backend.Close()

	_ = backend.Append(ctx, "a_error.jsonl", []byte("x\n"))
	_ = backend.Append(ctx, "b.jsonl", []byte("y\n"))
	if err := backend.Rename(ctx, "a_error.jsonl", "b.jsonl"); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
	if err := backend.Rename(ctx, "a_error.jsonl", "a_error_retry_1.jsonl"); err != nil {
		t.Fatalf("Rename returned error: %v", err)
	}
	if got := readAll(t, backend, "a_error_retry_1.jsonl"); got != "x\n" {
		t.Fatalf("unexpected renamed contents %q", got)
	}
	// Appending after a rename starts a fresh stream.
	if err := backend.Append(ctx, "a_error.jsonl", []byte("z\n")); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if got := readAll(t, backend, "a_error.jsonl"); got != "z\n" {
		t.Fatalf("unexpected fresh stream contents %q", got)
	}
}

func TestLocalRejectsPathTraversal(t *testing.T) {
	backend, err := OpenLocal(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLocal returned error: %v", err)
	}
	defer backend.Close()
	if err := backend.Append(context.Background(), "../escape.jsonl", []byte("x\n")); err == nil {
		t.Fatal("expected invalid stream name error")
	}
}

func TestStreamNames(t *testing.T) {
	if got := ErrorStreamName("scores.jsonl"); got != "scores_error.jsonl" {
		t.Fatalf("unexpected error stream %q", got)
	}
	if got := RetryStreamName("scores.jsonl", 2); got != "scores_error_retry_2.jsonl" {
		t.Fatalf("unexpected retry stream %q", got)
	}
	if got := ErrorStreamName("noext"); got != "noext_error" {
		t.Fatalf("unexpected error stream %q", got)
	}
}

func TestParseObjectURL(t *testing.T) {
	bucket, prefix, err := parseObjectURL("s3://results/runs/2024/")
	if err != nil {
		t.Fatalf("parseObjectURL returned error: %v", err)
	}
	if bucket != "results" || prefix != "runs/2024" {
		t.Fatalf("unexpected parse: %q %q", bucket, prefix)
	}
	if _, _, err := parseObjectURL("/tmp/out"); err == nil {
		t.Fatal("expected error for non-s3 location")
	}
	obj := NewObject(nil, bucket, prefix)
	if obj.Location() != "s3://results/runs/2024" {
		t.Fatalf("unexpected location %q", obj.Location())
	}
	if p, _ := obj.streamPrefix("a.jsonl"); p != "runs/2024/a.jsonl/" {
		t.Fatalf("unexpected stream prefix %q", p)
	}
}
