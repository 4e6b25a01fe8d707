package services_test

import (
	"context"
	"testing"

	"modelcall/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRunID(ctx, "run-1")
	ctx = services.WithFingerprint(ctx, "abc123")
	ctx = services.WithAttempt(ctx, 2)

	if id, ok := services.RunIDFromContext(ctx); !ok || id != "run-1" {
		t.Fatalf("unexpected run id: %v %v", id, ok)
	}
	if fp, ok := services.FingerprintFromContext(ctx); !ok || fp != "abc123" {
		t.Fatalf("unexpected fingerprint: %v %v", fp, ok)
	}
	if attempt, ok := services.AttemptFromContext(ctx); !ok || attempt != 2 {
		t.Fatalf("unexpected attempt: %v %v", attempt, ok)
	}
}

func TestFingerprintBlankPreservesContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithFingerprint(ctx, "")
	if _, ok := services.FingerprintFromContext(ctx); ok {
		t.Fatal("expected no fingerprint value")
	}
	if _, ok := services.AttemptFromContext(ctx); ok {
		t.Fatal("expected no attempt value")
	}
}
