package fingerprint_test

import (
	"strings"
	"testing"

	"modelcall/internal/fingerprint"
)

func TestOfIsDeterministicAcrossKeyOrder(t *testing.T) {
	gen := fingerprint.New()
	a, err := gen.Of(map[string]any{"a": 1.0, "b": "x", "nested": map[string]any{"z": true, "y": []any{"q"}}})
	if err != nil {
		t.Fatalf("Of returned error: %v", err)
	}
	b, err := gen.Of(map[string]any{"nested": map[string]any{"y": []any{"q"}, "z": true}, "b": "x", "a": 1.0})
	if err != nil {
		t.Fatalf("Of returned error: %v", err)
	}
	if a != b {
		t.Fatalf("expected equal fingerprints, got %s and %s", a, b)
	}
	if len(a) != fingerprint.Length || !fingerprint.Valid(a) {
		t.Fatalf("unexpected fingerprint shape %q", a)
	}
}

func TestOfUsesFirstMessageContent(t *testing.T) {
	gen := fingerprint.New()
	a, _ := gen.Of(map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hello"}}, "meta": 1.0})
	b, _ := gen.Of(map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hello"}}, "meta": 2.0})
	if a != b {
		t.Fatal("expected fingerprint to depend only on first message content")
	}
}

func TestOfPrefersUIDThenID(t *testing.T) {
	gen := fingerprint.New()
	shared := []any{map[string]any{"role": "user", "content": "same question"}}

	a, _ := gen.Of(map[string]any{"id": "a", "messages": shared})
	b, _ := gen.Of(map[string]any{"id": "b", "messages": shared})
	if a == b {
		t.Fatal("expected distinct ids to produce distinct fingerprints")
	}
	again, _ := gen.Of(map[string]any{"id": "a", "messages": shared, "extra": true})
	if a != again {
		t.Fatal("expected id fingerprint to ignore other fields")
	}
	keyed, _ := fingerprint.New("id").Of(map[string]any{"id": "a"})
	if a != keyed {
		t.Fatal("expected default id fingerprint to match key_fields [id]")
	}

	withUID, _ := gen.Of(map[string]any{"uid": "u1", "id": "a"})
	otherID, _ := gen.Of(map[string]any{"uid": "u1", "id": "b"})
	if withUID != otherID {
		t.Fatal("expected uid to take priority over id")
	}

	blank, _ := gen.Of(map[string]any{"id": "  ", "messages": shared})
	fromMessage, _ := gen.Of(map[string]any{"messages": shared})
	if blank != fromMessage {
		t.Fatal("expected blank id to fall back to message content")
	}
}

func TestOfSkipsSystemMessages(t *testing.T) {
	gen := fingerprint.New()
	chat := func(question string) map[string]any {
		return map[string]any{"messages": []any{
			map[string]any{"role": "system", "content": "You are a grader."},
			map[string]any{"role": "user", "content": question},
		}}
	}
	a, _ := gen.Of(chat("first"))
	b, _ := gen.Of(chat("second"))
	if a == b {
		t.Fatal("expected a shared system prompt not to collapse items")
	}
	plain, _ := gen.Of(map[string]any{"messages": []any{map[string]any{"role": "user", "content": "first"}}})
	if a != plain {
		t.Fatal("expected fingerprint to come from the first user message")
	}
}

func TestOfNormalizesUnicode(t *testing.T) {
	gen := fingerprint.New()
	composed, _ := gen.Of(map[string]any{"text": "caf\u00e9"})
	decomposed, _ := gen.Of(map[string]any{"text": "cafe\u0301"})
	if composed != decomposed {
		t.Fatal("expected NFC-equivalent strings to hash identically")
	}
}

func TestOfKeyFieldsIgnoreOtherFields(t *testing.T) {
	gen := fingerprint.New("id")
	a, _ := gen.Of(map[string]any{"id": "42", "text": "one"})
	b, _ := gen.Of(map[string]any{"id": "42", "text": "two"})
	c, _ := gen.Of(map[string]any{"id": "43", "text": "one"})
	if a != b {
		t.Fatal("expected key field fingerprint to ignore other fields")
	}
	if a == c {
		t.Fatal("expected different ids to differ")
	}

	// Without any key field present the generator falls back to the whole item.
	d, _ := gen.Of(map[string]any{"text": "one"})
	e, _ := gen.Of(map[string]any{"text": "two"})
	if d == e {
		t.Fatal("expected whole-item fallback to distinguish items")
	}
}

func TestOfReusesExistingFingerprint(t *testing.T) {
	existing := strings.Repeat("ab", 32)
	got, err := fingerprint.New().Of(map[string]any{"fingerprint": existing, "text": "anything"})
	if err != nil {
		t.Fatalf("Of returned error: %v", err)
	}
	if got != existing {
		t.Fatalf("expected existing fingerprint reused, got %s", got)
	}

	// A malformed value is treated as ordinary content.
	other, _ := fingerprint.New().Of(map[string]any{"fingerprint": "short", "text": "anything"})
	if other == "short" {
		t.Fatal("expected malformed fingerprint to be ignored")
	}
}

func TestValid(t *testing.T) {
	if fingerprint.Valid("") || fingerprint.Valid(strings.Repeat("z", 64)) {
		t.Fatal("expected invalid fingerprints to be rejected")
	}
}
