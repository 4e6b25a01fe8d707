package dispatch

import (
	"testing"
	"time"

	"modelcall/internal/checkpoint"
	"modelcall/internal/fingerprint"
)

func TestBuildQueueKeepsItemsSharingASystemPrompt(t *testing.T) {
	chat := func(id, question string) map[string]any {
		return map[string]any{
			"id": id,
			"messages": []any{
				map[string]any{"role": "system", "content": "You are a grader."},
				map[string]any{"role": "user", "content": question},
			},
		}
	}
	items := []map[string]any{chat("a", "one"), chat("b", "two"), chat("c", "three")}

	_, stats, err := BuildQueue(items, fingerprint.New(), nil, 0)
	if err != nil {
		t.Fatalf("BuildQueue returned error: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 3 || stats.Duplicates != 0 {
		t.Fatalf("expected every chat item pending, got %+v", stats)
	}
}

func TestBuildQueueSkipsCompletedAndDuplicates(t *testing.T) {
	gen := fingerprint.New("id")
	items := []map[string]any{
		{"id": "a"}, {"id": "b"}, {"id": "a"}, {"id": "c"}, {"id": "d"},
	}
	done, _ := gen.Of(map[string]any{"id": "b"})

	queue, stats, err := BuildQueue(items, gen, checkpoint.NewCompletedSet(done), 0)
	if err != nil {
		t.Fatalf("BuildQueue returned error: %v", err)
	}
	if stats.Total != 5 || stats.AlreadyCompleted != 1 || stats.Duplicates != 1 || stats.Pending != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	var order []string
	for {
		item, ok := queue.PopReady(time.Now())
		if !ok {
			break
		}
		order = append(order, item.Fields["id"].(string))
		if !fingerprint.Valid(item.Fingerprint) {
			t.Fatalf("expected fingerprint on queued item")
		}
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "c" || order[2] != "d" {
		t.Fatalf("expected input order preserved, got %v", order)
	}
}

func TestBuildQueueLimitDefersRest(t *testing.T) {
	items := []map[string]any{{"n": 1.0}, {"n": 2.0}, {"n": 3.0}}
	queue, stats, err := BuildQueue(items, fingerprint.New(), nil, 2)
	if err != nil {
		t.Fatalf("BuildQueue returned error: %v", err)
	}
	if queue.Len() != 2 || stats.Deferred != 1 || stats.Pending != 2 {
		t.Fatalf("unexpected limit handling: len=%d stats=%+v", queue.Len(), stats)
	}
}

func TestQueueRetriesTakePriorityOnceReady(t *testing.T) {
	queue := &Queue{fresh: []*WorkItem{{Fingerprint: "fresh-1"}, {Fingerprint: "fresh-2"}}}
	now := time.Now()

	waiting := &WorkItem{Fingerprint: "waiting", notBefore: now.Add(time.Minute)}
	ready := &WorkItem{Fingerprint: "ready"}
	queue.PushFront(waiting)
	queue.PushFront(ready)

	item, _ := queue.PopReady(now)
	if item.Fingerprint != "ready" {
		t.Fatalf("expected ready retry first, got %s", item.Fingerprint)
	}
	item, _ = queue.PopReady(now)
	if item.Fingerprint != "fresh-1" {
		t.Fatalf("expected fresh work while retry backs off, got %s", item.Fingerprint)
	}
	at, ok := queue.NextReadyAt()
	if !ok || !at.Equal(waiting.notBefore) {
		t.Fatalf("unexpected next ready time: %v %v", at, ok)
	}
	item, _ = queue.PopReady(now.Add(2 * time.Minute))
	if item.Fingerprint != "waiting" {
		t.Fatalf("expected retry once its backoff elapsed, got %s", item.Fingerprint)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected one item left, got %d", queue.Len())
	}
}
