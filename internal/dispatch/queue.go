package dispatch

import (
	"fmt"
	"time"

	"modelcall/internal/checkpoint"
	"modelcall/internal/fingerprint"
)

// BuildStats describes how the input was reduced to the pending queue.
type BuildStats struct {
	Total            int
	AlreadyCompleted int
	Duplicates       int
	Pending          int
	// Deferred counts pending items left out by Options.Limit.
	Deferred int
}

// Queue is the pending work of a run. Retries sit in a front section ahead of
// fresh items so they are dispatched first once their backoff has elapsed.
type Queue struct {
	retries []*WorkItem
	fresh   []*WorkItem
	head    int
}

// BuildQueue fingerprints each input item once and queues, in input order,
// those whose fingerprint is neither completed nor already seen in this input.
// A positive limit caps the number of queued items.
func BuildQueue(items []map[string]any, gen *fingerprint.Generator, completed *checkpoint.CompletedSet, limit int) (*Queue, BuildStats, error) {
	stats := BuildStats{Total: len(items)}
	seen := make(map[string]struct{}, len(items))
	queue := &Queue{fresh: make([]*WorkItem, 0, len(items))}
	for i, fields := range items {
		fp, err := gen.Of(fields)
		if err != nil {
			return nil, stats, fmt.Errorf("item %d: %w", i+1, err)
		}
		if completed.Contains(fp) {
			stats.AlreadyCompleted++
			continue
		}
		if _, dup := seen[fp]; dup {
			stats.Duplicates++
			continue
		}
		seen[fp] = struct{}{}
		if limit > 0 && len(queue.fresh) >= limit {
			stats.Deferred++
			continue
		}
		queue.fresh = append(queue.fresh, &WorkItem{Fields: fields, Fingerprint: fp})
	}
	stats.Pending = len(queue.fresh)
	return queue, stats, nil
}

// Len returns the number of queued items, waiting retries included.
func (q *Queue) Len() int {
	return len(q.retries) + len(q.fresh) - q.head
}

// PushFront queues a retry ahead of all fresh work.
func (q *Queue) PushFront(item *WorkItem) {
	q.retries = append(q.retries, nil)
	copy(q.retries[1:], q.retries)
	q.retries[0] = item
}

// PopReady removes and returns the first item that may start at now: the
// frontmost retry whose backoff has elapsed, else the next fresh item.
func (q *Queue) PopReady(now time.Time) (*WorkItem, bool) {
	for i, item := range q.retries {
		if !item.notBefore.After(now) {
			q.retries = append(q.retries[:i], q.retries[i+1:]...)
			return item, true
		}
	}
	if q.head < len(q.fresh) {
		item := q.fresh[q.head]
		q.fresh[q.head] = nil
		q.head++
		return item, true
	}
	return nil, false
}

// NextReadyAt returns the earliest backoff deadline among waiting retries.
func (q *Queue) NextReadyAt() (time.Time, bool) {
	var earliest time.Time
	for _, item := range q.retries {
		if item.notBefore.IsZero() {
			continue
		}
		if earliest.IsZero() || item.notBefore.Before(earliest) {
			earliest = item.notBefore
		}
	}
	return earliest, !earliest.IsZero()
}
