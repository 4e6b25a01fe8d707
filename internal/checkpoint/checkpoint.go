// Package checkpoint rebuilds the set of completed work from prior output.
//
// Every record the dispatch engine writes carries the item's fingerprint, in
// the success stream and the error stream alike. Loading both streams yields
// the fingerprints a resumed run must not dispatch again.
package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"modelcall/internal/fingerprint"
	"modelcall/internal/services"
	"modelcall/internal/storage"
)

// CompletedSet holds fingerprints already present in prior output. It is
// built once and only read afterwards.
type CompletedSet struct {
	fingerprints map[string]struct{}
}

// NewCompletedSet returns a set seeded with the given fingerprints.
func NewCompletedSet(fingerprints ...string) *CompletedSet {
	set := &CompletedSet{fingerprints: make(map[string]struct{}, len(fingerprints))}
	for _, fp := range fingerprints {
		set.fingerprints[fp] = struct{}{}
	}
	return set
}

// Contains reports whether fp completed in a prior run. A nil set is empty.
func (s *CompletedSet) Contains(fp string) bool {
	if s == nil {
		return false
	}
	_, ok := s.fingerprints[fp]
	return ok
}

// Len returns the number of completed fingerprints.
func (s *CompletedSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.fingerprints)
}

// Stats describes one load.
type Stats struct {
	Lines     int
	Skipped   int
	Completed int
	Streams   map[string]int
}

// Load reads every named stream from backend and collects fingerprints.
// Missing streams count as empty. Blank, malformed, or torn lines and records
// without a valid fingerprint are skipped and counted. Any other read failure
// is returned wrapped in services.ErrStorage.
func Load(ctx context.Context, backend storage.Backend, streams ...string) (*CompletedSet, Stats, error) {
	set := NewCompletedSet()
	stats := Stats{Streams: make(map[string]int, len(streams))}
	for _, stream := range streams {
		rc, err := backend.Open(ctx, stream)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, stats, services.Wrap(services.ErrStorage, "checkpoint", "open stream", stream, err)
		}
		found, err := scan(rc, set, &stats)
		rc.Close()
		if err != nil {
			return nil, stats, services.Wrap(services.ErrStorage, "checkpoint", "read stream", stream, err)
		}
		stats.Streams[stream] = found
	}
	stats.Completed = set.Len()
	return set, stats, nil
}

func scan(r io.Reader, set *CompletedSet, stats *Stats) (int, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	found := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			stats.Lines++
			if fp, ok := extract(line); ok {
				set.fingerprints[fp] = struct{}{}
				found++
			} else {
				stats.Skipped++
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return found, nil
			}
			return found, fmt.Errorf("scan: %w", err)
		}
	}
}

func extract(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return "", false
	}
	var record struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal(line, &record); err != nil {
		return "", false
	}
	if !fingerprint.Valid(record.Fingerprint) {
		return "", false
	}
	return record.Fingerprint, true
}
