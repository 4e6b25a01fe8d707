package batchrun

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"modelcall/internal/logging"
)

// readItems decodes a JSON Lines stream. Numbers keep their textual form so
// fingerprints and rewritten records match the input. Blank lines are
// ignored; lines that are not JSON objects are logged and skipped.
func readItems(r io.Reader, source string, logger *slog.Logger) ([]map[string]any, int, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var (
		items   []map[string]any
		skipped int
		lineNo  int
	)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if item, ok := decodeLine(line); ok {
				items = append(items, item)
			} else if len(bytes.TrimSpace(line)) > 0 {
				skipped++
				logging.WarnWithContext(logger, "skipping malformed input line", "input_line_malformed",
					logging.String("source", source),
					logging.Int("line", lineNo),
					logging.String(logging.FieldErrorHint, "each line must be a JSON object"),
					logging.String(logging.FieldImpact, "line is not dispatched"),
				)
			}
		}
		if errors.Is(err, io.EOF) {
			return items, skipped, nil
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("read %s: %w", source, err)
		}
	}
}

func decodeLine(line []byte) (map[string]any, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	decoder := json.NewDecoder(bytes.NewReader(line))
	decoder.UseNumber()
	var item map[string]any
	if err := decoder.Decode(&item); err != nil || item == nil {
		return nil, false
	}
	if decoder.More() {
		return nil, false
	}
	return item, true
}
