// Package fingerprint derives stable identifiers for work items.
//
// A fingerprint is the hex SHA-256 of an item's identifying content and is the
// correlation key between input items and the records in the result streams.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Field is the record key carrying a fingerprint in result streams and in
// items re-fed from an error stream.
const Field = "fingerprint"

// Length is the number of hex characters in a fingerprint.
const Length = sha256.Size * 2

// Generator computes fingerprints. The zero value hashes the item's uid or id,
// then its first non-system message, then the whole item.
type Generator struct {
	// KeyFields, when set, select the identifying fields of an item.
	KeyFields []string
}

// New returns a generator keyed on the given fields.
func New(keyFields ...string) *Generator {
	return &Generator{KeyFields: append([]string(nil), keyFields...)}
}

// IDFields are the item fields that identify an item when no key fields are
// configured, in priority order.
var IDFields = []string{"uid", "id"}

// Of returns the fingerprint for item. Identifying content, in priority order:
// an existing fingerprint field, the configured key fields, the item's own uid
// or id, the first non-system message's content, the canonical JSON of the
// whole item.
func (g *Generator) Of(item map[string]any) (string, error) {
	if existing, ok := item[Field].(string); ok && Valid(existing) {
		return existing, nil
	}

	if g != nil && len(g.KeyFields) > 0 {
		selected := make(map[string]any, len(g.KeyFields))
		for _, key := range g.KeyFields {
			if value, ok := item[key]; ok {
				selected[key] = value
			}
		}
		if len(selected) > 0 {
			return sumCanonical(selected, "fingerprint key fields")
		}
	}

	for _, key := range IDFields {
		if value, ok := item[key]; ok && identifying(value) {
			return sumCanonical(map[string]any{key: value}, "fingerprint "+key)
		}
	}

	if content, ok := firstMessageContent(item); ok {
		return sum([]byte(norm.NFC.String(content))), nil
	}

	return sumCanonical(item, "fingerprint item")
}

func sumCanonical(value any, what string) (string, error) {
	encoded, err := canonicalJSON(value)
	if err != nil {
		return "", fmt.Errorf("%s: %w", what, err)
	}
	return sum(encoded), nil
}

// identifying reports whether an id value can stand for the item. Blank
// strings, null and containers cannot.
func identifying(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case map[string]any, []any:
		return false
	default:
		return true
	}
}

// Valid reports whether value looks like a fingerprint.
func Valid(value string) bool {
	if len(value) != Length {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

func sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func firstMessageContent(item map[string]any) (string, bool) {
	messages, ok := item["messages"].([]any)
	if !ok {
		return "", false
	}
	// A system prompt is usually shared by every item.
	for _, entry := range messages {
		message, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := message["role"].(string); role == "system" {
			continue
		}
		content, ok := message["content"].(string)
		if !ok || strings.TrimSpace(content) == "" {
			return "", false
		}
		return content, true
	}
	return "", false
}

// canonicalJSON encodes value with sorted object keys, NFC-normalised strings
// and no HTML escaping, so equal content always yields equal bytes.
func canonicalJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case string:
		return writeString(buf, v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}

func writeString(buf *bytes.Buffer, value string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(value)); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}
