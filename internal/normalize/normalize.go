// Package normalize converts source records into store.UnifiedContent.
//
// Every function is pure: the same record and Context always produce the
// same content, which is what makes re-syncing idempotent. The only error
// returned is a validation error for a record without a source id.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"workweave/api/internal/apperr"
	"workweave/api/internal/store"
)

// Context carries the values a normalizer needs from outside the record.
type Context struct {
	ExtractedAt time.Time
}

// SearchableText lower-cases and space-joins parts. Empty parts are kept
// as empty strings so the position of each field is stable.
func SearchableText(parts ...string) string {
	return strings.ToLower(strings.Join(parts, " "))
}

func requireID(op, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Validation(op, "source record has no id")
	}
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// keywords keeps the first occurrence of every non-empty value, in order.
func keywords(values ...string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func metadata(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// SetExtension stores v under key in data.Extensions.
func SetExtension(data *store.StructuredData, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode extension %s: %w", key, err)
	}
	if data.Extensions == nil {
		data.Extensions = map[string]json.RawMessage{}
	}
	data.Extensions[key] = raw
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
