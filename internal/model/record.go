package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"unicode/utf16"
)

// Record is an opaque JSON object payload.
//
// Records decoded through DecodeRecord keep numbers as json.Number so that
// integers survive a round trip through the queue without float rounding.
type Record map[string]any

// DecodeRecord parses a JSON object. Empty input and the literal null both
// decode to a nil Record.
func DecodeRecord(data []byte) (Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode record: trailing data after object")
	}
	return r, nil
}

// MustRecord decodes a JSON literal and panics on error. For tests and fixtures.
func MustRecord(s string) Record {
	r, err := DecodeRecord([]byte(s))
	if err != nil {
		panic(err)
	}
	return r
}

// UnmarshalJSON keeps numbers as json.Number.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*r = m
	return nil
}

// Canonical returns the canonical JSON form of the record. A nil record
// serialises as null.
func (r Record) Canonical() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return MarshalCanonical(map[string]any(r))
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]any(r)).(map[string]any)
}

// Merge returns a copy of r with every top-level field of patch applied.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// SortedKeys returns the record's keys in canonical order.
func (r Record) SortedKeys() []string {
	keys := slices.Collect(maps.Keys(r))
	slices.SortFunc(keys, compareKeys)
	return keys
}

// String renders the canonical form, or a Go-syntax fallback for values that
// cannot be canonicalised.
func (r Record) String() string {
	b, err := r.Canonical()
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(r))
	}
	return string(b)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Record:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}

// compareKeys orders object keys by UTF-16 code units (RFC 8785 §3.2.3).
func compareKeys(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < min(len(a16), len(b16)); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}
