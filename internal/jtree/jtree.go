// Package jtree is a small tree model for arbitrary JSON values. The claim
// pipeline walks claim bodies three different ways (reference collection,
// DID gathering, redaction); all of them operate on this shape instead of
// raw map[string]any so they can be tested against the same value model.
package jtree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Value is a decoded JSON value: map[string]any, []any, string, float64,
// bool, or nil. The alias exists to mark function signatures that expect
// decoded JSON rather than arbitrary Go values.
type Value = any

// Decode parses raw JSON into a Value.
func Decode(raw []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode json value: %w", err)
	}
	return v, nil
}

// DecodeString parses a JSON string into a Value.
func DecodeString(raw string) (Value, error) {
	return Decode([]byte(raw))
}

// Encode renders a Value back to compact JSON.
func Encode(v Value) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json value: %w", err)
	}
	return b, nil
}

// Object returns v as a JSON object, or nil if it is not one.
func Object(v Value) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// Array returns v as a JSON array, or nil if it is not one.
func Array(v Value) []any {
	a, _ := v.([]any)
	return a
}

// String returns v as a string with an ok flag.
func String(v Value) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Clone deep-copies a Value. Transforms in the pipeline never mutate their
// input; callers that need an independent copy start from Clone.
func Clone(v Value) Value {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Walk visits every value in the tree, parents before children. Object keys
// are visited in sorted order so walks are deterministic.
func Walk(v Value, visit func(Value)) {
	visit(v)
	switch t := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			Walk(t[k], visit)
		}
	case []any:
		for _, child := range t {
			Walk(child, visit)
		}
	}
}

// Transform returns a new tree where every scalar string has been passed
// through fn. Objects and arrays are rebuilt; non-string scalars pass
// through unchanged.
func Transform(v Value, fn func(string) string) Value {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Transform(child, fn)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Transform(child, fn)
		}
		return out
	case string:
		return fn(t)
	default:
		return v
	}
}

// GatherStrings collects every string in the tree (values and object keys)
// for which keep returns true, deduplicated, in first-seen walk order.
func GatherStrings(v Value, keep func(string) bool) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if !keep(s) {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	var walk func(Value)
	walk = func(v Value) {
		switch t := v.(type) {
		case map[string]any:
			for _, k := range sortedKeys(t) {
				add(k)
				walk(t[k])
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		case string:
			add(t)
		}
	}
	walk(v)
	return out
}

// Canonical renders a Value as canonical JSON: object keys sorted
// recursively, no insignificant whitespace. Two structurally equal values
// always produce identical bytes, which is what the content hashes commit to.
func Canonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v Value) error {
	switch t := v.(type) {
	case map[string]any:
		buf.WriteByte('{')
		for i, k := range sortedKeys(t) {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, child := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, child); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonicalize scalar: %w", err)
		}
		buf.Write(b)
		return nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
