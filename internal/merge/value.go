// Package merge implements field-level optimistic reconciliation of vertical
// documents. Everything in this package is pure: no I/O, no clocks, no
// package state.
package merge

import (
	"encoding/json"
	"sort"
)

// Document is one vertical's JSON document keyed by top-level field name.
type Document map[string]any

// FieldTimestamps records, per field, the wall-clock time in milliseconds at
// which the field's value last actually changed.
type FieldTimestamps map[string]int64

func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = Clone(v)
	}
	return out
}

func (t FieldTimestamps) Clone() FieldTimestamps {
	out := make(FieldTimestamps, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// IsObject reports whether v is a keyed object (not an array, not a scalar).
func IsObject(v any) bool {
	switch v.(type) {
	case map[string]any, Document:
		return true
	default:
		return false
	}
}

func asObject(v any) (map[string]any, bool) {
	switch typed := v.(type) {
	case map[string]any:
		return typed, true
	case Document:
		return map[string]any(typed), true
	default:
		return nil, false
	}
}

// Clone deep-copies JSON-shaped values. Scalars are returned as-is.
func Clone(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = Clone(item)
		}
		return out
	case Document:
		return map[string]any(typed.Clone())
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = Clone(item)
		}
		return out
	case []string:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = item
		}
		return out
	default:
		return v
	}
}

// Equal is deep structural equality over JSON-shaped values. Numbers compare
// by value regardless of their Go type, so a default of int 0 equals a
// decoded float64 0.
func Equal(a, b any) bool {
	if na, ok := number(a); ok {
		nb, ok := number(b)
		return ok && na == nb
	}
	if objA, ok := asObject(a); ok {
		objB, ok := asObject(b)
		if !ok || len(objA) != len(objB) {
			return false
		}
		for k, va := range objA {
			vb, present := objB[k]
			if !present || !Equal(va, vb) {
				return false
			}
		}
		return true
	}
	switch typed := a.(type) {
	case []any:
		other, ok := b.([]any)
		if !ok || len(typed) != len(other) {
			return false
		}
		for i := range typed {
			if !Equal(typed[i], other[i]) {
				return false
			}
		}
		return true
	case string:
		other, ok := b.(string)
		return ok && typed == other
	case bool:
		other, ok := b.(bool)
		return ok && typed == other
	case nil:
		return b == nil
	default:
		// Non-JSON shapes: fall back to comparing their encodings.
		ea, errA := json.Marshal(a)
		eb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ea) == string(eb)
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
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
