// Package payload reads the loosely-typed JSON the device CLI emits.
// Firmware variants disagree on key names and units, so every accessor is
// tolerant: a missing or mistyped field reads as absent, never an error.
package payload

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Map is a decoded JSON object.
type Map = map[string]any

// AsMap returns v as an object.
func AsMap(v any) (Map, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// FirstObject returns v if it is an object, or the first element of v if
// it is an array whose first element is an object.
func FirstObject(v any) (Map, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		if len(t) > 0 {
			if m, ok := t[0].(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

// Objects returns the object elements of v, or v itself as a single
// element when v is an object.
func Objects(v any) []Map {
	switch t := v.(type) {
	case map[string]any:
		return []Map{t}
	case []any:
		out := make([]Map, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// Has reports whether any of the keys is present, even with a null value.
func Has(m Map, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// String returns a string field.
func String(m Map, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// FirstString returns the first non-blank string among keys, trimmed.
func FirstString(m Map, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// Float converts numbers and numeric strings.
func Float(m Map, key string) (float64, bool) {
	return toFloat(m[key])
}

// Int converts integers, truncating floats; numeric strings must be integral.
func Int(m Map, key string) (int64, bool) {
	return toInt(m[key])
}

// FloatPtr returns a pointer to the field value, or nil when absent.
func FloatPtr(m Map, key string) *float64 {
	if f, ok := Float(m, key); ok {
		return &f
	}
	return nil
}

// IntPtr returns a pointer to the field value, or nil when absent.
func IntPtr(m Map, key string) *int64 {
	if i, ok := Int(m, key); ok {
		return &i
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Compact renders v as JSON, or "" when it cannot be encoded.
func Compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
