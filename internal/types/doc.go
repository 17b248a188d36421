package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// CFPrefix marks custom-field keys inside index documents and filter fields.
const CFPrefix = "cf:"

// L10nPrefix marks translation keys, "l10n:<locale>:<field>".
const L10nPrefix = "l10n:"

// Doc is the JSON document stored per indexed record. Values are the JSON
// variants produced by encoding/json: nil, bool, float64, string, []any and
// map[string]any. Multi-value custom fields appear as []any.
type Doc map[string]any

// Clone returns a shallow copy. Slice and map values are shared; callers that
// mutate nested values must copy them first.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge lays other's keys over d in place, later layers overriding earlier
// ones. Nil values in other still override: an explicit null wins over a base
// column.
func (d Doc) Merge(other Doc) {
	for k, v := range other {
		d[k] = v
	}
}

// SortedKeys returns the document's keys in lexical order, for deterministic
// iteration in token extraction and tests.
func (d Doc) SortedKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetString returns the value at key as a string when it is one.
func (d Doc) GetString(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// MarshalDoc serializes the document for JSONB storage.
func MarshalDoc(d Doc) ([]byte, error) {
	if d == nil {
		d = Doc{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal doc: %w", err)
	}
	return b, nil
}

// UnmarshalDoc parses a stored JSONB document. A nil or empty payload yields
// an empty document.
func UnmarshalDoc(data []byte) (Doc, error) {
	if len(data) == 0 {
		return Doc{}, nil
	}
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal doc: %w", err)
	}
	if d == nil {
		d = Doc{}
	}
	return d, nil
}

// NormalizeValue converts arbitrary Go values (driver scans, caller input)
// into the JSON variant set used inside docs. time.Time becomes RFC 3339,
// integer and float kinds become float64, []byte becomes string. Slices are
// normalized element-wise. Unknown types fall back to fmt.Sprint.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, string, float64:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NormalizeValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = NormalizeValue(e)
		}
		return out
	default:
		return fmt.Sprint(t)
	}
}

// StringValues flattens a doc value into the strings the token extractor
// indexes. Strings pass through, numbers and bools stringify, arrays flatten
// one element at a time. Nested objects and nulls produce nothing.
func StringValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case bool:
		return []string{strconv.FormatBool(t)}
	case float64:
		return []string{formatFloat(t)}
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, StringValues(e)...)
		}
		return out
	default:
		return nil
	}
}

// formatFloat renders whole numbers without a trailing ".0" so that ids and
// counters tokenize the way users type them.
func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
