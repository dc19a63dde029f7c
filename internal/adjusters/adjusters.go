// Package adjusters provides the composable per-field value adjusters used
// by the canonical record. An adjuster validates and coerces one field's
// raw value into its canonical typed form.
package adjusters

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"threatpipe/internal/fieldspec"
)

// View is a read-only view of the record being adjusted. Some adjusters
// (notably the name adjuster) inspect already-set keys.
type View interface {
	Get(key string) (any, bool)
}

// Adjuster validates/coerces one raw field value. It must be pure apart
// from reads through the record view.
type Adjuster func(rec View, raw any) (any, error)

// Error wraps a failure inside an adjuster, carrying the field name, the
// offending value and the original cause.
type Error struct {
	Field     string
	Value     any
	Sensitive bool
	Err       error
}

func (e *Error) Error() string {
	if e.Sensitive {
		return fmt.Sprintf("adjuster for field %q failed: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("adjuster for field %q failed on %v: %v", e.Field, e.Value, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap turns err into an *Error for the given field unless it already is
// one for that field.
func Wrap(field string, raw any, err error) error {
	var ae *Error
	if errors.As(err, &ae) && ae.Field == field {
		return err
	}
	sensitive := false
	if spec, ok := fieldspec.Lookup(field); ok {
		sensitive = spec.Sensitive
	}
	return &Error{Field: field, Value: raw, Sensitive: sensitive, Err: err}
}

// Chained composes adjusters left to right: Chained(a, b, c) applies a,
// then b, then c.
func Chained(adjs ...Adjuster) Adjuster {
	return func(rec View, raw any) (any, error) {
		v := raw
		var err error
		for _, adj := range adjs {
			v, err = adj(rec, v)
			if err != nil {
				return nil, err
			}
		}
		return v, nil
	}
}

// ForNonFalse passes falsy values (nil, empty string, zero, empty slice or
// map) through unchanged and applies adj otherwise.
func ForNonFalse(adj Adjuster) Adjuster {
	return func(rec View, raw any) (any, error) {
		if isFalsy(raw) {
			return raw, nil
		}
		return adj(rec, raw)
	}
}

func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case int:
		return x == 0
	case int64:
		return x == 0
	case float64:
		return x == 0
	case bool:
		return !x
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// Multi lifts a singular adjuster over sequences. A scalar input is
// coerced to a one-element sequence; the result is always a []any with
// element order preserved.
func Multi(singular Adjuster) Adjuster {
	return func(rec View, raw any) (any, error) {
		var elems []any
		switch v := raw.(type) {
		case []any:
			elems = v
		case []string:
			elems = make([]any, len(v))
			for i, s := range v {
				elems[i] = s
			}
		default:
			elems = []any{raw}
		}
		out := make([]any, 0, len(elems))
		for _, e := range elems {
			adjusted, err := singular(rec, e)
			if err != nil {
				return nil, err
			}
			out = append(out, adjusted)
		}
		return out, nil
	}
}

// Dict validates that the input is a mapping and applies the given
// adjuster to each named sub-key. Unmapped keys pass through unchanged.
// The returned mapping is rebuilt with its keys visited in sorted order so
// that sub-adjuster evaluation is deterministic.
func Dict(field string, sub map[string]Adjuster) Adjuster {
	return func(rec View, raw any) (any, error) {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, Wrap(field, raw, fmt.Errorf("expected mapping, got %T", raw))
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(m))
		for _, k := range keys {
			v := m[k]
			if adj, mapped := sub[k]; mapped {
				adjusted, err := adj(rec, v)
				if err != nil {
					return nil, Wrap(field, raw, err)
				}
				out[k] = adjusted
			} else {
				out[k] = v
			}
		}
		return out, nil
	}
}

// OnTooLong is a fallback invoked when a string value exceeds a field's
// declared maximum length. It receives the offending value and the limit
// and returns a replacement.
type OnTooLong func(value string, max int) string

// FromSpec delegates validation/coercion to the field-spec catalog. If
// onTooLong is non-nil, string length overflows are replaced via the
// fallback and re-cleaned; otherwise they propagate as errors.
func FromSpec(field string, onTooLong OnTooLong) Adjuster {
	spec := fieldspec.MustLookup(field)
	return func(rec View, raw any) (any, error) {
		v, err := spec.Clean(raw)
		if err == nil {
			return v, nil
		}
		var tooLong *fieldspec.TooLongError
		if onTooLong != nil && errors.As(err, &tooLong) {
			if s, isStr := rawAsString(raw); isStr {
				v, err = spec.Clean(onTooLong(s, tooLong.MaxLength))
				if err == nil {
					return v, nil
				}
			}
		}
		return nil, Wrap(field, raw, err)
	}
}

func rawAsString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// Trim keeps the first n characters of value.
func Trim(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[:n]
}

// TrimDomain keeps the last n characters of value and strips one leading
// dot if truncation produced a value starting with ".". Truncating from
// the front preserves the meaningful suffix of a domain name.
func TrimDomain(value string, n int) string {
	if len(value) <= n {
		return value
	}
	trimmed := value[len(value)-n:]
	return strings.TrimPrefix(trimmed, ".")
}

// confidenceThresholds are the accuracy percentages at which the grade
// steps up: <34 low, 34-66 medium, >=67 high.
var (
	confidenceThresholds = []int{34, 67}
	confidenceGrades     = []string{"low", "medium", "high"}
)

// ConfidenceGrade converts a percentage-like accuracy value into a
// three-level confidence grade via binary search over the thresholds.
func ConfidenceGrade(accuracy int) string {
	idx := sort.SearchInts(confidenceThresholds, accuracy+1)
	return confidenceGrades[idx]
}
