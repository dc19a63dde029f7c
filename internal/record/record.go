// Package record implements the canonical threat event record: a
// mapping-like container with a fixed key schema where every write goes
// through the field's registered adjuster, producing a deterministic,
// fully-validated output.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"threatpipe/internal/adjusters"
	"threatpipe/internal/fieldspec"
)

// Record is one threat event (or blacklist entry) under normalization.
// It is owned by a single processing goroutine and must not be shared.
type Record struct {
	kind    Kind
	data    map[string]any
	builder *Builder
	logger  *slog.Logger
}

// NewRecord creates an empty record of the given kind.
func (b *Builder) NewRecord(kind Kind) *Record {
	return &Record{
		kind:    kind,
		data:    map[string]any{},
		builder: b,
		logger:  b.logger,
	}
}

// FromJSON creates a record of the given kind from a raw JSON object and
// bulk-updates it with the decoded pairs.
func (b *Builder) FromJSON(kind Kind, payload []byte) (*Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("record: malformed payload: %w", err)
	}
	rec := b.NewRecord(kind)
	if err := rec.Update(raw); err != nil {
		return nil, err
	}
	return rec, nil
}

// Kind returns the record kind.
func (r *Record) Kind() Kind { return r.kind }

// Get returns the adjusted value for a key, if set. This is the read-only
// view handed to adjusters and visibility predicates.
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.data[key]
	return v, ok
}

// Set applies the key's adjuster and stores the result. An unknown key is
// an error. Adjustment failures abort unless the key is in the
// best-effort set, in which case the value is dropped with a warning;
// a missing-category failure of the name adjuster is never tolerated.
func (r *Record) Set(key string, value any) error {
	adj, ok := r.builder.adjusters[key]
	if !ok || !keyTables[r.kind].settable[key] {
		return &UnknownKeyError{Key: key}
	}
	adjusted, err := adj(r, value)
	if err != nil {
		wrapped := adjusters.Wrap(key, value, err)
		if bestEffortKeys[key] && !isUnrecoverable(err) {
			r.logger.Warn("dropping invalid best-effort field",
				"key", key,
				"error", wrapped,
			)
			return nil
		}
		return wrapped
	}
	r.data[key] = adjusted
	return nil
}

func isUnrecoverable(err error) bool {
	return errors.Is(err, ErrCategoryNotSet)
}

// Update sets every pair from the mapping, in lexicographic key order so
// that adjusters depending on other keys (name on category) see their
// dependencies already set.
func (r *Record) Update(pairs map[string]any) error {
	for _, key := range sortedKeys(pairs) {
		if err := r.Set(key, pairs[key]); err != nil {
			return err
		}
	}
	return nil
}

// Copy returns a deep copy of the record. No data is aliased between the
// two instances.
func (r *Record) Copy() *Record {
	return &Record{
		kind:    r.kind,
		data:    deepCopyMap(r.data),
		builder: r.builder,
		logger:  r.logger,
	}
}

// ReadyDict validates that all required keys are present and returns a
// deep copy of the record's mapping, with the sorted list of used custom
// keys surfaced under the legacy marker key. Internal keys remain present
// here; export and storage views strip them.
func (r *Record) ReadyDict() (map[string]any, error) {
	var missing []string
	for key := range keyTables[r.kind].required {
		if _, ok := r.data[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingKeysError{Keys: missing}
	}

	out := deepCopyMap(r.data)
	if used := r.usedCustomKeys(); len(used) > 0 {
		out[CustomKeysMarker] = used
	}
	return out, nil
}

func (r *Record) usedCustomKeys() []string {
	var used []string
	for key := range r.data {
		if customKeySet[key] {
			used = append(used, key)
		}
	}
	sort.Strings(used)
	return used
}

// ReadyJSON serializes the export view of the ready dict: internal keys
// stripped, custom keys nested under "custom" with the used-custom-keys
// list kept for legacy consumers, datetimes rendered without
// microseconds.
func (r *Record) ReadyJSON() ([]byte, error) {
	ready, err := r.ReadyDict()
	if err != nil {
		return nil, err
	}
	export := map[string]any{}
	var custom map[string]any
	for key, value := range ready {
		switch {
		case key == CustomKeysMarker:
			// Legacy consumers read the used-custom-keys list from the
			// wire, so the marker survives the internal-key filter.
			export[key] = value
		case isInternalKey(key):
			// never exported
		case customKeySet[key]:
			if custom == nil {
				custom = map[string]any{}
			}
			custom[key] = encodeValue(value)
		default:
			export[key] = encodeValue(value)
		}
	}
	if custom != nil {
		export["custom"] = custom
	}
	return json.Marshal(export)
}

// StorageItems produces the denormalized storage rows for the record: one
// item per address entry (the flattened record fields merged with that
// address's fields), or exactly one item when the record has no
// addresses. Internal keys are stripped and custom keys nested under
// "custom".
func (r *Record) StorageItems() ([]map[string]any, error) {
	ready, err := r.ReadyDict()
	if err != nil {
		return nil, err
	}

	base := map[string]any{}
	var custom map[string]any
	var addresses []any
	for key, value := range ready {
		switch {
		case isInternalKey(key) || key == CustomKeysMarker:
			// transient, not stored
		case key == "address":
			addresses, _ = value.([]any)
		case customKeySet[key]:
			if custom == nil {
				custom = map[string]any{}
			}
			custom[key] = value
		default:
			base[key] = value
		}
	}
	if custom != nil {
		base["custom"] = custom
	}

	if len(addresses) == 0 {
		return []map[string]any{base}, nil
	}

	items := make([]map[string]any, 0, len(addresses))
	for _, entry := range addresses {
		addr, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record: malformed address entry %T", entry)
		}
		item := deepCopyMap(base)
		for k, v := range addr {
			item[k] = v
		}
		items = append(items, item)
	}
	return items, nil
}

// encodeValue renders values into their wire encoding; datetimes become
// ISO-8601-like strings with second precision.
func encodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(fieldspec.TimeLayout)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		return out
	default:
		return v
	}
}
