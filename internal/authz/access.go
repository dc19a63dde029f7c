// Package authz implements per-event resource visibility resolution: the
// mapping of an event's source and subsource access predicates to the
// organizations entitled to receive it on each visibility resource.
package authz

import (
	"context"
)

// Resource is a named visibility channel.
type Resource string

const (
	// ResourceInside is restricted to organizations tagged as clients of
	// the event (an org's own traffic).
	ResourceInside Resource = "inside"
	// ResourceThreats is the broad intelligence-sharing channel; client
	// tagging does not gate it.
	ResourceThreats Resource = "threats"
	// ResourceSearch exists in the access metadata but is not part of
	// event dispatch.
	ResourceSearch Resource = "search"
)

// RecordView is the read-only record facade predicates evaluate against.
type RecordView interface {
	Get(key string) (any, bool)
}

// Criteria is the serializable predicate description of one subsource.
// An empty criteria matches every record.
type Criteria struct {
	Categories         []string `json:"categories,omitempty"`
	ExcludedCategories []string `json:"excluded_categories,omitempty"`
	Restrictions       []string `json:"restrictions,omitempty"`
	Names              []string `json:"names,omitempty"`
}

// Match evaluates the criteria against a record. Predicates are pure;
// they only read through the record view.
func (c Criteria) Match(rec RecordView) (bool, error) {
	if len(c.Categories) > 0 {
		if !stringFieldIn(rec, "category", c.Categories) {
			return false, nil
		}
	}
	if len(c.ExcludedCategories) > 0 {
		if stringFieldIn(rec, "category", c.ExcludedCategories) {
			return false, nil
		}
	}
	if len(c.Restrictions) > 0 {
		if !stringFieldIn(rec, "restriction", c.Restrictions) {
			return false, nil
		}
	}
	if len(c.Names) > 0 {
		if !stringFieldIn(rec, "name", c.Names) {
			return false, nil
		}
	}
	return true, nil
}

func stringFieldIn(rec RecordView, key string, allowed []string) bool {
	v, ok := rec.Get(key)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// AccessEntry is one subsource's authorization metadata: its predicate
// and the organization sets granted each resource.
type AccessEntry struct {
	Criteria Criteria              `json:"criteria"`
	Orgs     map[Resource][]string `json:"orgs"`
	// Predicate, when non-nil, overrides the criteria-derived predicate.
	// Used by tests and programmatic providers.
	Predicate func(RecordView) (bool, error) `json:"-"`
}

// Match evaluates the entry's predicate against a record.
func (e AccessEntry) Match(rec RecordView) (bool, error) {
	if e.Predicate != nil {
		return e.Predicate(rec)
	}
	return e.Criteria.Match(rec)
}

// Provider supplies the per-source subsource access map. The returned map
// is treated as an immutable snapshot for one event's resolution.
type Provider interface {
	SourceAccess(ctx context.Context, source string) (map[string]AccessEntry, error)
}

// StaticProvider is a Provider over a fixed in-memory map.
type StaticProvider map[string]map[string]AccessEntry

// SourceAccess returns the subsource map for a source; unknown sources
// yield an empty map.
func (p StaticProvider) SourceAccess(ctx context.Context, source string) (map[string]AccessEntry, error) {
	return p[source], nil
}
