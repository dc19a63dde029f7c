package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Resolution holds the resolved recipient org sets, sorted and
// deduplicated.
type Resolution struct {
	Inside  []string
	Threats []string
}

// Empty reports whether no organization is entitled to the event.
func (r Resolution) Empty() bool {
	return len(r.Inside) == 0 && len(r.Threats) == 0
}

// PredicateError wraps a subsource predicate evaluation failure. A
// predicate failure aborts resolution for the whole event (fail-closed):
// an event whose authorization state is unknown is dropped rather than
// over- or under-shared.
type PredicateError struct {
	Source    string
	Subsource string
	Err       error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("authz: predicate of subsource %q (source %q) failed: %v",
		e.Subsource, e.Source, e.Err)
}

func (e *PredicateError) Unwrap() error { return e.Err }

// Resolver computes per-event resource visibility.
type Resolver struct {
	provider Provider
	logger   *slog.Logger
}

// NewResolver creates a Resolver over the given access-map provider.
func NewResolver(provider Provider, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{provider: provider, logger: logger}
}

// Resolve computes, for the record's source, the organizations entitled
// to the event on the inside and threats resources. The inside set is
// intersected with the event's client tags; the threats set is not.
func (r *Resolver) Resolve(ctx context.Context, rec RecordView) (Resolution, error) {
	source := stringField(rec, "source")
	if source == "" {
		return Resolution{}, fmt.Errorf("authz: record has no source")
	}

	subsources, err := r.provider.SourceAccess(ctx, source)
	if err != nil {
		return Resolution{}, fmt.Errorf("authz: fetch access map for source %q: %w", source, err)
	}
	if len(subsources) == 0 {
		return Resolution{}, nil
	}

	inside := map[string]bool{}
	threats := map[string]bool{}

	// Subsource evaluation order carries no meaning; matching grants are
	// unioned. Keys are walked sorted only so failures reproduce.
	keys := make([]string, 0, len(subsources))
	for key := range subsources {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := subsources[key]
		matched, err := entry.Match(rec)
		if err != nil {
			perr := &PredicateError{Source: source, Subsource: key, Err: err}
			r.logger.Error("subsource predicate evaluation failed",
				"source", source,
				"subsource", key,
				"error", err,
			)
			return Resolution{}, perr
		}
		if !matched {
			continue
		}
		for _, org := range entry.Orgs[ResourceInside] {
			inside[org] = true
		}
		for _, org := range entry.Orgs[ResourceThreats] {
			threats[org] = true
		}
	}

	clients := clientTags(rec)
	res := Resolution{
		Inside:  intersectSorted(inside, clients),
		Threats: setSorted(threats),
	}
	return res, nil
}

func stringField(rec RecordView, key string) string {
	v, ok := rec.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// clientTags extracts the event's client org tags; the multi-adjusted
// field arrives as a []any of strings.
func clientTags(rec RecordView) map[string]bool {
	out := map[string]bool{}
	v, ok := rec.Get("client")
	if !ok {
		return out
	}
	switch list := v.(type) {
	case []any:
		for _, e := range list {
			if s, isStr := e.(string); isStr {
				out[s] = true
			}
		}
	case []string:
		for _, s := range list {
			out[s] = true
		}
	}
	return out
}

func setSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for org := range set {
		out = append(out, org)
	}
	sort.Strings(out)
	return out
}

func intersectSorted(set, with map[string]bool) []string {
	var out []string
	for org := range set {
		if with[org] {
			out = append(out, org)
		}
	}
	sort.Strings(out)
	return out
}
