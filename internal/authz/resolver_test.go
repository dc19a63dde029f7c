package authz

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// fakeRecord is a minimal record view for resolver tests.
type fakeRecord map[string]any

func (f fakeRecord) Get(key string) (any, bool) {
	v, ok := f[key]
	return v, ok
}

func alwaysTrue(RecordView) (bool, error)  { return true, nil }
func alwaysFalse(RecordView) (bool, error) { return false, nil }

func TestResolve_InsideThreatsAsymmetry(t *testing.T) {
	provider := StaticProvider{
		"src.some-2": {
			"sub-a": AccessEntry{
				Predicate: alwaysTrue,
				Orgs:      map[Resource][]string{ResourceInside: {"o1", "o3", "o9"}},
			},
			"sub-b": AccessEntry{
				Predicate: alwaysTrue,
				Orgs:      map[Resource][]string{ResourceInside: {"o2"}},
			},
			"sub-c": AccessEntry{
				Predicate: alwaysTrue,
				Orgs:      map[Resource][]string{ResourceThreats: {"o8"}},
			},
		},
	}
	r := NewResolver(provider, nil)

	rec := fakeRecord{
		"source": "src.some-2",
		"client": []any{"o1", "o2"},
	}
	res, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// inside is intersected with the event's client tags; threats is not.
	if !reflect.DeepEqual(res.Inside, []string{"o1", "o2"}) {
		t.Errorf("inside = %v, want [o1 o2]", res.Inside)
	}
	if !reflect.DeepEqual(res.Threats, []string{"o8"}) {
		t.Errorf("threats = %v, want [o8]", res.Threats)
	}
}

func TestResolve_NoSubsources(t *testing.T) {
	r := NewResolver(StaticProvider{}, nil)

	res, err := r.Resolve(context.Background(), fakeRecord{"source": "unknown.src"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Empty() {
		t.Errorf("resolution = %+v, want empty", res)
	}
}

func TestResolve_NonMatchingPredicatesExcluded(t *testing.T) {
	provider := StaticProvider{
		"prov.chan": {
			"granted": AccessEntry{
				Predicate: alwaysTrue,
				Orgs:      map[Resource][]string{ResourceThreats: {"o1"}},
			},
			"denied": AccessEntry{
				Predicate: alwaysFalse,
				Orgs:      map[Resource][]string{ResourceThreats: {"o2"}},
			},
		},
	}
	r := NewResolver(provider, nil)

	res, err := r.Resolve(context.Background(), fakeRecord{"source": "prov.chan"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(res.Threats, []string{"o1"}) {
		t.Errorf("threats = %v, want [o1]", res.Threats)
	}
}

func TestResolve_PredicateErrorAbortsWholeEvent(t *testing.T) {
	boom := errors.New("boom")
	provider := StaticProvider{
		"prov.chan": {
			"bad": AccessEntry{
				Predicate: func(RecordView) (bool, error) { return false, boom },
				Orgs:      map[Resource][]string{ResourceThreats: {"o1"}},
			},
			"good": AccessEntry{
				Predicate: alwaysTrue,
				Orgs:      map[Resource][]string{ResourceThreats: {"o2"}},
			},
		},
	}
	r := NewResolver(provider, nil)

	res, err := r.Resolve(context.Background(), fakeRecord{"source": "prov.chan"})
	var perr *PredicateError
	if !errors.As(err, &perr) {
		t.Fatalf("Resolve() error = %v, want *PredicateError", err)
	}
	if perr.Subsource != "bad" || perr.Source != "prov.chan" {
		t.Errorf("predicate error context = %+v", perr)
	}
	if !errors.Is(err, boom) {
		t.Error("original cause should be preserved")
	}
	if !res.Empty() {
		t.Error("no partial resolution on predicate failure")
	}
}

func TestResolve_CriteriaPredicates(t *testing.T) {
	provider := StaticProvider{
		"prov.chan": {
			"bots-only": AccessEntry{
				Criteria: Criteria{Categories: []string{"bots", "cnc"}},
				Orgs:     map[Resource][]string{ResourceThreats: {"o1"}},
			},
			"not-internal": AccessEntry{
				Criteria: Criteria{Restrictions: []string{"public"}},
				Orgs:     map[Resource][]string{ResourceThreats: {"o2"}},
			},
		},
	}
	r := NewResolver(provider, nil)

	res, err := r.Resolve(context.Background(), fakeRecord{
		"source":      "prov.chan",
		"category":    "bots",
		"restriction": "need-to-know",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(res.Threats, []string{"o1"}) {
		t.Errorf("threats = %v, want [o1] (category matched, restriction did not)", res.Threats)
	}
}

func TestResolve_ResultsSortedAndDeduplicated(t *testing.T) {
	provider := StaticProvider{
		"prov.chan": {
			"a": AccessEntry{
				Predicate: alwaysTrue,
				Orgs:      map[Resource][]string{ResourceThreats: {"o9", "o2"}},
			},
			"b": AccessEntry{
				Predicate: alwaysTrue,
				Orgs:      map[Resource][]string{ResourceThreats: {"o2", "o5"}},
			},
		},
	}
	r := NewResolver(provider, nil)

	res, err := r.Resolve(context.Background(), fakeRecord{"source": "prov.chan"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(res.Threats, []string{"o2", "o5", "o9"}) {
		t.Errorf("threats = %v, want sorted deduplicated [o2 o5 o9]", res.Threats)
	}
}
