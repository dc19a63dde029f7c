package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(DefaultBuilderConfig(), nil)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	return b
}

// validPairs returns a minimal complete raw input for an event record.
func validPairs() map[string]any {
	return map[string]any{
		"id":          "0123456789abcdef0123456789abcdef",
		"rid":         "fedcba9876543210fedcba9876543210",
		"source":      "provider.channel",
		"restriction": "public",
		"confidence":  "medium",
		"category":    "bots",
		"time":        "2026-03-01 12:00:00",
	}
}

func TestRecord_UpdateAppliesCategoryBeforeName(t *testing.T) {
	b := newTestBuilder(t)
	rec := b.NewRecord(KindEvent)

	pairs := validPairs()
	pairs["name"] = "Conficker.C"
	// Input key order is irrelevant: Update sorts by key, so category is
	// always adjusted before name.
	if err := rec.Update(pairs); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, ok := rec.Get("name")
	if !ok {
		t.Fatal("name not set after Update")
	}
	if got != "conficker" {
		t.Errorf("name = %v, want conficker", got)
	}
}

func TestRecord_NameBeforeCategoryFails(t *testing.T) {
	b := newTestBuilder(t)
	rec := b.NewRecord(KindEvent)

	err := rec.Set("name", "whatever")
	if err == nil {
		t.Fatal("Set(name) before category should fail despite name being best-effort")
	}
	if !errors.Is(err, ErrCategoryNotSet) {
		t.Errorf("error = %v, want ErrCategoryNotSet", err)
	}

	// The missing-category failure stays fatal even when wrapped.
	wrapped := fmt.Errorf("adjust name: %w", ErrCategoryNotSet)
	if !isUnrecoverable(wrapped) {
		t.Error("wrapped category-not-set error must not be dropped as best effort")
	}
}

func TestRecord_NameNormalization(t *testing.T) {
	b := newTestBuilder(t)

	tests := []struct {
		name     string
		category string
		raw      string
		want     string
	}{
		{"rule match first wins", "bots", "ZeuS-P2P", "gameover-zeus"},
		{"no rule keeps lowercased", "bots", "SomeUnknownBot", "someunknownbot"},
		{"else bucket", "bots", "123-zeus", "zeus"},
		{"non-normalizable category untouched case", "tor", "ExitNode", "ExitNode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := b.NewRecord(KindEvent)
			if err := rec.Set("category", tt.category); err != nil {
				t.Fatalf("Set(category) error = %v", err)
			}
			if err := rec.Set("name", tt.raw); err != nil {
				t.Fatalf("Set(name) error = %v", err)
			}
			got, _ := rec.Get("name")
			if got != tt.want {
				t.Errorf("name = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecord_ReadyDictMissingKeysBatch(t *testing.T) {
	b := newTestBuilder(t)
	rec := b.NewRecord(KindEvent)

	pairs := validPairs()
	delete(pairs, "rid")
	delete(pairs, "time")
	if err := rec.Update(pairs); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	_, err := rec.ReadyDict()
	var missing *MissingKeysError
	if !errors.As(err, &missing) {
		t.Fatalf("ReadyDict() error = %v, want *MissingKeysError", err)
	}
	if !reflect.DeepEqual(missing.Keys, []string{"rid", "time"}) {
		t.Errorf("missing keys = %v, want [rid time]", missing.Keys)
	}
}

func TestRecord_BlacklistRequiresExpires(t *testing.T) {
	b := newTestBuilder(t)

	rec := b.NewRecord(KindBlacklist)
	if err := rec.Update(validPairs()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	_, err := rec.ReadyDict()
	var missing *MissingKeysError
	if !errors.As(err, &missing) {
		t.Fatalf("ReadyDict() error = %v, want *MissingKeysError", err)
	}
	if !reflect.DeepEqual(missing.Keys, []string{"expires"}) {
		t.Errorf("missing keys = %v, want [expires]", missing.Keys)
	}

	if err := rec.Set("expires", "2026-04-01 00:00:00"); err != nil {
		t.Fatalf("Set(expires) error = %v", err)
	}
	if _, err := rec.ReadyDict(); err != nil {
		t.Errorf("ReadyDict() error = %v after setting expires", err)
	}

	// The same input is complete for a plain event record.
	evRec := b.NewRecord(KindEvent)
	if err := evRec.Update(validPairs()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := evRec.ReadyDict(); err != nil {
		t.Errorf("event ReadyDict() error = %v", err)
	}
}

func TestRecord_StorageItemsAddressExpansion(t *testing.T) {
	b := newTestBuilder(t)

	t.Run("two addresses yield two items", func(t *testing.T) {
		rec := b.NewRecord(KindEvent)
		pairs := validPairs()
		pairs["address"] = []any{
			map[string]any{"ip": "1.1.1.1"},
			map[string]any{"ip": "2.2.2.2", "cc": "PL"},
		}
		if err := rec.Update(pairs); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		items, err := rec.StorageItems()
		if err != nil {
			t.Fatalf("StorageItems() error = %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("got %d items, want 2", len(items))
		}
		if items[0]["ip"] != "1.1.1.1" {
			t.Errorf("item 0 ip = %v", items[0]["ip"])
		}
		if items[1]["ip"] != "2.2.2.2" || items[1]["cc"] != "PL" {
			t.Errorf("item 1 = %v", items[1])
		}
		if _, has := items[0]["cc"]; has {
			t.Error("item 0 should not carry item 1's cc")
		}
		for i, item := range items {
			if item["source"] != "provider.channel" {
				t.Errorf("item %d lost shared field source", i)
			}
			if _, has := item["address"]; has {
				t.Errorf("item %d still carries the address list", i)
			}
		}
	})

	t.Run("no address yields one item", func(t *testing.T) {
		rec := b.NewRecord(KindEvent)
		if err := rec.Update(validPairs()); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		items, err := rec.StorageItems()
		if err != nil {
			t.Fatalf("StorageItems() error = %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("got %d items, want 1", len(items))
		}
		if _, has := items[0]["ip"]; has {
			t.Error("item should have no address-derived fields")
		}
	})
}

func TestRecord_CustomKeysNested(t *testing.T) {
	b := newTestBuilder(t)
	rec := b.NewRecord(KindEvent)

	pairs := validPairs()
	pairs["description"] = "seen in spam wave"
	pairs["additional_data"] = map[string]any{"k": "v"}
	if err := rec.Update(pairs); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	ready, err := rec.ReadyDict()
	if err != nil {
		t.Fatalf("ReadyDict() error = %v", err)
	}
	marker, ok := ready[CustomKeysMarker].([]string)
	if !ok {
		t.Fatalf("ready dict has no custom keys marker: %v", ready)
	}
	if !reflect.DeepEqual(marker, []string{"additional_data", "description"}) {
		t.Errorf("custom keys marker = %v", marker)
	}

	out, err := rec.ReadyJSON()
	if err != nil {
		t.Fatalf("ReadyJSON() error = %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(out, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	custom, ok := wire["custom"].(map[string]any)
	if !ok {
		t.Fatalf("wire has no custom object: %s", out)
	}
	if custom["description"] != "seen in spam wave" {
		t.Errorf("custom.description = %v", custom["description"])
	}
	if _, top := wire["description"]; top {
		t.Error("custom key leaked to top level")
	}
	// Legacy consumers rely on the used-custom-keys list being on the
	// wire alongside the nested custom object.
	wireMarker, ok := wire[CustomKeysMarker].([]any)
	if !ok {
		t.Fatalf("wire has no custom keys list: %s", out)
	}
	if !reflect.DeepEqual(wireMarker, []any{"additional_data", "description"}) {
		t.Errorf("wire custom keys list = %v", wireMarker)
	}
	if wire["time"] != "2026-03-01 12:00:00" {
		t.Errorf("time encoding = %v", wire["time"])
	}
}

func TestRecord_InternalKeysNotExported(t *testing.T) {
	b := newTestBuilder(t)
	rec := b.NewRecord(KindEvent)

	pairs := validPairs()
	pairs["_group"] = "series-7"
	if err := rec.Update(pairs); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	ready, err := rec.ReadyDict()
	if err != nil {
		t.Fatalf("ReadyDict() error = %v", err)
	}
	if _, has := ready["_group"]; !has {
		t.Error("internal key should stay in the in-memory ready dict")
	}

	out, err := rec.ReadyJSON()
	if err != nil {
		t.Fatalf("ReadyJSON() error = %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(out, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	if _, has := wire["_group"]; has {
		t.Error("internal key leaked to wire format")
	}

	items, err := rec.StorageItems()
	if err != nil {
		t.Fatalf("StorageItems() error = %v", err)
	}
	if _, has := items[0]["_group"]; has {
		t.Error("internal key leaked to storage item")
	}
}

func TestRecord_BestEffortDrop(t *testing.T) {
	b := newTestBuilder(t)
	rec := b.NewRecord(KindEvent)

	if err := rec.Set("url", 12345); err != nil {
		t.Errorf("Set(url) with invalid value should be dropped, got error %v", err)
	}
	if _, set := rec.Get("url"); set {
		t.Error("invalid best-effort value should not be set")
	}

	// Non-best-effort keys propagate the failure.
	if err := rec.Set("md5", "not-hex"); err == nil {
		t.Error("Set(md5) with invalid value should fail")
	}
}

func TestRecord_UnknownKey(t *testing.T) {
	b := newTestBuilder(t)
	rec := b.NewRecord(KindEvent)

	err := rec.Set("no_such_key", "x")
	var unknown *UnknownKeyError
	if !errors.As(err, &unknown) {
		t.Fatalf("Set() error = %v, want *UnknownKeyError", err)
	}
	if unknown.Key != "no_such_key" {
		t.Errorf("unknown key = %q", unknown.Key)
	}
}

func TestRecord_CopyIsDeep(t *testing.T) {
	b := newTestBuilder(t)
	rec := b.NewRecord(KindEvent)

	pairs := validPairs()
	pairs["address"] = []any{map[string]any{"ip": "1.1.1.1"}}
	if err := rec.Update(pairs); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	cp := rec.Copy()
	addr, _ := rec.Get("address")
	addr.([]any)[0].(map[string]any)["ip"] = "9.9.9.9"

	cpAddr, _ := cp.Get("address")
	if got := cpAddr.([]any)[0].(map[string]any)["ip"]; got != "1.1.1.1" {
		t.Errorf("copy aliased original: ip = %v", got)
	}
}

func TestRecord_ConfidenceFromAccuracy(t *testing.T) {
	b := newTestBuilder(t)

	tests := []struct {
		raw  any
		want string
	}{
		{33, "low"},
		{34, "medium"},
		{66, "medium"},
		{67, "high"},
		{float64(50), "medium"},
		{"high", "high"},
	}
	for _, tt := range tests {
		rec := b.NewRecord(KindEvent)
		if err := rec.Set("confidence", tt.raw); err != nil {
			t.Fatalf("Set(confidence, %v) error = %v", tt.raw, err)
		}
		if got, _ := rec.Get("confidence"); got != tt.want {
			t.Errorf("confidence(%v) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
