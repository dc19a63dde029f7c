package record

import (
	"fmt"
	"sort"
	"strings"
)

// Kind selects the required/optional key partition for a record.
type Kind int

const (
	// KindEvent is a regular threat event record.
	KindEvent Kind = iota
	// KindBlacklist is a blacklist entry record; "expires" moves from the
	// optional to the required set.
	KindBlacklist
)

// CustomKeysMarker is the legacy-compat key under which the sorted list of
// used custom keys is surfaced in the ready dict.
const CustomKeysMarker = "__preserved_custom_keys__"

// requiredKeys must all be present when the ready dict is produced.
var requiredKeys = []string{
	"id", "rid", "source", "restriction", "confidence", "category", "time",
}

// optionalKeys may be set but are not demanded at read-out.
var optionalKeys = []string{
	"name", "md5", "sha1", "sha256", "proto", "address", "url", "fqdn",
	"target", "origin", "dport", "sport", "count", "until", "expires",
	"status", "replaces", "client", "adip", "dip", "email", "iban",
	"phone", "username",
}

// internalKeys are transient, never persisted or exported. All start
// with "_".
var internalKeys = []string{
	"_group", "_first_time", "_bl-series-no", "_bl-series-total", "_bl-time",
}

// customKeys are domain-specific extension fields outside the base
// schema; on output they are nested under a "custom" sub-object.
var customKeys = []string{
	"additional_data", "alternative_fqdns", "description", "ip_network",
	"min_amplification", "request", "snitch_fqdn", "vendor", "product_version",
}

// bestEffortKeys tolerate adjuster failures: the invalid value is dropped
// with a warning instead of aborting the whole record.
var bestEffortKeys = map[string]bool{
	"name": true,
	"fqdn": true,
	"url":  true,
}

type keyTable struct {
	required map[string]bool
	settable map[string]bool
}

var keyTables map[Kind]keyTable

func init() {
	buildKeyTables()
}

func buildKeyTables() {
	seen := map[string]string{}
	classes := map[string][]string{
		"required": requiredKeys,
		"optional": optionalKeys,
		"internal": internalKeys,
		"custom":   customKeys,
	}
	// The partitions must be disjoint.
	for _, class := range []string{"required", "optional", "internal", "custom"} {
		for _, key := range classes[class] {
			if prev, dup := seen[key]; dup {
				panic(fmt.Sprintf("record: key %q in both %s and %s sets", key, prev, class))
			}
			seen[key] = class
		}
	}
	for _, key := range internalKeys {
		if !strings.HasPrefix(key, "_") {
			panic(fmt.Sprintf("record: internal key %q must start with underscore", key))
		}
	}

	settable := map[string]bool{}
	for key := range seen {
		settable[key] = true
	}

	eventRequired := map[string]bool{}
	for _, key := range requiredKeys {
		eventRequired[key] = true
	}
	blRequired := map[string]bool{}
	for key := range eventRequired {
		blRequired[key] = true
	}
	blRequired["expires"] = true

	keyTables = map[Kind]keyTable{
		KindEvent:     {required: eventRequired, settable: settable},
		KindBlacklist: {required: blRequired, settable: settable},
	}
}

func isInternalKey(key string) bool { return strings.HasPrefix(key, "_") }

var customKeySet = func() map[string]bool {
	m := map[string]bool{}
	for _, k := range customKeys {
		m[k] = true
	}
	return m
}()

// sortedKeys returns the map's keys in lexicographic order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
