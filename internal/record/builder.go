package record

import (
	"fmt"
	"log/slog"
	"regexp"

	"threatpipe/internal/adjusters"
	"threatpipe/internal/fieldspec"
)

// sourcePattern is the "provider.channel" source identifier format.
var sourcePattern = regexp.MustCompile(`^[\-0-9a-z]+\.[\-0-9a-z]+$`)

// Builder constructs canonical records. It owns the per-field adjuster
// registry and the name normalizer (with its bounded warning cache), so
// record normalization state is instance-scoped, not global.
type Builder struct {
	adjusters  map[string]adjusters.Adjuster
	normalizer *NameNormalizer
	logger     *slog.Logger
}

// BuilderConfig holds configuration for the record builder.
type BuilderConfig struct {
	// LogNonstandardNames enables the deduplicated warning for normalized
	// names outside a category's standard set.
	LogNonstandardNames bool `yaml:"log_nonstandard_names"`
	// NameCacheSize bounds the (category, name) dedup cache for those
	// warnings.
	NameCacheSize int `yaml:"name_cache_size"`
}

// DefaultBuilderConfig returns the default builder configuration.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		LogNonstandardNames: true,
		NameCacheSize:       4096,
	}
}

// NewBuilder creates a Builder and validates at construction time that
// every settable key has a registered adjuster.
func NewBuilder(cfg BuilderConfig, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		normalizer: NewNameNormalizer(cfg, logger),
		logger:     logger,
	}
	b.adjusters = b.buildRegistry()

	for key := range keyTables[KindEvent].settable {
		if _, ok := b.adjusters[key]; !ok {
			return nil, fmt.Errorf("record: settable key %q has no adjuster", key)
		}
	}
	return b, nil
}

// buildRegistry maps every settable key to its adjuster value. Dispatch is
// a plain map lookup, built once here.
func (b *Builder) buildRegistry() map[string]adjusters.Adjuster {
	spec := func(field string) adjusters.Adjuster { return adjusters.FromSpec(field, nil) }

	addressEntry := adjusters.Chained(
		requireAddressIP,
		adjusters.Dict("address", map[string]adjusters.Adjuster{
			"ip":   spec("ip"),
			"cc":   spec("cc"),
			"asn":  spec("asn"),
			"dir":  spec("dir"),
			"rdns": adjusters.FromSpec("rdns", adjusters.TrimDomain),
		}),
	)

	reg := map[string]adjusters.Adjuster{
		"id":       spec("id"),
		"rid":      spec("rid"),
		"replaces": spec("replaces"),
		"md5":      spec("md5"),
		"sha1":     spec("sha1"),
		"sha256":   spec("sha256"),

		"source":      adjusters.Chained(spec("source"), adjustSourceFormat),
		"restriction": spec("restriction"),
		"category":    spec("category"),
		"proto":       spec("proto"),
		"origin":      spec("origin"),
		"status":      spec("status"),

		"confidence": adjustConfidence,

		"time":    spec("time"),
		"until":   spec("until"),
		"expires": spec("expires"),

		"name":   b.normalizer.Adjuster(),
		"fqdn":   adjusters.FromSpec("fqdn", adjusters.TrimDomain),
		"url":    adjusters.FromSpec("url", adjusters.Trim),
		"target": adjusters.FromSpec("target", adjusters.Trim),

		"dport": spec("dport"),
		"sport": spec("sport"),
		"count": spec("count"),
		"adip":  spec("adip"),
		"dip":   spec("dip"),

		"email":    adjusters.ForNonFalse(spec("email")),
		"iban":     adjusters.ForNonFalse(spec("iban")),
		"phone":    adjusters.ForNonFalse(spec("phone")),
		"username": adjusters.ForNonFalse(spec("username")),

		"client":  adjusters.Multi(spec("client")),
		"address": adjusters.Multi(addressEntry),

		"_group":           passthroughString("_group"),
		"_first_time":      spec("time"),
		"_bl-series-no":    adjustNonNegativeInt("_bl-series-no"),
		"_bl-series-total": adjustNonNegativeInt("_bl-series-total"),
		"_bl-time":         spec("time"),
	}

	for _, key := range customKeys {
		reg[key] = passthroughCustom
	}
	// Richer adjusters for custom keys with a known shape.
	reg["alternative_fqdns"] = adjusters.Multi(adjusters.FromSpec("fqdn", adjusters.TrimDomain))
	reg["min_amplification"] = passthroughString("min_amplification")

	return reg
}

// adjustSourceFormat enforces the "provider.channel" shape of the source
// identifier after the generic string cleaning.
func adjustSourceFormat(_ adjusters.View, raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", raw)
	}
	if !sourcePattern.MatchString(s) {
		return nil, fmt.Errorf("source %q is not in provider.channel form", s)
	}
	return s, nil
}

// adjustConfidence accepts either an already-graded string or a
// percentage-like accuracy number, which is converted to a grade.
func adjustConfidence(rec adjusters.View, raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return adjusters.ConfidenceGrade(v), nil
	case int64:
		return adjusters.ConfidenceGrade(int(v)), nil
	case float64:
		return adjusters.ConfidenceGrade(int(v)), nil
	default:
		return fieldspec.MustLookup("confidence").Clean(raw)
	}
}

// requireAddressIP rejects address entries lacking the mandatory ip key.
func requireAddressIP(_ adjusters.View, raw any) (any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("address entry: expected mapping, got %T", raw)
	}
	if _, has := m["ip"]; !has {
		return nil, fmt.Errorf("address entry without ip")
	}
	return m, nil
}

func passthroughString(field string) adjusters.Adjuster {
	return func(_ adjusters.View, raw any) (any, error) {
		s, ok := raw.(string)
		if !ok {
			return nil, adjusters.Wrap(field, raw, fmt.Errorf("expected string, got %T", raw))
		}
		return s, nil
	}
}

// passthroughCustom accepts any JSON-representable value for custom
// extension keys.
func passthroughCustom(_ adjusters.View, raw any) (any, error) {
	return raw, nil
}

func adjustNonNegativeInt(field string) adjusters.Adjuster {
	return func(_ adjusters.View, raw any) (any, error) {
		var n int64
		switch v := raw.(type) {
		case int:
			n = int64(v)
		case int64:
			n = v
		case float64:
			n = int64(v)
		default:
			return nil, adjusters.Wrap(field, raw, fmt.Errorf("expected integer, got %T", raw))
		}
		if n < 0 {
			return nil, adjusters.Wrap(field, raw, fmt.Errorf("must be non-negative"))
		}
		return n, nil
	}
}
