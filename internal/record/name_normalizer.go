package record

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/maypok86/otter"

	"threatpipe/internal/adjusters"
)

// ErrCategoryNotSet is returned by the name adjuster when the record has
// no category yet. Name normalization depends on the category, so this is
// never tolerated as a best-effort failure.
var ErrCategoryNotSet = errors.New("record: name adjusted before category was set")

// normalizableCategories are the categories whose names go through
// malware-name normalization before the standard field-spec adjustment.
var normalizableCategories = map[string]bool{
	"backdoor":       true,
	"bots":           true,
	"cnc":            true,
	"dos-attacker":   true,
	"dos-victim":     true,
	"malurl":         true,
	"malware-action": true,
	"phish":          true,
	"scanning":       true,
	"server-exploit": true,
}

// nameRule rewrites a lowercased raw name to a canonical one when its
// pattern matches. Rules are bucketed by the name's first character; the
// first matching rule wins.
type nameRule struct {
	pattern   *regexp.Regexp
	canonical string
}

// elseBucket collects rules for names whose first character has no
// dedicated bucket.
const elseBucket = byte(0)

var nameRules = map[byte][]nameRule{
	'a': {
		{regexp.MustCompile(`^avalanche`), "avalanche"},
		{regexp.MustCompile(`^andromeda`), "andromeda"},
	},
	'c': {
		{regexp.MustCompile(`^conficker(\.|-|_)?[a-e]?$`), "conficker"},
		{regexp.MustCompile(`^citadel`), "citadel"},
	},
	'd': {
		{regexp.MustCompile(`^dorkbot`), "dorkbot"},
	},
	'g': {
		{regexp.MustCompile(`^gameover(\.|-|_)?zeus`), "gameover-zeus"},
		{regexp.MustCompile(`^gozi`), "gozi"},
	},
	'i': {
		{regexp.MustCompile(`^irc(\.|-|_)?bot(net)?$`), "irc-bot"},
	},
	'm': {
		{regexp.MustCompile(`^mirai`), "mirai"},
	},
	'n': {
		{regexp.MustCompile(`^necurs`), "necurs"},
		{regexp.MustCompile(`^nymaim`), "nymaim"},
	},
	'q': {
		{regexp.MustCompile(`^q(ak|bot)`), "qakbot"},
	},
	's': {
		{regexp.MustCompile(`^sality`), "sality"},
		{regexp.MustCompile(`^slenfbot`), "slenfbot"},
	},
	't': {
		{regexp.MustCompile(`^tinba`), "tinba"},
		{regexp.MustCompile(`^torpig`), "torpig"},
	},
	'v': {
		{regexp.MustCompile(`^virut`), "virut"},
	},
	'z': {
		{regexp.MustCompile(`^zeus(\.|-|_)?(p2p|gameover)`), "gameover-zeus"},
		{regexp.MustCompile(`^zero(\.|-|_)?access`), "zeroaccess"},
		{regexp.MustCompile(`^zeus`), "zeus"},
	},
	elseBucket: {
		{regexp.MustCompile(`^[0-9]+[\-_/]?zeus`), "zeus"},
	},
}

// standardNames lists, per normalizable category, the names considered
// standard; a normalized name outside this set triggers a deduplicated
// warning when nonstandard-name logging is enabled.
var standardNames = map[string]map[string]bool{
	"bots": {
		"andromeda": true, "avalanche": true, "citadel": true,
		"conficker": true, "dorkbot": true, "gameover-zeus": true,
		"gozi": true, "irc-bot": true, "mirai": true, "necurs": true,
		"nymaim": true, "qakbot": true, "sality": true, "tinba": true,
		"torpig": true, "virut": true, "zeroaccess": true, "zeus": true,
	},
	"cnc": {
		"citadel": true, "gameover-zeus": true, "mirai": true,
		"necurs": true, "zeus": true,
	},
}

// NameNormalizer implements the category-dependent name adjustment with a
// bounded cache deduplicating nonstandard-name warnings. The cache is
// owned by the normalizer instance, not shared module state.
type NameNormalizer struct {
	logNonstandard bool
	warned         otter.Cache[string, struct{}]
	specAdjust     adjusters.Adjuster
	logger         *slog.Logger
}

// NewNameNormalizer creates a NameNormalizer with the given builder
// configuration.
func NewNameNormalizer(cfg BuilderConfig, logger *slog.Logger) *NameNormalizer {
	size := cfg.NameCacheSize
	if size <= 0 {
		size = DefaultBuilderConfig().NameCacheSize
	}
	cache, err := otter.MustBuilder[string, struct{}](size).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("record: failed to create name warning cache: " + err.Error())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NameNormalizer{
		logNonstandard: cfg.LogNonstandardNames,
		warned:         cache,
		specAdjust:     adjusters.FromSpec("name", adjusters.Trim),
		logger:         logger,
	}
}

// Adjuster returns the name adjuster bound to this normalizer.
func (n *NameNormalizer) Adjuster() adjusters.Adjuster {
	return n.adjust
}

func (n *NameNormalizer) adjust(rec adjusters.View, raw any) (any, error) {
	categoryVal, ok := rec.Get("category")
	if !ok {
		return nil, ErrCategoryNotSet
	}
	category, _ := categoryVal.(string)

	if !normalizableCategories[category] {
		return n.specAdjust(rec, raw)
	}

	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("expected string name, got %T", raw)
	}
	s = strings.ToLower(s)
	s = n.applyRules(s)

	adjusted, err := n.specAdjust(rec, s)
	if err != nil {
		return nil, err
	}
	if n.logNonstandard {
		if name, isStr := adjusted.(string); isStr {
			n.warnIfNonstandard(category, name)
		}
	}
	return adjusted, nil
}

// applyRules runs the per-first-character rule table; first match wins and
// a non-matching name stays as lowercased.
func (n *NameNormalizer) applyRules(name string) string {
	if name == "" {
		return name
	}
	bucket := name[0]
	rules, ok := nameRules[bucket]
	if !ok {
		rules = nameRules[elseBucket]
	}
	for _, rule := range rules {
		if rule.pattern.MatchString(name) {
			return rule.canonical
		}
	}
	return name
}

// warnIfNonstandard logs a nonstandard (category, name) combination at
// most once while it remains in the bounded cache.
func (n *NameNormalizer) warnIfNonstandard(category, name string) {
	std, known := standardNames[category]
	if !known || std[name] {
		return
	}
	key := category + "\x00" + name
	if _, seen := n.warned.Get(key); seen {
		return
	}
	n.warned.Set(key, struct{}{})
	n.logger.Warn("nonstandard name for category",
		"category", category,
		"name", name,
	)
}
