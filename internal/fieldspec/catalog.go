package fieldspec

// Categories are the canonical event categories. A subset of these
// ("normalizable" ones) additionally triggers malware-name normalization
// in the record layer.
var Categories = []string{
	"amplifier",
	"backdoor",
	"bots",
	"cnc",
	"deface",
	"dns-query",
	"dos-attacker",
	"dos-victim",
	"flow",
	"flow-anomaly",
	"fraud",
	"leak",
	"malurl",
	"malware-action",
	"other",
	"phish",
	"proxy",
	"sandbox-url",
	"scam",
	"scanning",
	"server-exploit",
	"spam",
	"spam-url",
	"tor",
	"vulnerable",
	"webinject",
}

// Restrictions are the canonical data-sharing restriction levels.
var Restrictions = []string{"public", "need-to-know", "internal"}

// Statuses are the blacklist entry lifecycle statuses.
var Statuses = []string{"active", "delisted", "expired", "replaced"}

// Origins are the canonical event origin labels.
var Origins = []string{
	"c2", "dropzone", "proxy", "p2p-crawler", "p2p-drone",
	"sinkhole", "sandbox", "honeypot", "darknet", "av", "ids", "waf",
}

// Protos are the transport protocols accepted for the proto field.
var Protos = []string{"tcp", "udp", "icmp"}

// catalog maps field name to its spec. Address sub-fields (ip, cc, asn,
// dir, rdns) appear here as well; they are validated through the address
// dict adjuster in the record layer.
var catalog = map[string]Spec{
	"id":          {Name: "id", Kind: KindHexHash, HexLength: 32},
	"rid":         {Name: "rid", Kind: KindHexHash, HexLength: 32},
	"source":      {Name: "source", Kind: KindString, MaxLength: 63},
	"restriction": {Name: "restriction", Kind: KindEnum, Enum: Restrictions},
	"confidence":  {Name: "confidence", Kind: KindEnum, Enum: []string{"low", "medium", "high"}},
	"category":    {Name: "category", Kind: KindEnum, Enum: Categories},
	"time":        {Name: "time", Kind: KindTime},

	"name":     {Name: "name", Kind: KindUnicode, MaxLength: 255},
	"md5":      {Name: "md5", Kind: KindHexHash, HexLength: 32},
	"sha1":     {Name: "sha1", Kind: KindHexHash, HexLength: 40},
	"sha256":   {Name: "sha256", Kind: KindHexHash, HexLength: 64},
	"proto":    {Name: "proto", Kind: KindEnum, Enum: Protos},
	"url":      {Name: "url", Kind: KindURL, MaxLength: 2048},
	"fqdn":     {Name: "fqdn", Kind: KindDomain, MaxLength: 255},
	"target":   {Name: "target", Kind: KindUnicode, MaxLength: 100},
	"origin":   {Name: "origin", Kind: KindEnum, Enum: Origins},
	"dport":    {Name: "dport", Kind: KindPort},
	"sport":    {Name: "sport", Kind: KindPort},
	"count":    {Name: "count", Kind: KindInt, Min: 0, Max: 32767},
	"until":    {Name: "until", Kind: KindTime},
	"expires":  {Name: "expires", Kind: KindTime},
	"status":   {Name: "status", Kind: KindEnum, Enum: Statuses},
	"replaces": {Name: "replaces", Kind: KindHexHash, HexLength: 32},
	"client":   {Name: "client", Kind: KindString, MaxLength: 32},
	"adip":     {Name: "adip", Kind: KindString, MaxLength: 18},
	"dip":      {Name: "dip", Kind: KindIPv4, Sensitive: true},
	"email":    {Name: "email", Kind: KindEmail, MaxLength: 255, Sensitive: true},
	"iban":     {Name: "iban", Kind: KindString, MaxLength: 34, Sensitive: true},
	"phone":    {Name: "phone", Kind: KindString, MaxLength: 20, Sensitive: true},
	"username": {Name: "username", Kind: KindString, MaxLength: 64, Sensitive: true},

	"ip":   {Name: "ip", Kind: KindIPv4},
	"cc":   {Name: "cc", Kind: KindCC},
	"asn":  {Name: "asn", Kind: KindASN},
	"dir":  {Name: "dir", Kind: KindEnum, Enum: []string{"src", "dst"}},
	"rdns": {Name: "rdns", Kind: KindDomain, MaxLength: 255},
}

// Lookup returns the spec for a field name.
func Lookup(name string) (Spec, bool) {
	s, ok := catalog[name]
	return s, ok
}

// MustLookup returns the spec for a field name and panics if the catalog
// has no entry. Intended for registry construction at startup.
func MustLookup(name string) Spec {
	s, ok := catalog[name]
	if !ok {
		panic("fieldspec: no spec for field " + name)
	}
	return s
}
