// Package fieldspec defines the per-field metadata catalog for canonical
// threat event records: value kind, length and range limits, enum values
// and the sensitivity flag. All field-level validation and coercion goes
// through Spec.Clean.
package fieldspec

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind is the value kind of a field.
type Kind string

const (
	KindString  Kind = "string"
	KindUnicode Kind = "unicode"
	KindInt     Kind = "int"
	KindEnum    Kind = "enum"
	KindTime    Kind = "time"
	KindIPv4    Kind = "ipv4"
	KindDomain  Kind = "domain"
	KindURL     Kind = "url"
	KindEmail   Kind = "email"
	KindHexHash Kind = "hex"
	KindCC      Kind = "cc"
	KindASN     Kind = "asn"
	KindPort    Kind = "port"
)

// TimeLayout is the wire format for datetime fields: ISO-8601-like,
// second precision, no zone suffix (values are UTC).
const TimeLayout = "2006-01-02 15:04:05"

var (
	validate = validator.New()

	domainPattern = regexp.MustCompile(`^[\-0-9a-z_]+(\.[\-0-9a-z_]+)*$`)
	ccPattern     = regexp.MustCompile(`^[A-Z][A-Z0-9]$`)
)

// Spec describes one field of the canonical record schema.
type Spec struct {
	Name      string
	Kind      Kind
	MaxLength int      // 0 means unlimited
	Enum      []string // for KindEnum
	Min, Max  int64    // numeric range for KindInt/KindASN/KindPort
	HexLength int      // exact hex digit count for KindHexHash
	Sensitive bool     // offending values must never appear in errors/logs
}

// ValueError is returned by Clean when a raw value is invalid for a field.
// For sensitive fields the offending value is masked in the message.
type ValueError struct {
	Field     string
	Value     any
	Sensitive bool
	Err       error
}

func (e *ValueError) Error() string {
	if e.Sensitive {
		return fmt.Sprintf("fieldspec: invalid value for sensitive field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("fieldspec: invalid value %v for field %q: %v", e.Value, e.Field, e.Err)
}

func (e *ValueError) Unwrap() error { return e.Err }

// TooLongError reports a string exceeding the field's declared maximum
// length. Callers may substitute a truncated replacement on this error.
type TooLongError struct {
	Field     string
	MaxLength int
	Length    int
}

func (e *TooLongError) Error() string {
	return fmt.Sprintf("fieldspec: value for field %q is %d chars, max is %d",
		e.Field, e.Length, e.MaxLength)
}

func (s Spec) fail(v any, err error) error {
	return &ValueError{Field: s.Name, Value: v, Sensitive: s.Sensitive, Err: err}
}

// Clean validates and coerces a raw value into the field's canonical typed
// form. Strings exceeding MaxLength produce a *TooLongError wrapped in the
// returned *ValueError.
func (s Spec) Clean(raw any) (any, error) {
	switch s.Kind {
	case KindString, KindUnicode:
		return s.cleanString(raw)
	case KindEnum:
		return s.cleanEnum(raw)
	case KindInt, KindASN, KindPort:
		return s.cleanInt(raw)
	case KindTime:
		return s.cleanTime(raw)
	case KindIPv4:
		return s.cleanIPv4(raw)
	case KindDomain:
		return s.cleanTagged(raw, "fqdn", domainPattern)
	case KindURL:
		return s.cleanURL(raw)
	case KindEmail:
		return s.cleanTagged(raw, "email", nil)
	case KindHexHash:
		return s.cleanHex(raw)
	case KindCC:
		return s.cleanCC(raw)
	default:
		return nil, s.fail(raw, fmt.Errorf("unknown field kind %q", s.Kind))
	}
}

func (s Spec) asString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("expected string, got %T", raw)
	}
}

func (s Spec) cleanString(raw any) (any, error) {
	v, err := s.asString(raw)
	if err != nil {
		return nil, s.fail(raw, err)
	}
	if s.MaxLength > 0 && len(v) > s.MaxLength {
		return nil, s.fail(raw, &TooLongError{Field: s.Name, MaxLength: s.MaxLength, Length: len(v)})
	}
	return v, nil
}

func (s Spec) cleanEnum(raw any) (any, error) {
	v, err := s.asString(raw)
	if err != nil {
		return nil, s.fail(raw, err)
	}
	for _, allowed := range s.Enum {
		if v == allowed {
			return v, nil
		}
	}
	return nil, s.fail(raw, fmt.Errorf("not one of %v", s.Enum))
}

func (s Spec) cleanInt(raw any) (any, error) {
	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != float64(int64(v)) {
			return nil, s.fail(raw, fmt.Errorf("not an integer"))
		}
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, s.fail(raw, fmt.Errorf("not an integer: %v", err))
		}
		n = parsed
	default:
		return nil, s.fail(raw, fmt.Errorf("expected integer, got %T", raw))
	}
	min, max := s.Min, s.Max
	if s.Kind == KindPort && max == 0 {
		max = 65535
	}
	if s.Kind == KindASN && max == 0 {
		max = 0xFFFFFFFF
	}
	if n < min || (max != 0 && n > max) {
		return nil, s.fail(raw, fmt.Errorf("out of range [%d, %d]", min, max))
	}
	return n, nil
}

func (s Spec) cleanTime(raw any) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC().Truncate(time.Second), nil
	case string:
		for _, layout := range []string{TimeLayout, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC().Truncate(time.Second), nil
			}
		}
		return nil, s.fail(raw, fmt.Errorf("unparseable datetime"))
	default:
		return nil, s.fail(raw, fmt.Errorf("expected datetime, got %T", raw))
	}
}

func (s Spec) cleanIPv4(raw any) (any, error) {
	v, err := s.asString(raw)
	if err != nil {
		return nil, s.fail(raw, err)
	}
	ip := net.ParseIP(v)
	if ip == nil || ip.To4() == nil {
		return nil, s.fail(raw, fmt.Errorf("not a dotted-decimal IPv4 address"))
	}
	return ip.To4().String(), nil
}

// cleanTagged validates a lowercased string with a validator/v10 tag and
// an optional extra pattern, then applies the length limit.
func (s Spec) cleanTagged(raw any, tag string, pattern *regexp.Regexp) (any, error) {
	v, err := s.asString(raw)
	if err != nil {
		return nil, s.fail(raw, err)
	}
	v = strings.ToLower(strings.TrimSuffix(v, "."))
	if err := validate.Var(v, tag); err != nil {
		return nil, s.fail(raw, fmt.Errorf("not a valid %s", tag))
	}
	if pattern != nil && !pattern.MatchString(v) {
		return nil, s.fail(raw, fmt.Errorf("not a valid %s", tag))
	}
	if s.MaxLength > 0 && len(v) > s.MaxLength {
		return nil, s.fail(raw, &TooLongError{Field: s.Name, MaxLength: s.MaxLength, Length: len(v)})
	}
	return v, nil
}

func (s Spec) cleanURL(raw any) (any, error) {
	v, err := s.asString(raw)
	if err != nil {
		return nil, s.fail(raw, err)
	}
	if err := validate.Var(v, "url"); err != nil {
		return nil, s.fail(raw, fmt.Errorf("not a valid url"))
	}
	if s.MaxLength > 0 && len(v) > s.MaxLength {
		return nil, s.fail(raw, &TooLongError{Field: s.Name, MaxLength: s.MaxLength, Length: len(v)})
	}
	return v, nil
}

func (s Spec) cleanHex(raw any) (any, error) {
	v, err := s.asString(raw)
	if err != nil {
		return nil, s.fail(raw, err)
	}
	v = strings.ToLower(v)
	if s.HexLength > 0 && len(v) != s.HexLength {
		return nil, s.fail(raw, fmt.Errorf("expected %d hex digits, got %d", s.HexLength, len(v)))
	}
	for _, c := range v {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return nil, s.fail(raw, fmt.Errorf("not a hex digest"))
		}
	}
	return v, nil
}

func (s Spec) cleanCC(raw any) (any, error) {
	v, err := s.asString(raw)
	if err != nil {
		return nil, s.fail(raw, err)
	}
	v = strings.ToUpper(v)
	if !ccPattern.MatchString(v) {
		return nil, s.fail(raw, fmt.Errorf("not a two-letter country code"))
	}
	return v, nil
}
