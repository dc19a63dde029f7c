// Package logging provides slog setup and masking helpers for the
// pipeline.
package logging

import (
	"strings"
)

// SensitiveFields contains field names whose values must never reach
// the logs. Event fields like dip, email or username identify abuse
// victims; the rest are credentials of the pipeline itself.
var SensitiveFields = map[string]bool{
	"dip":           true,
	"email":         true,
	"iban":          true,
	"phone":         true,
	"username":      true,
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"access_token":  true,
	"private_key":   true,
	"credentials":   true,
	"authorization": true,
	"session_id":    true,
	"cookie":        true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)
	if SensitiveFields[lowerField] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// MaskEmail partially masks an email address for debug output.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	atIdx := strings.Index(email, "@")
	if atIdx <= 0 {
		return MaskedValue
	}
	local := email[:atIdx]
	domain := email[atIdx:]
	if len(local) <= 2 {
		return MaskedValue + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

// SafeLogValue returns a safe-to-log version of a value based on the
// field name.
func SafeLogValue(fieldName string, value any) any {
	if value == nil {
		return nil
	}
	if !IsSensitiveField(fieldName) {
		return value
	}
	switch v := value.(type) {
	case []string:
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	default:
		return MaskedValue
	}
}
