// Package logging provides logger construction and redaction helpers for
// security event details.
package logging

import (
	"net"
	"regexp"
	"strings"
)

// SensitiveFields contains field names that are always masked.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"pass":          true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"auth":          true,
	"authorization": true,
	"bearer":        true,
	"jwt":           true,
	"session_id":    true,
	"cookie":        true,
	"x-api-key":     true,
	"webhook_url":   true,
}

// sensitiveKeywords mark a field as sensitive when they appear anywhere in its name.
var sensitiveKeywords = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey", "private_key", "credential",
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)
	if SensitiveFields[lowerField] {
		return true
	}
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerField, keyword) {
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

// SensitivePatterns contains regex patterns for sensitive data in raw strings.
var SensitivePatterns = []*regexp.Regexp{
	// API keys and tokens (common formats)
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	// AWS keys
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
	// Generic secrets with common prefixes
	regexp.MustCompile(`(?i)(sk_live_|pk_live_|sk_test_|pk_test_)[a-zA-Z0-9]+`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s
	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}
	return result
}

// MaskDetails returns a copy of details with sensitive keys redacted (empty
// strings are kept so absence stays visible) and
// secret-looking substrings removed from string values. Nested maps and
// slices are walked.
func MaskDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if !IsSensitiveField(k) {
			out[k] = maskValue(v)
			continue
		}
		switch val := v.(type) {
		case nil:
			out[k] = nil
		case string:
			out[k] = MaskSensitiveValue(k, val)
		default:
			out[k] = MaskedValue
		}
	}
	return out
}

func maskValue(v any) any {
	switch val := v.(type) {
	case string:
		return MaskSensitivePatterns(val)
	case map[string]any:
		return MaskDetails(val)
	case []any:
		masked := make([]any, len(val))
		for i := range val {
			masked[i] = maskValue(val[i])
		}
		return masked
	case []string:
		masked := make([]string, len(val))
		for i := range val {
			masked[i] = MaskSensitivePatterns(val[i])
		}
		return masked
	default:
		return v
	}
}

// MaskIP reduces an address to its network portion: the first two octets
// for IPv4 and the first three groups for IPv6. Unparsable input is fully masked.
func MaskIP(addr string) string {
	if addr == "" {
		return ""
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return MaskedValue
	}
	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".x.x"
	}
	groups := strings.Split(ip.String(), ":")
	if len(groups) > 3 {
		groups = groups[:3]
	}
	return strings.Join(groups, ":") + "::x"
}
