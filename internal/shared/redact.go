package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// redactRules cover secrets that show up in agent protocol lines, child
// process output and error strings. Rules with a capture group keep the
// prefix so the surrounding JSON or header stays readable.
var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)("(?:gateway)?token"\s*:\s*")[^"]{8,}`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), redactedPlaceholder},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), redactedPlaceholder},
}

var sensitiveKeyParts = []string{"token", "secret", "password", "credential", "authorization", "api_key", "apikey", "bearer"}

// Redact masks credentials in s.
func Redact(s string) string {
	for _, rule := range redactRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// SensitiveKey reports whether a log attribute or environment variable name
// looks like it holds a credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
