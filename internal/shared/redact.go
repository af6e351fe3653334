package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	// key=value style secrets
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Telegram bot tokens: <bot id>:<35 chars>
	regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_\-]{30,}\b`),
	// Google AI and Anthropic keys
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`),
}

// Redact replaces secret-bearing substrings with [REDACTED]. Prefixes such as
// "Bearer " or "api_key=" are kept so the log line stays readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllStringFunc(out, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

// IsSensitiveKey reports whether a config or log key names a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"api_key", "apikey", "secret", "token", "password", "authorization", "credential"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
