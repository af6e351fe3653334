// Package safety screens what external users send to the assistant and
// scrubs secrets from what the assistant sends back to them.
package safety

import (
	"regexp"
	"strings"
)

// Verdict is the outcome of screening one message.
type Verdict int

const (
	Allow Verdict = iota
	// Suspicious messages pass but are logged.
	Suspicious
	// Refuse means the message never reaches a session and the sender is
	// warned.
	Refuse
)

func (v Verdict) String() string {
	switch v {
	case Suspicious:
		return "suspicious"
	case Refuse:
		return "refuse"
	}
	return "allow"
}

// Finding explains a Verdict.
type Finding struct {
	Verdict Verdict
	Reason  string
}

const redacted = "[REDACTED]"

type rule struct {
	re      *regexp.Regexp
	verdict Verdict
	reason  string
}

var screenRules = []rule{
	{regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`), Refuse, "ignore previous instructions"},
	{regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`), Refuse, "identity override"},
	{regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`), Refuse, "system prompt override"},
	{regexp.MustCompile(`(?i)\b(forget\s+(everything|all|your)\s+(you|instructions?)?)`), Refuse, "memory wipe"},
	{regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`), Refuse, "system prompt extraction"},
	{regexp.MustCompile(`(?i)\b(what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?))\b`), Refuse, "system prompt query"},
	// Fences the dispatcher puts around user text.
	{regexp.MustCompile(`(?i)</?\s*message-body\s*>`), Suspicious, "message fence tag"},
	{regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`), Suspicious, "[SYSTEM] tag"},
	{regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`), Suspicious, "chat template tag"},
	// base64 of "ignore" / "Ignore"
	{regexp.MustCompile(`(aWdub3Jl|SWdub3Jl)`), Suspicious, "encoded instruction"},
}

// secretRules keep group 1, when present, and redact the rest of the match.
var secretRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:api[_-]?key|apikey)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_\-]{30,}\b`),
	regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+)?PRIVATE\s+KEY-----[\s\S]*?(?:-----END\s+(?:RSA\s+)?PRIVATE\s+KEY-----|$)`),
	regexp.MustCompile(`(?i)((?:password|passwd|pwd)\s*[:=]\s*"?)[^\s"]{8,}"?`),
}

// Guard is stateless and safe for concurrent use.
type Guard struct{}

func NewGuard() *Guard { return &Guard{} }

// Screen checks text from an external user. The first matching rule wins,
// so a refusal listed before a suspicion takes precedence.
func (g *Guard) Screen(text string) Finding {
	if strings.TrimSpace(text) == "" {
		return Finding{Verdict: Allow}
	}
	for _, r := range screenRules {
		if r.re.MatchString(text) {
			return Finding{Verdict: r.verdict, Reason: r.reason}
		}
	}
	return Finding{Verdict: Allow}
}

// Scrub replaces secrets in text with [REDACTED] and reports how many it
// replaced.
func (g *Guard) Scrub(text string) (string, int) {
	n := 0
	for _, re := range secretRules {
		text = re.ReplaceAllStringFunc(text, func(match string) string {
			n++
			if sub := re.FindStringSubmatch(match); len(sub) > 1 && sub[1] != "" {
				return sub[1] + redacted
			}
			return redacted
		})
	}
	return text, n
}
