package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches the credential-bearing patterns this core's own
// log lines can contain: admin bearer tokens, and the one_time_token /
// long_lived_key values credentialstore mints (base64url, §4.2).
var secretPatterns = []*regexp.Regexp{
	// Generic key=value / key: value credential fields.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|admin[_-]?token|one[_-]?time[_-]?token|long[_-]?lived[_-]?key|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
}

// bareTokenCandidate finds runs of characters long enough to be a bare,
// unlabeled one_time_token or long_lived_key value pasted into a log line
// with no "key=" prefix to match against.
var bareTokenCandidate = regexp.MustCompile(`\b[A-Za-z0-9_\-]{22,}\b`)

// bareTokenLengths are the exact unpadded base64url lengths
// credentialstore.generateToken produces: 22 chars for the 128-bit
// one_time_token, 43 for the 256-bit long_lived_key. This core's other
// identifiers (bot_id, task_id, trace_id, command_id) are hex or
// uuid.NewString() text at different lengths, so restricting to these two
// exact sizes is what keeps this pattern from also swallowing them.
var bareTokenLengths = map[int]bool{22: true, 43: true}

// looksLikeBareToken reports whether s is shaped like a credential this
// core mints rather than one of its hex/UUID identifiers: the right length
// for generateToken's output, and mixing letter case the way base64url of
// random bytes almost always does (hex and uuid.NewString() text never
// does).
func looksLikeBareToken(s string) bool {
	if !bareTokenLengths[len(s)] {
		return false
	}
	var hasUpper, hasLower bool
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		}
	}
	return hasUpper && hasLower
}

// Redact replaces credential-bearing patterns in the input string with
// [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	result = bareTokenCandidate.ReplaceAllStringFunc(result, func(match string) string {
		if looksLikeBareToken(match) {
			return redactedPlaceholder
		}
		return match
	})
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
