package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// Provider API keys travel in request bodies and show up verbatim in some
// upstream error messages ("Incorrect API key provided: sk-...").
var credentialPatterns = []*regexp.Regexp{
	// OpenAI, Anthropic, DeepSeek and Grok style keys: sk-..., sk-ant-..., sk-proj-..., xai-...
	regexp.MustCompile(`(?i)\b(?:sk|xai|gsk|pk|rk)[-_][a-z0-9_-]{8,}`),
	// JWT-like tokens.
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}`),
	// DSN style secrets: password=..., secret=..., api_key=...
	regexp.MustCompile(`(?i)\b(?:password|secret|token|api_key)\s*=\s*\S{4,}`),
}

// ContainsCredential reports whether s matches any known credential pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces every detected credential in s. Clean input is
// returned unchanged.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for _, p := range credentialPatterns {
		if p.MatchString(result) {
			result = p.ReplaceAllString(result, credentialRedacted)
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.TrimSpace(result)
}
