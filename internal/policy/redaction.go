package policy

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	userinfoPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://[^:/@\s]+):[^@/\s]+@`)
	bearerPattern   = regexp.MustCompile(`(?i)\b(bearer)\s+[a-zA-Z0-9._~+/=\-]{8,}`)
	paramPattern    = regexp.MustCompile(`(?i)\b(password|passwd|token|api[_-]?key|secret|access[_-]?key)=([^&\s"']+)`)
	hfTokenPattern  = regexp.MustCompile(`\bhf_[a-zA-Z0-9]{16,}\b`)
)

// RedactSecrets masks credentials that can leak through connection
// strings, worker URLs and collaborator error messages.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := userinfoPattern.ReplaceAllString(out, "$1:[REDACTED]@")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "$1 [REDACTED]")
	changed = changed || next != out
	out = next

	next = paramPattern.ReplaceAllString(out, "$1=[REDACTED]")
	changed = changed || next != out
	out = next

	next = hfTokenPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactSecrets without the change flag.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	return out
}

// RedactURL returns raw with any password replaced. Unparseable input is
// passed through the pattern redactor instead.
func RedactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return Redact(raw)
	}
	return u.Redacted()
}
