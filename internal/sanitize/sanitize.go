// Package sanitize redacts credentials from strings before they reach
// error columns, log lines, or HTTP responses.
package sanitize

import "regexp"

const redacted = "[REDACTED]"

var (
	// SendGrid keys: SG.xxxxxxxx.xxxxxxxx
	sendgridKey = regexp.MustCompile(`SG\.[A-Za-z0-9_.-]{20,}`)
	// Authorization header values
	bearerToken = regexp.MustCompile(`(?i)Bearer +\S+`)
	// Any long opaque token (API keys, session keys)
	opaqueToken = regexp.MustCompile(`[A-Za-z0-9_+/=-]{32,}`)
)

// String returns s with anything that looks like a credential replaced.
// Applied to every provider error, bus failure, and config message the
// pipeline records; raw provider response bodies must not be passed in
// at all.
func String(s string) string {
	if s == "" {
		return s
	}
	s = sendgridKey.ReplaceAllString(s, redacted)
	s = bearerToken.ReplaceAllString(s, redacted)
	s = opaqueToken.ReplaceAllString(s, redacted)
	return s
}

// Error is a convenience for sanitizing error messages; nil-safe.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
