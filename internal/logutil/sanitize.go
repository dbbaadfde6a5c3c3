// Package logutil guards log output against injection from user-provided
// strings (hostnames, usernames, remote paths).
package logutil

import "strings"

// maxLogField bounds a single sanitized field so a hostile value cannot
// flood the log.
const maxLogField = 256

// SanitizeForLog removes newlines and control characters from a
// user-provided string so it cannot forge log entries, and truncates
// oversized values.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 32:
			// drop other control characters
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxLogField {
		out = out[:maxLogField] + "…"
	}
	return out
}
