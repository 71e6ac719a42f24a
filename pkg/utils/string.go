package utils

import (
	"strings"
	"unicode/utf8"
)

// TruncateString cuts s to at most maxLen bytes for log previews, marking
// the cut with "..." when there is room. It never splits a UTF-8 sequence.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	marker := "..."
	if maxLen <= len(marker) {
		marker = ""
	}
	cut := maxLen - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

// MaskSensitive keeps the first visibleChars characters of s.
func MaskSensitive(s string, visibleChars int) string {
	if len(s) <= visibleChars {
		return strings.Repeat("*", len(s))
	}
	return s[:visibleChars] + strings.Repeat("*", len(s)-visibleChars)
}
