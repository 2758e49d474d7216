package redact

import (
	"strings"
	"unicode/utf8"
)

// String keeps the first and last quarter of s and masks the rest. Strings
// too short to keep anything meaningful are masked entirely.
func String(s string) string {
	l := utf8.RuneCountInString(s)
	if l == 0 {
		return ""
	}

	if l < 8 {
		return strings.Repeat("*", l)
	}

	runes := []rune(s)
	keep := l / 4

	return string(runes[:keep]) + strings.Repeat("*", l-2*keep) + string(runes[l-keep:])
}
