package review

import (
	"strings"
	"unicode"
)

// botSuffix is the marker GitHub appends to app account logins.
const botSuffix = "[bot]"

// Normalize lowercases s, drops the "[bot]" marker and keeps only letters
// and digits, so "CodeRabbit-AI[bot]" and "coderabbitai" compare equal.
func Normalize(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), botSuffix, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// containsFold is a case-insensitive substring test. An empty needle or
// haystack is not a match.
func containsFold(haystack, needle string) bool {
	if haystack == "" || needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
