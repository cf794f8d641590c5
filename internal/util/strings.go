package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen,
// otherwise the first maxLen characters. Used when logging credentials,
// where only a short prefix may appear in log output.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// SplitScope splits a space-separated OAuth scope string into its values,
// dropping empty entries caused by repeated spaces.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}
