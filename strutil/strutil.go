// Package strutil implements small string helpers shared across Herald's
// request-parsing and CORS-matching code.
package strutil

import (
	"encoding/json"
	"regexp"
	"strings"
)

// JSON is a helper function for creating JSON-encoded strings.
func JSON(v interface{}) string {
	bytes, _ := json.Marshal(v)
	return string(bytes)
}

// CapitalizeFirstRune converts first rune to uppercase, and converts rest of
// the string to lower case.
func CapitalizeFirstRune(str string) string {
	if str == "" {
		return str
	}
	runes := []rune(str)
	first, rest := runes[0], runes[1:]
	return strings.ToUpper(string(first)) + strings.ToLower(string(rest))
}

// WildCardToRegexp converts a wildcarded expression (as used by CORS origin
// allow-lists, e.g. "*.example.com") to an equivalent regular expression.
func WildCardToRegexp(pattern string) string {
	patternRegex := regexp.QuoteMeta(pattern)
	patternRegex = strings.Replace(patternRegex, "\\?", ".", -1)
	return strings.Replace(patternRegex, "\\*", ".*", -1)
}

// MatchFromStartToEnd enforces that the regex will match the full string.
func MatchFromStartToEnd(pattern string) string {
	return "^" + pattern + "$"
}
