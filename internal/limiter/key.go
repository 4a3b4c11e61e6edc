package limiter

import "strings"

// Allowed caller key prefixes. Everything else is rejected at the API
// surface before it can reach the evaluator.
var keyPrefixes = []string{"wallet:", "ip:", "combined:", "apikey:"}

// ValidKey reports whether a caller key carries an allowed prefix and a
// non-empty identity part.
func ValidKey(key string) bool {
	for _, prefix := range keyPrefixes {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return true
		}
	}
	return false
}
