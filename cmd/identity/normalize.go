package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeIdentifier canonicalizes a sign-in identifier.
// Portal identifiers are email addresses.
func NormalizeIdentifier(s string) string {
	return NormalizeEmail(s)
}
