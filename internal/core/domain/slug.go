package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// =============================================================================
// Safe Identifier Generation
// =============================================================================

const (
	MinSafeIDLength = 3
	safeIDSuffixLen = 6
	maxSafeIDTries  = 16
)

// Sanitize converts a project name to the filesystem-safe alphabet.
//
// The transformation rules are:
//   - ASCII letters are lowercased, digits are kept
//   - Every other run of characters becomes a single underscore
//   - Leading and trailing underscores are stripped
//
// Example:
//
//	Sanitize("My Blog 2.0!")  // returns "my_blog_2_0"
//	Sanitize("__shop__")      // returns "shop"
func Sanitize(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// SafeIdentifier derives the identifier for a project name. taken reports
// whether a candidate is unavailable; nil means nothing is taken. Short names
// and collisions get a random hex suffix. ErrSafeIDExhausted is returned when
// every suffixed candidate is taken as well.
func SafeIdentifier(name string, taken func(string) bool) (string, error) {
	if taken == nil {
		taken = func(string) bool { return false }
	}

	base := Sanitize(name)
	if len(base) >= MinSafeIDLength && !taken(base) {
		return base, nil
	}
	if base == "" {
		base = "project"
	}

	for i := 0; i < maxSafeIDTries; i++ {
		candidate := base + "_" + randomSuffix()
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSafeIDExhausted, base)
}

func randomSuffix() string {
	buf := make([]byte, safeIDSuffixLen/2)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// IsSafeIdentifier reports whether s satisfies the identifier alphabet and length.
func IsSafeIdentifier(s string) bool {
	if len(s) < MinSafeIDLength {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
