package utils

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var lowerCaser = cases.Lower(language.Und)

// NormalizeField trims and lower-cases a single-choice preference value so
// matching is case/whitespace insensitive ("Python " == "python").
func NormalizeField(v string) string {
	return lowerCaser.String(strings.TrimSpace(v))
}

// NormalizeSet normalizes every entry, drops empties and duplicates, and
// preserves first-seen order. Preference sets are stored in this canonical
// form so the matcher can compare raw equality.
func NormalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = NormalizeField(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

const (
	maxUserIDLength = 128
	maxFieldLength  = 64

	// MaxTTLMillis caps how long a request may wait, in milliseconds.
	MaxTTLMillis = 600_000
	// DefaultTTLMillis applies when the request leaves ttlMs unset.
	DefaultTTLMillis = 60_000
)

var allowedDifficulties = map[string]struct{}{
	"easy":   {},
	"medium": {},
	"hard":   {},
}

// ValidUserID rejects blank or oversized identifiers. The id itself is
// opaque; identity issuance lives in the auth service.
func ValidUserID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("userId is required")
	}
	if len(id) > maxUserIDLength {
		return fmt.Errorf("userId exceeds %d characters", maxUserIDLength)
	}
	return nil
}

// ValidDifficulty checks a normalized difficulty against the known tiers.
func ValidDifficulty(d string) error {
	if _, ok := allowedDifficulties[d]; !ok {
		return fmt.Errorf("unknown difficulty %q (want easy, medium or hard)", d)
	}
	return nil
}

// ValidField checks a normalized language/topic value.
func ValidField(name, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(v) > maxFieldLength {
		return fmt.Errorf("%s exceeds %d characters", name, maxFieldLength)
	}
	return nil
}

// ClampTTL resolves the requested wait window: default when unset, error
// when negative or above the cap.
func ClampTTL(ttlMs int64) (int64, error) {
	if ttlMs == 0 {
		return DefaultTTLMillis, nil
	}
	if ttlMs < 0 {
		return 0, fmt.Errorf("ttlMs must be positive")
	}
	if ttlMs > MaxTTLMillis {
		return 0, fmt.Errorf("ttlMs exceeds maximum of %d", MaxTTLMillis)
	}
	return ttlMs, nil
}
