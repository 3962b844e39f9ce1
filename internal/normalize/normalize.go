package normalize

import "strings"

// Canonicalization of oracle-proposed field values against the closed
// enumerations the incident record accepts. Pure functions, no side effects.

// Priority lower-cases and validates the raw value. An out-of-enum value
// falls back to medium rather than being dropped: losing an ambiguous
// urgency signal entirely is worse than degrading it to mid urgency, and
// priority must always hold a legal value. The second return reports
// whether the raw value matched the enum.
func Priority(raw string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "low", "medium", "high", "critical":
		return v, true
	}
	return "medium", false
}

// WeaponsPresent lower-cases and validates the raw value. Invalid values
// are rejected outright — there is no safe default for a weapons signal.
func WeaponsPresent(raw string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "yes", "no", "unknown":
		return v, true
	}
	return "", false
}

// ImpactCategory lower-cases then title-cases the raw value and validates
// it against None/Low/Medium/High. Invalid values are rejected.
func ImpactCategory(raw string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return "", false
	}
	v = strings.ToUpper(v[:1]) + v[1:]
	switch v {
	case "None", "Low", "Medium", "High":
		return v, true
	}
	return "", false
}
