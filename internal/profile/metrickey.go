package profile

import (
	"strings"
	"unicode"
)

// MetricKey derives the record attribute name for a sample value from its
// declared type and unit. Normalization is deterministic: the pair is
// lowercased and joined with an underscore, whitespace collapses to
// underscores, letters and digits pass through, and remaining punctuation is
// dropped.
func MetricKey(typ, unit string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			return r
		default:
			return -1
		}
	}, strings.ToLower(typ+"_"+unit))
}

// PeriodKey derives the sampling-period attribute name for a sample value
// type, prefixing the type with "sample_period_" before normalization.
func PeriodKey(typ, unit string) string {
	return MetricKey("sample_period_"+typ, unit)
}
