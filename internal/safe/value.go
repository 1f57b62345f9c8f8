package safe

import (
	"math"
)

// Uint64ToInt64 safely converts an uint64 value to int64, clamping to
// math.MaxInt64 if overflow would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// MicrosToNanos scales a microsecond quantity to nanoseconds, clamping at the
// int64 range instead of wrapping on overflow.
func MicrosToNanos(micros int64) int64 {
	if micros > math.MaxInt64/1000 {
		return math.MaxInt64
	}
	if micros < math.MinInt64/1000 {
		return math.MinInt64
	}
	return micros * 1000
}
