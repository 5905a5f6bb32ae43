// Package safeconv provides checked integer conversions for sizes and counts.
package safeconv

// MustIntToUint64 converts a non-negative int such as a byte length to uint64.
// Use only when a negative value is logically impossible.
func MustIntToUint64(v int) uint64 {
	if v < 0 {
		panic("safeconv: negative int to uint64 conversion")
	}

	return uint64(v)
}

// NonNegative converts a count to int64, clamping negative values to zero.
// Counters reject negative increments, so callers feed counts through this.
func NonNegative(v int) int64 {
	if v < 0 {
		return 0
	}

	return int64(v)
}
