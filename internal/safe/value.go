// Package safe provides checked conversions and bounded file reads.
package safe

import (
	"math"
)

// Uint64ToUint32 converts val to uint32, clamping to math.MaxUint32 if
// overflow would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint64ToUint32(val uint64) (uint32, bool) {
	if val > math.MaxUint32 {
		return math.MaxUint32, true
	}
	return uint32(val), false
}

// IntToUint32 converts val to uint32, clamping negative values to 0 and large
// values to math.MaxUint32.
// Returns the converted value and a boolean indicating whether clamping occurred.
func IntToUint32(val int) (uint32, bool) {
	if val < 0 {
		return 0, true
	}
	return Uint64ToUint32(uint64(val))
}
