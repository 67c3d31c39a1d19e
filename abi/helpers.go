package abi

import "math"

// AlignTo rounds offset up to the next multiple of align. Align must be a
// power of two; zero leaves the offset unchanged.
func AlignTo(offset, align uint32) uint32 {
	if align == 0 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

func safeAddU32(a, b uint32) (uint32, bool) {
	if a > math.MaxUint32-b {
		return 0, false
	}
	return a + b, true
}

func safeMulU32(a, b uint32) (uint32, bool) {
	if b != 0 && a > math.MaxUint32/b {
		return 0, false
	}
	return a * b, true
}

// Canonical NaN bit patterns written whenever a NaN crosses the boundary.
const (
	CanonicalNaN32 = 0x7fc00000
	CanonicalNaN64 = 0x7ff8000000000000
)

// CanonicalizeF32 replaces any NaN with the canonical NaN pattern.
func CanonicalizeF32(bits uint32) uint32 {
	f := math.Float32frombits(bits)
	if f != f {
		return CanonicalNaN32
	}
	return bits
}

// CanonicalizeF64 replaces any NaN with the canonical NaN pattern.
func CanonicalizeF64(bits uint64) uint64 {
	f := math.Float64frombits(bits)
	if f != f {
		return CanonicalNaN64
	}
	return bits
}

// ValidChar reports whether r is a Unicode scalar value: surrogates and
// values past 0x10FFFF are rejected.
func ValidChar(r rune) bool {
	if r >= 0xD800 && r <= 0xDFFF {
		return false
	}
	return r >= 0 && r < 0x110000
}
