package abi

import (
	"math"
	"testing"
)

func TestAlignTo(t *testing.T) {
	tests := []struct {
		offset, align, want uint32
	}{
		{0, 1, 0},
		{1, 1, 1},
		{1, 2, 2},
		{3, 4, 4},
		{4, 4, 4},
		{5, 8, 8},
		{9, 4, 12},
		{7, 0, 7},
	}
	for _, tt := range tests {
		if got := AlignTo(tt.offset, tt.align); got != tt.want {
			t.Errorf("AlignTo(%d, %d) = %d, want %d", tt.offset, tt.align, got, tt.want)
		}
	}
}

func TestCanonicalizeNaN(t *testing.T) {
	if got := CanonicalizeF32(math.Float32bits(float32(math.NaN()))); got != CanonicalNaN32 {
		t.Errorf("f32 NaN = %#x", got)
	}
	one := math.Float32bits(1.0)
	if got := CanonicalizeF32(one); got != one {
		t.Errorf("f32 1.0 changed: %#x", got)
	}

	if got := CanonicalizeF64(math.Float64bits(math.NaN())); got != CanonicalNaN64 {
		t.Errorf("f64 NaN = %#x", got)
	}
	negInf := math.Float64bits(math.Inf(-1))
	if got := CanonicalizeF64(negInf); got != negInf {
		t.Errorf("f64 -inf changed: %#x", got)
	}
}

func TestValidChar(t *testing.T) {
	tests := []struct {
		r    rune
		want bool
	}{
		{'a', true},
		{0, true},
		{0xD7FF, true},
		{0xD800, false},
		{0xDFFF, false},
		{0xE000, true},
		{0x10FFFF, true},
		{0x110000, false},
		{-1, false},
	}
	for _, tt := range tests {
		if got := ValidChar(tt.r); got != tt.want {
			t.Errorf("ValidChar(%#x) = %v, want %v", tt.r, got, tt.want)
		}
	}
}

func TestSafeMath(t *testing.T) {
	if v, ok := safeAddU32(1, 2); !ok || v != 3 {
		t.Errorf("add = %d, %v", v, ok)
	}
	if _, ok := safeAddU32(math.MaxUint32, 1); ok {
		t.Error("add overflow not detected")
	}
	if v, ok := safeMulU32(6, 7); !ok || v != 42 {
		t.Errorf("mul = %d, %v", v, ok)
	}
	if _, ok := safeMulU32(1<<20, 1<<20); ok {
		t.Error("mul overflow not detected")
	}
	if v, ok := safeMulU32(0, math.MaxUint32); !ok || v != 0 {
		t.Errorf("mul by zero = %d, %v", v, ok)
	}
}

func TestPolicyDiscriminantSize(t *testing.T) {
	tests := []struct {
		cases int
		want  uint32
	}{
		{1, 1},
		{2, 1},
		{256, 1},
		{257, 2},
		{65536, 2},
		{65537, 4},
	}
	for _, tt := range tests {
		if got := PolicyV1.DiscriminantSize(tt.cases); got != tt.want {
			t.Errorf("DiscriminantSize(%d) = %d, want %d", tt.cases, got, tt.want)
		}
	}
}

func TestPolicyFor(t *testing.T) {
	p, err := PolicyFor("v1")
	if err != nil || p.Version != "v1" {
		t.Errorf("PolicyFor(v1) = %+v, %v", p, err)
	}
	if p.MaxFlatParams != 16 || p.MaxFlatResults != 1 {
		t.Errorf("flat limits = %d/%d", p.MaxFlatParams, p.MaxFlatResults)
	}
	if _, err := PolicyFor("v99"); err == nil {
		t.Error("unknown policy version should error")
	}
}
