package abi

import (
	"github.com/wippyai/componentize/errors"
)

// Policy is a versioned set of canonical-ABI tables. Layout and flattening
// decisions consult the policy rather than constants so an ABI revision is a
// new Policy value, not a code edit.
type Policy struct {
	Version string

	// MaxFlatParams is the largest number of core value slots a function's
	// parameters may occupy before they collapse to a single pointer.
	MaxFlatParams int

	// MaxFlatResults is the largest number of core value slots a result may
	// occupy before it moves to a return area in linear memory.
	MaxFlatResults int

	// Ceilings enforced when lifting from guest memory.
	MaxStringSize uint32
	MaxListLength uint32
	MaxAlloc      uint32
}

// PolicyV1 matches the current canonical ABI.
var PolicyV1 = Policy{
	Version:        "v1",
	MaxFlatParams:  16,
	MaxFlatResults: 1,
	MaxStringSize:  1 << 30,
	MaxListLength:  1 << 27,
	MaxAlloc:       1 << 30,
}

// PolicyFor resolves a policy by version name.
func PolicyFor(version string) (Policy, error) {
	switch version {
	case "", "v1":
		return PolicyV1, nil
	default:
		return Policy{}, errors.NotFound(errors.PhaseMap, "abi policy", version)
	}
}

// DiscriminantSize returns the byte width of a variant or enum discriminant:
// 1 for up to 256 cases, 2 for up to 65536, 4 beyond.
func (p Policy) DiscriminantSize(numCases int) uint32 {
	switch {
	case numCases <= 1<<8:
		return 1
	case numCases <= 1<<16:
		return 2
	default:
		return 4
	}
}
