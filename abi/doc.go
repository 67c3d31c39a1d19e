// Package abi maps structural WIT types onto the canonical ABI: linear-memory
// layout (size, alignment, field offsets, discriminant widths) and the flat
// core-wasm value representation used when a type crosses a function boundary
// unboxed.
//
// The entry point is Mapper, which produces one Descriptor per distinct
// structural type. Descriptors are memoized by structural fingerprint, so two
// types with identical shape share a single pointer-identical Descriptor no
// matter where or in which order they were declared.
//
// All numeric tables that could change between ABI revisions live in Policy;
// nothing in this package hardcodes a flattening limit or discriminant width
// at a use site.
package abi
