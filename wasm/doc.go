// Package wasm models core WebAssembly modules at the binary level.
//
// It provides just enough of the core format for the assembler: a Module
// structure mirroring the section layout, LEB128 primitives, a binary
// encoder/decoder pair, and an instruction-stream remapper used when two
// modules are merged into one index space.
//
// The model intentionally covers the MVP feature set plus bulk memory,
// sign extension, saturating truncation and SIMD skipping. Anything outside
// that surfaces as a decode error rather than silent corruption.
package wasm
