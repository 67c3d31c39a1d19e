// Package bind derives the core-wasm calling convention for every world
// function: which flat value slots it takes and returns, when parameters
// spill to a memory area and when the result moves behind a pointer, and the
// stable symbol names that the code generator and the assembler agree on.
package bind
