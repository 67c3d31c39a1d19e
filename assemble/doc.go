// Package assemble produces the final artifact: it merges the generated
// bindings module with the frozen interpreter module into one core module
// with a single shared memory, attaches the program and its manifest, wraps
// the result in a component and validates it.
package assemble
