// Package codegen emits the bindings core module for a world: one export
// trampoline per exported function, one import trampoline per imported
// function behind a guest-callable dispatcher, and shared lift/lower routines
// generated once per distinct structural type.
//
// The generated module imports the interpreter intrinsics from the "interp"
// module (see Intrinsics) plus the interpreter's memory and cabi_realloc.
// The assembler later merges it with the frozen interpreter so every
// intrinsic call becomes a direct call or a host-bridge call.
//
// Value traffic between generated code and the interpreter uses opaque i32
// value handles; linear memory is only touched for canonical-ABI layout
// (strings, lists, spilled parameters, return areas).
package codegen
