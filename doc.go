// Package componentize turns an application written for a dynamically-typed
// embedded interpreter into a single self-contained WebAssembly component
// that satisfies a statically declared world.
//
// # Architecture Overview
//
// The pipeline runs entirely at build time; the produced artifact needs no
// support from this library to execute:
//
//	componentize/        Root package with library-wide logging configuration
//	├── world/           Resolved world model (interfaces, functions, resources)
//	├── abi/             Canonical ABI layout and flattening descriptors
//	├── bind/            Core calling conventions and stable symbol names
//	├── codegen/         Generated lift/lower/trampoline core functions
//	├── assemble/        Module merging and component binary emission
//	├── bridge/          Host-side interpreter intrinsics and handle tables
//	├── wasm/            Core WASM binary model: encode/decode/LEB128
//	├── errors/          Structured build and runtime error types
//	└── cmd/componentize Build CLI with interactive world inspector
//
// # Build Flow
//
// A resolved world (the structural type graph plus named interfaces) comes in
// from an external resolver. The abi package computes one canonical layout
// descriptor per distinct structural type; bind derives the core signature of
// every imported and exported function; codegen emits a bindings module whose
// trampolines move values between the canonical ABI and interpreter value
// handles; assemble merges that module with the frozen interpreter, attaches
// the program, and wraps the result in a validated component binary.
//
// # Runtime Bridge
//
// The bridge package hosts the interpreter intrinsics under wazero. It is
// used twice: during assembly to validate the merged module, and by tests or
// embedders that want to run the produced artifact in-process.
//
// # Thread Safety
//
// Mapper, Binder and Assembler are safe for concurrent use. A bridge.Instance
// is NOT thread-safe; component-model instances are single-threaded and the
// instance enforces non-reentrant entry.
package componentize
