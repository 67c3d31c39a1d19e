// Package bridge is the host side of a produced artifact. It registers the
// interpreter intrinsics the bindings module imports, keeps the resource
// handle table and stream channels, and runs instances under wazero with a
// single-flight call guard.
//
// The intrinsic contract lives in codegen.Intrinsics(); the bridge mirrors
// it entry for entry. Because wazero host modules cannot export a memory,
// the intrinsics are instantiated as a host module named "interp$host" plus
// a small synthesized core module named "interp" that defines the shared
// memory and forwards each intrinsic.
package bridge
