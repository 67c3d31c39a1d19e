package codegen

import (
	"github.com/wippyai/componentize/wasm"
)

// InterpModule is the import module name every intrinsic lives under.
const InterpModule = "interp"

// Intrinsic names. The bridge registers a host function for each; after
// merging, calls resolve either against interpreter exports or against the
// host module.
const (
	IntrDispatch       = "dispatch"        // (fn, args-list) -> value | 0
	IntrErrorCheck     = "error-check"     // () -> 1 if an exception is pending
	IntrErrorTake      = "error-take"      // () -> exception payload value, clears it
	IntrNewBool        = "value-new-bool"  // (i32) -> value
	IntrNewS32         = "value-new-s32"   // (i32) -> value, covers u8..u32
	IntrNewS64         = "value-new-s64"   // (i64) -> value
	IntrNewF32         = "value-new-f32"   // (f32) -> value
	IntrNewF64         = "value-new-f64"   // (f64) -> value
	IntrNewChar        = "value-new-char"  // (i32) -> value, traps on non-USV
	IntrNewString      = "value-new-string" // (ptr, len) -> value, traps on bad UTF-8
	IntrNewList        = "value-new-list"  // (cap) -> list value
	IntrListAppend     = "list-append"     // (list, value)
	IntrNewRecord      = "value-new-record" // (nfields) -> record value
	IntrRecordPush     = "record-push"     // (record, value), positional
	IntrNewVariant     = "value-new-variant" // (disc, payload | 0) -> value
	IntrNewFlags       = "value-new-flags" // (i64 bits) -> value
	IntrGetBool        = "value-bool"      // (value) -> i32
	IntrGetS32         = "value-s32"       // (value) -> i32
	IntrGetS64         = "value-s64"       // (value) -> i64
	IntrGetF32         = "value-f32"       // (value) -> f32
	IntrGetF64         = "value-f64"       // (value) -> f64
	IntrGetChar        = "value-char"      // (value) -> i32
	IntrStringLen      = "string-len"      // (value) -> UTF-8 byte length
	IntrStringWrite    = "string-write"    // (value, ptr) copies bytes to memory
	IntrListLen        = "list-len"        // (value) -> i32
	IntrListGet        = "list-get"        // (value, idx) -> element value
	IntrRecordGet      = "record-get"      // (value, idx) -> field value
	IntrVariantDisc    = "variant-disc"    // (value) -> i32
	IntrVariantPayload = "variant-payload" // (value) -> payload value | 0
	IntrFlagsBits      = "flags-bits"      // (value) -> i64
	IntrLiftOwn        = "resource-lift-own"    // (handle, ridx) -> value
	IntrLiftBorrow     = "resource-lift-borrow" // (handle, ridx) -> value
	IntrLowerOwn       = "resource-lower-own"   // (value) -> handle
	IntrLowerBorrow    = "resource-lower-borrow" // (value) -> handle
	IntrChannelLift    = "channel-lift"    // (handle, kind) -> value
	IntrChannelLower   = "channel-lower"   // (value) -> handle
	IntrResourceDtor   = "resource-dtor"   // (ridx, rep)
	IntrRealloc        = "cabi_realloc"    // (old, oldsz, align, newsz) -> ptr
	IntrMemory         = "memory"
)

// Intrinsic is one entry of the interp import contract.
type Intrinsic struct {
	Name string
	Type wasm.FuncType
}

var i32 = wasm.ValI32
var i64 = wasm.ValI64
var f32 = wasm.ValF32
var f64 = wasm.ValF64

func sig(params []wasm.ValType, results []wasm.ValType) wasm.FuncType {
	return wasm.FuncType{Params: params, Results: results}
}

// Intrinsics returns the interp function imports in their fixed order. The
// bridge and the generator must agree on this list exactly; the assembler
// reports MissingIntrinsicsError when the interpreter side cannot satisfy
// an entry.
func Intrinsics() []Intrinsic {
	return []Intrinsic{
		{IntrDispatch, sig([]wasm.ValType{i32, i32}, []wasm.ValType{i32})},
		{IntrErrorCheck, sig(nil, []wasm.ValType{i32})},
		{IntrErrorTake, sig(nil, []wasm.ValType{i32})},
		{IntrNewBool, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrNewS32, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrNewS64, sig([]wasm.ValType{i64}, []wasm.ValType{i32})},
		{IntrNewF32, sig([]wasm.ValType{f32}, []wasm.ValType{i32})},
		{IntrNewF64, sig([]wasm.ValType{f64}, []wasm.ValType{i32})},
		{IntrNewChar, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrNewString, sig([]wasm.ValType{i32, i32}, []wasm.ValType{i32})},
		{IntrNewList, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrListAppend, sig([]wasm.ValType{i32, i32}, nil)},
		{IntrNewRecord, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrRecordPush, sig([]wasm.ValType{i32, i32}, nil)},
		{IntrNewVariant, sig([]wasm.ValType{i32, i32}, []wasm.ValType{i32})},
		{IntrNewFlags, sig([]wasm.ValType{i64}, []wasm.ValType{i32})},
		{IntrGetBool, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrGetS32, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrGetS64, sig([]wasm.ValType{i32}, []wasm.ValType{i64})},
		{IntrGetF32, sig([]wasm.ValType{i32}, []wasm.ValType{f32})},
		{IntrGetF64, sig([]wasm.ValType{i32}, []wasm.ValType{f64})},
		{IntrGetChar, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrStringLen, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrStringWrite, sig([]wasm.ValType{i32, i32}, nil)},
		{IntrListLen, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrListGet, sig([]wasm.ValType{i32, i32}, []wasm.ValType{i32})},
		{IntrRecordGet, sig([]wasm.ValType{i32, i32}, []wasm.ValType{i32})},
		{IntrVariantDisc, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrVariantPayload, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrFlagsBits, sig([]wasm.ValType{i32}, []wasm.ValType{i64})},
		{IntrLiftOwn, sig([]wasm.ValType{i32, i32}, []wasm.ValType{i32})},
		{IntrLiftBorrow, sig([]wasm.ValType{i32, i32}, []wasm.ValType{i32})},
		{IntrLowerOwn, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrLowerBorrow, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrChannelLift, sig([]wasm.ValType{i32, i32}, []wasm.ValType{i32})},
		{IntrChannelLower, sig([]wasm.ValType{i32}, []wasm.ValType{i32})},
		{IntrResourceDtor, sig([]wasm.ValType{i32, i32}, nil)},
		{IntrRealloc, sig([]wasm.ValType{i32, i32, i32, i32}, []wasm.ValType{i32})},
	}
}
