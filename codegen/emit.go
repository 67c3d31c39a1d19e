package codegen

import (
	"bytes"

	"github.com/wippyai/componentize/wasm"
)

// fnBuilder assembles one function body: parameters, extra locals and a raw
// instruction stream. Indices handed out by local() follow the params.
type fnBuilder struct {
	params  []wasm.ValType
	results []wasm.ValType
	locals  []wasm.ValType
	code    bytes.Buffer
}

func newFn(params, results []wasm.ValType) *fnBuilder {
	return &fnBuilder{params: params, results: results}
}

// local allocates a fresh local of the given type.
func (f *fnBuilder) local(t wasm.ValType) uint32 {
	idx := uint32(len(f.params) + len(f.locals))
	f.locals = append(f.locals, t)
	return idx
}

func (f *fnBuilder) op(b byte) { f.code.WriteByte(b) }

func (f *fnBuilder) opU32(b byte, v uint32) {
	f.code.WriteByte(b)
	wasm.WriteU32(&f.code, v)
}

func (f *fnBuilder) localGet(i uint32)  { f.opU32(wasm.OpLocalGet, i) }
func (f *fnBuilder) localSet(i uint32)  { f.opU32(wasm.OpLocalSet, i) }
func (f *fnBuilder) localTee(i uint32)  { f.opU32(wasm.OpLocalTee, i) }
func (f *fnBuilder) call(fn uint32)     { f.opU32(wasm.OpCall, fn) }
func (f *fnBuilder) drop()              { f.op(wasm.OpDrop) }
func (f *fnBuilder) end()               { f.op(wasm.OpEnd) }
func (f *fnBuilder) ret()               { f.op(wasm.OpReturn) }
func (f *fnBuilder) unreachable()       { f.op(wasm.OpUnreachable) }

func (f *fnBuilder) i32Const(v int32) {
	f.code.WriteByte(wasm.OpI32Const)
	wasm.WriteS32(&f.code, v)
}

func (f *fnBuilder) i64Const(v int64) {
	f.code.WriteByte(wasm.OpI64Const)
	wasm.WriteS64(&f.code, v)
}

// Control flow. Void block types only; generated control flow keeps values
// in locals across joins.
func (f *fnBuilder) block() { f.op(wasm.OpBlock); f.code.WriteByte(0x40) }
func (f *fnBuilder) loop()  { f.op(wasm.OpLoop); f.code.WriteByte(0x40) }
func (f *fnBuilder) ifVoid() { f.op(wasm.OpIf); f.code.WriteByte(0x40) }
func (f *fnBuilder) elseBr() { f.op(wasm.OpElse) }
func (f *fnBuilder) br(depth uint32)   { f.opU32(wasm.OpBr, depth) }
func (f *fnBuilder) brIf(depth uint32) { f.opU32(wasm.OpBrIf, depth) }

// Memory access. Align is the exponent; offset is in bytes.
func (f *fnBuilder) mem(op byte, align, offset uint32) {
	f.code.WriteByte(op)
	wasm.WriteU32(&f.code, align)
	wasm.WriteU32(&f.code, offset)
}

func (f *fnBuilder) i32Load(offset uint32)   { f.mem(wasm.OpI32Load, 2, offset) }
func (f *fnBuilder) i64Load(offset uint32)   { f.mem(wasm.OpI64Load, 3, offset) }
func (f *fnBuilder) f32Load(offset uint32)   { f.mem(wasm.OpF32Load, 2, offset) }
func (f *fnBuilder) f64Load(offset uint32)   { f.mem(wasm.OpF64Load, 3, offset) }
func (f *fnBuilder) i32Load8U(offset uint32) { f.mem(wasm.OpI32Load8U, 0, offset) }
func (f *fnBuilder) i32Load8S(offset uint32) { f.mem(wasm.OpI32Load8S, 0, offset) }
func (f *fnBuilder) i32Load16U(offset uint32) { f.mem(wasm.OpI32Load16U, 1, offset) }
func (f *fnBuilder) i32Load16S(offset uint32) { f.mem(wasm.OpI32Load16S, 1, offset) }
func (f *fnBuilder) i32Store(offset uint32)  { f.mem(wasm.OpI32Store, 2, offset) }
func (f *fnBuilder) i64Store(offset uint32)  { f.mem(wasm.OpI64Store, 3, offset) }
func (f *fnBuilder) f32Store(offset uint32)  { f.mem(wasm.OpF32Store, 2, offset) }
func (f *fnBuilder) f64Store(offset uint32)  { f.mem(wasm.OpF64Store, 3, offset) }
func (f *fnBuilder) i32Store8(offset uint32) { f.mem(wasm.OpI32Store8, 0, offset) }
func (f *fnBuilder) i32Store16(offset uint32) { f.mem(wasm.OpI32Store16, 1, offset) }

func (f *fnBuilder) i32Add() { f.op(wasm.OpI32Add) }
func (f *fnBuilder) i32Mul() { f.op(wasm.OpI32Mul) }
func (f *fnBuilder) i32Eq()  { f.op(wasm.OpI32Eq) }
func (f *fnBuilder) i32Ne()  { f.op(wasm.OpI32Ne) }
func (f *fnBuilder) i32Eqz() { f.op(wasm.OpI32Eqz) }
func (f *fnBuilder) i32LtU() { f.op(wasm.OpI32LtU) }
func (f *fnBuilder) i32GeU() { f.op(wasm.OpI32GeU) }

func (f *fnBuilder) i32WrapI64()      { f.op(wasm.OpI32WrapI64) }
func (f *fnBuilder) i64ExtendI32U()   { f.op(wasm.OpI64ExtendI32U) }
func (f *fnBuilder) i64ExtendI32S()   { f.op(wasm.OpI64ExtendI32S) }
func (f *fnBuilder) f32ReinterpretI32() { f.op(wasm.OpF32ReinterpretI32) }
func (f *fnBuilder) f64ReinterpretI64() { f.op(wasm.OpF64ReinterpretI64) }
func (f *fnBuilder) i32ReinterpretF32() { f.op(wasm.OpI32ReinterpretF32) }
func (f *fnBuilder) i64ReinterpretF64() { f.op(wasm.OpI64ReinterpretF64) }

// finish closes the body and appends it to the module, returning the new
// function's index in the merged (imports-first) function index space.
func (f *fnBuilder) finish(m *wasm.Module) uint32 {
	f.end()

	var locals []wasm.LocalEntry
	for _, t := range f.locals {
		if n := len(locals); n > 0 && locals[n-1].ValType == t {
			locals[n-1].Count++
			continue
		}
		locals = append(locals, wasm.LocalEntry{Count: 1, ValType: t})
	}

	typeIdx := m.AddType(wasm.FuncType{Params: f.params, Results: f.results})
	idx := uint32(m.NumImportedFuncs() + len(m.Funcs))
	m.Funcs = append(m.Funcs, typeIdx)
	m.Code = append(m.Code, wasm.FuncBody{Locals: locals, Code: f.code.Bytes()})
	return idx
}
