package assemble

import (
	"bytes"
	"io"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/bind"
	"github.com/wippyai/componentize/codegen"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/wasm"
	"github.com/wippyai/componentize/world"
)

// Component binary preamble: core magic, component version and layer.
var componentMagic = []byte{0x00, 0x61, 0x73, 0x6d, 0x0d, 0x00, 0x01, 0x00}

// Component section ids.
const (
	secCustom       = 0
	secCoreModule   = 1
	secCoreInstance = 2
	secAlias        = 6
	secType         = 7
	secCanon        = 8
	secImport       = 10
	secExport       = 11
)

// Component-model value type opcodes.
const (
	vtBool   = 0x7f
	vtS8     = 0x7e
	vtU8     = 0x7d
	vtS16    = 0x7c
	vtU16    = 0x7b
	vtS32    = 0x7a
	vtU32    = 0x79
	vtS64    = 0x78
	vtU64    = 0x77
	vtF32    = 0x76
	vtF64    = 0x75
	vtChar   = 0x74
	vtString = 0x73
	vtRecord = 0x72
	vtVariant = 0x71
	vtList   = 0x70
	vtTuple  = 0x6f
	vtFlags  = 0x6e
	vtEnum   = 0x6d
	vtOption = 0x6b
	vtResult = 0x6a
	vtOwn    = 0x69
	vtBorrow = 0x68

	tyFunc     = 0x40
	tyResource = 0x3f

	// Resource representations are core value types; only i32 exists.
	repI32 = 0x7f
)

// Canonical function forms and options.
const (
	canonLift         = 0x00
	canonLower        = 0x01
	canonResourceNew  = 0x02
	canonResourceDrop = 0x03
	canonResourceRep  = 0x04

	optUTF8       = 0x00
	optMemory     = 0x03
	optRealloc    = 0x04
	optPostReturn = 0x05
)

// IsComponent reports whether data carries the component-layer preamble.
func IsComponent(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:8], componentMagic)
}

// CoreModule extracts the merged core module from a component binary.
func CoreModule(data []byte) ([]byte, error) {
	if !IsComponent(data) {
		return nil, errors.Assembly("not a component binary", nil)
	}
	r := bytes.NewReader(data[8:])
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, errors.Assembly("truncated component section", err)
		}
		size, err := wasm.ReadU32(r)
		if err != nil {
			return nil, errors.Assembly("truncated component section size", err)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errors.Assembly("truncated component section body", err)
		}
		if id == secCoreModule {
			return body, nil
		}
	}
	return nil, errors.Assembly("component has no core module section", nil)
}

// componentEncoder builds the wrapper around the merged core module. The
// type section mirrors the world's ABI: every exported function gets a
// component functype over defvaltypes encoded with the canonical opcodes.
type componentEncoder struct {
	w   *world.World
	gen *codegen.Result

	types     bytes.Buffer // type section payload (entries only)
	typeCount uint32
	memo      map[string]uint32 // structural fingerprint -> type index
	resources map[string]uint32 // resource name -> type index
}

func encodeComponent(w *world.World, gen *codegen.Result, core []byte) ([]byte, error) {
	e := &componentEncoder{
		w:         w,
		gen:       gen,
		memo:      make(map[string]uint32),
		resources: make(map[string]uint32),
	}

	// Core function indices established by the alias section, in order:
	// one per export trampoline, then realloc and each post-return.
	aliases := &bytes.Buffer{}
	aliasCount := uint32(0)
	coreFunc := make(map[string]uint32)
	addAlias := func(name string) {
		aliases.WriteByte(0x00) // sort: core
		aliases.WriteByte(0x00) // core sort: func
		aliases.WriteByte(0x01) // target: core instance export
		wasm.WriteU32(aliases, 0)
		writeName(aliases, name)
		coreFunc[name] = aliasCount
		aliasCount++
	}
	for _, exp := range e.gen.Exports {
		addAlias(exp.Binding.CoreName)
	}
	addAlias(codegen.ReallocExport)
	for _, exp := range e.gen.Exports {
		if exp.Binding.ResultIndirect {
			addAlias(bind.PostReturnName(exp.Binding.CoreName))
		}
	}
	for _, res := range e.gen.Resources {
		addAlias(bind.DtorName(res.Iface, res.Name))
	}

	// Resource types come first so own/borrow references resolve.
	for _, res := range e.gen.Resources {
		e.types.WriteByte(tyResource)
		e.types.WriteByte(repI32)
		e.types.WriteByte(0x00) // no dtor at the component level
		e.resources[res.Name] = e.typeCount
		e.typeCount++
	}

	// Function types, imports first to match the world's order.
	importFnType := make([]uint32, 0, len(e.gen.Imports))
	for _, imp := range e.gen.Imports {
		fn, err := e.worldFunc(w.Import(imp.Binding.Iface), imp.Binding)
		if err != nil {
			return nil, err
		}
		ti, err := e.funcType(fn)
		if err != nil {
			return nil, err
		}
		importFnType = append(importFnType, ti)
	}
	exportFnType := make([]uint32, 0, len(e.gen.Exports))
	for _, exp := range e.gen.Exports {
		fn, err := e.worldFunc(w.Export(exp.Binding.Iface), exp.Binding)
		if err != nil {
			return nil, err
		}
		ti, err := e.funcType(fn)
		if err != nil {
			return nil, err
		}
		exportFnType = append(exportFnType, ti)
	}

	// Canon section: one lift per export with the shared memory, realloc
	// and (when present) post-return options; one resource.drop per
	// declared resource.
	canon := &bytes.Buffer{}
	canonCount := uint32(0)
	for i, exp := range e.gen.Exports {
		canon.WriteByte(canonLift)
		canon.WriteByte(0x00)
		wasm.WriteU32(canon, coreFunc[exp.Binding.CoreName])

		opts := &bytes.Buffer{}
		nopts := uint32(2)
		opts.WriteByte(optUTF8)
		opts.WriteByte(optMemory)
		wasm.WriteU32(opts, 0)
		opts.WriteByte(optRealloc)
		wasm.WriteU32(opts, coreFunc[codegen.ReallocExport])
		nopts++
		if exp.Binding.ResultIndirect {
			opts.WriteByte(optPostReturn)
			wasm.WriteU32(opts, coreFunc[bind.PostReturnName(exp.Binding.CoreName)])
			nopts++
		}
		wasm.WriteU32(canon, nopts)
		canon.Write(opts.Bytes())
		wasm.WriteU32(canon, exportFnType[i])
		canonCount++
	}
	for _, res := range e.gen.Resources {
		canon.WriteByte(canonResourceDrop)
		wasm.WriteU32(canon, e.resources[res.Name])
		canonCount++
	}

	// Imports: the world's imported functions by component name.
	imports := &bytes.Buffer{}
	importCount := uint32(0)
	for i, imp := range e.gen.Imports {
		imports.WriteByte(0x00) // name kind: plain importname
		writeName(imports, imp.Binding.CoreName)
		imports.WriteByte(0x01) // externdesc: func
		wasm.WriteU32(imports, importFnType[i])
		importCount++
	}

	// Exports: the lifted component functions, canon order.
	exports := &bytes.Buffer{}
	exportCount := uint32(0)
	for i, exp := range e.gen.Exports {
		exports.WriteByte(0x00) // name kind: plain exportname
		writeName(exports, exp.Binding.CoreName)
		exports.WriteByte(0x01) // sort: func
		wasm.WriteU32(exports, uint32(i))
		exportCount++
	}

	var out bytes.Buffer
	out.Write(componentMagic)

	writeSectionRaw(&out, secCoreModule, core)

	// One core instance: instantiate module 0. Its imports are satisfied
	// by the embedding host at run time.
	inst := &bytes.Buffer{}
	wasm.WriteU32(inst, 1)
	inst.WriteByte(0x00)
	wasm.WriteU32(inst, 0)
	wasm.WriteU32(inst, 0)
	writeSectionRaw(&out, secCoreInstance, inst.Bytes())

	writeVecSection(&out, secAlias, aliasCount, aliases.Bytes())
	writeVecSection(&out, secType, e.typeCount, e.types.Bytes())
	writeVecSection(&out, secCanon, canonCount, canon.Bytes())
	if importCount > 0 {
		writeVecSection(&out, secImport, importCount, imports.Bytes())
	}
	writeVecSection(&out, secExport, exportCount, exports.Bytes())

	return out.Bytes(), nil
}

// worldFunc resolves the world function a binding was derived from.
func (e *componentEncoder) worldFunc(iface *world.Interface, b *bind.Binding) (*world.Function, error) {
	if iface == nil {
		return nil, errors.Assembly("world has no interface "+b.Iface, nil)
	}
	fn := iface.Function(b.Fn)
	if fn == nil {
		return nil, errors.Assembly("interface "+b.Iface+" has no function "+b.Fn, nil)
	}
	return fn, nil
}

// funcType encodes a component functype for one world function and returns
// its type index.
func (e *componentEncoder) funcType(fn *world.Function) (uint32, error) {
	params := &bytes.Buffer{}
	wasm.WriteU32(params, uint32(len(fn.Params)))
	for _, p := range fn.Params {
		writeName(params, p.Name)
		if err := e.valType(params, p.Type); err != nil {
			return 0, err
		}
	}

	result := &bytes.Buffer{}
	if fn.Result == nil {
		result.WriteByte(0x01)
		result.WriteByte(0x00)
	} else {
		result.WriteByte(0x00)
		if err := e.valType(result, fn.Result); err != nil {
			return 0, err
		}
	}

	e.types.WriteByte(tyFunc)
	e.types.Write(params.Bytes())
	e.types.Write(result.Bytes())
	idx := e.typeCount
	e.typeCount++
	return idx, nil
}

// valType writes a component valtype: primitives inline, composites as a
// reference to a memoized defvaltype.
func (e *componentEncoder) valType(buf *bytes.Buffer, t wit.Type) error {
	switch t.(type) {
	case wit.Bool:
		buf.WriteByte(vtBool)
		return nil
	case wit.S8:
		buf.WriteByte(vtS8)
		return nil
	case wit.U8:
		buf.WriteByte(vtU8)
		return nil
	case wit.S16:
		buf.WriteByte(vtS16)
		return nil
	case wit.U16:
		buf.WriteByte(vtU16)
		return nil
	case wit.S32:
		buf.WriteByte(vtS32)
		return nil
	case wit.U32:
		buf.WriteByte(vtU32)
		return nil
	case wit.S64:
		buf.WriteByte(vtS64)
		return nil
	case wit.U64:
		buf.WriteByte(vtU64)
		return nil
	case wit.F32:
		buf.WriteByte(vtF32)
		return nil
	case wit.F64:
		buf.WriteByte(vtF64)
		return nil
	case wit.Char:
		buf.WriteByte(vtChar)
		return nil
	case wit.String:
		buf.WriteByte(vtString)
		return nil
	}

	idx, err := e.defType(t)
	if err != nil {
		return err
	}
	wasm.WriteS64(buf, int64(idx))
	return nil
}

// defType returns the type index of a composite type, defining it once.
func (e *componentEncoder) defType(t wit.Type) (uint32, error) {
	fp, err := abi.Fingerprint(t)
	if err != nil {
		return 0, err
	}
	if idx, ok := e.memo[fp]; ok {
		return idx, nil
	}

	td, ok := t.(*wit.TypeDef)
	if !ok {
		return 0, errors.Assembly("composite type is not a typedef", nil)
	}

	body := &bytes.Buffer{}
	switch k := td.Kind.(type) {
	case *wit.Record:
		body.WriteByte(vtRecord)
		wasm.WriteU32(body, uint32(len(k.Fields)))
		for _, f := range k.Fields {
			writeName(body, f.Name)
			if err := e.valType(body, f.Type); err != nil {
				return 0, err
			}
		}

	case *wit.Variant:
		body.WriteByte(vtVariant)
		wasm.WriteU32(body, uint32(len(k.Cases)))
		for _, c := range k.Cases {
			writeName(body, c.Name)
			if c.Type == nil {
				body.WriteByte(0x00)
			} else {
				body.WriteByte(0x01)
				if err := e.valType(body, c.Type); err != nil {
					return 0, err
				}
			}
			body.WriteByte(0x00) // no refines
		}

	case *wit.Enum:
		body.WriteByte(vtEnum)
		wasm.WriteU32(body, uint32(len(k.Cases)))
		for _, c := range k.Cases {
			writeName(body, c.Name)
		}

	case *wit.Flags:
		body.WriteByte(vtFlags)
		wasm.WriteU32(body, uint32(len(k.Flags)))
		for _, f := range k.Flags {
			writeName(body, f.Name)
		}

	case *wit.List:
		body.WriteByte(vtList)
		if err := e.valType(body, k.Type); err != nil {
			return 0, err
		}

	case *wit.Tuple:
		body.WriteByte(vtTuple)
		wasm.WriteU32(body, uint32(len(k.Types)))
		for _, it := range k.Types {
			if err := e.valType(body, it); err != nil {
				return 0, err
			}
		}

	case *wit.Option:
		body.WriteByte(vtOption)
		if err := e.valType(body, k.Type); err != nil {
			return 0, err
		}

	case *wit.Result:
		body.WriteByte(vtResult)
		if err := e.optType(body, k.OK); err != nil {
			return 0, err
		}
		if err := e.optType(body, k.Err); err != nil {
			return 0, err
		}

	case *wit.Own:
		ridx, err := e.resourceRef(td, k.Type)
		if err != nil {
			return 0, err
		}
		body.WriteByte(vtOwn)
		wasm.WriteU32(body, ridx)

	case *wit.Borrow:
		ridx, err := e.resourceRef(td, k.Type)
		if err != nil {
			return 0, err
		}
		body.WriteByte(vtBorrow)
		wasm.WriteU32(body, ridx)

	default:
		return 0, errors.Assembly("no component encoding for type "+fp, nil)
	}

	e.types.Write(body.Bytes())
	idx := e.typeCount
	e.typeCount++
	e.memo[fp] = idx
	return idx, nil
}

func (e *componentEncoder) optType(buf *bytes.Buffer, t wit.Type) error {
	if t == nil {
		buf.WriteByte(0x00)
		return nil
	}
	buf.WriteByte(0x01)
	return e.valType(buf, t)
}

// resourceRef resolves the resource type behind an own/borrow handle.
// Channel typedefs get a synthetic resource type of their own; their
// payloads are checked at run time.
func (e *componentEncoder) resourceRef(td *wit.TypeDef, res *wit.TypeDef) (uint32, error) {
	name := ""
	switch {
	case res != nil && res.Name != nil:
		name = *res.Name
	case td.Name != nil:
		name = *td.Name
	}
	if name == "" {
		return 0, errors.Assembly("handle type references an unnamed resource", nil)
	}
	if idx, ok := e.resources[name]; ok {
		return idx, nil
	}
	e.types.WriteByte(tyResource)
	e.types.WriteByte(repI32)
	e.types.WriteByte(0x00)
	idx := e.typeCount
	e.typeCount++
	e.resources[name] = idx
	return idx, nil
}

func writeName(buf *bytes.Buffer, name string) {
	wasm.WriteU32(buf, uint32(len(name)))
	buf.WriteString(name)
}

func writeSectionRaw(out *bytes.Buffer, id byte, body []byte) {
	out.WriteByte(id)
	wasm.WriteU32(out, uint32(len(body)))
	out.Write(body)
}

func writeVecSection(out *bytes.Buffer, id byte, count uint32, entries []byte) {
	body := &bytes.Buffer{}
	wasm.WriteU32(body, count)
	body.Write(entries)
	writeSectionRaw(out, id, body.Bytes())
}
