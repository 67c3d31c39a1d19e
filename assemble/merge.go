package assemble

import (
	"github.com/wippyai/componentize/codegen"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/wasm"
)

// merge combines the bindings module with the interpreter module. The
// interpreter comes first in every index space; bindings' "interp" imports
// resolve against interpreter exports, its remaining (world) imports stay
// imports of the merged module, and its memory import collapses onto the
// interpreter's memory 0.
func merge(interp, bindings *wasm.Module) (*wasm.Module, error) {
	if len(interp.Memories) == 0 {
		return nil, errors.Assembly("interpreter module does not define a memory", nil)
	}

	out := &wasm.Module{}

	// Types: interpreter's first, bindings' deduped on top.
	out.Types = append(out.Types, interp.Types...)
	bindTypes := make([]uint32, len(bindings.Types))
	for i, t := range bindings.Types {
		bindTypes[i] = out.AddType(t)
	}

	interpExports := make(map[string]wasm.Export, len(interp.Exports))
	for _, e := range interp.Exports {
		interpExports[e.Name] = e
	}

	// Imports: interpreter's own, then bindings' world imports. "interp"
	// function imports resolve against interpreter exports instead;
	// unresolved ones accumulate into a MissingIntrinsicsError.
	out.Imports = append(out.Imports, interp.Imports...)
	interpImported := uint32(interp.NumImportedFuncs())

	var worldImports []wasm.Import
	resolved := make([]int64, 0, len(bindings.Imports)) // per bindings func import: merged idx or -1-(world slot)
	var missing []errors.MissingIntrinsic

	for _, imp := range bindings.Imports {
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			if imp.Module == codegen.InterpModule {
				exp, ok := interpExports[imp.Name]
				if !ok || exp.Kind != wasm.KindFunc {
					missing = append(missing, errors.MissingIntrinsic{Module: imp.Module, Name: imp.Name})
					resolved = append(resolved, 0)
					continue
				}
				want := bindings.Types[imp.Desc.TypeIdx]
				if got := interp.GetFuncType(exp.Idx); got == nil || !got.Equal(want) {
					missing = append(missing, errors.MissingIntrinsic{Module: imp.Module, Name: imp.Name})
					resolved = append(resolved, 0)
					continue
				}
				resolved = append(resolved, int64(exp.Idx)) // interpreter-space index
			} else {
				resolved = append(resolved, -1-int64(len(worldImports)))
				rebased := imp
				rebased.Desc.TypeIdx = bindTypes[imp.Desc.TypeIdx]
				worldImports = append(worldImports, rebased)
			}
		case wasm.KindMemory:
			if imp.Module != codegen.InterpModule {
				return nil, errors.Assembly("bindings module imports a foreign memory", nil)
			}
			// collapses onto the interpreter's memory 0
		default:
			return nil, errors.Assembly("bindings module has an unsupported import kind", nil)
		}
	}
	if len(missing) > 0 {
		return nil, &errors.MissingIntrinsicsError{Intrinsics: missing}
	}
	out.Imports = append(out.Imports, worldImports...)

	worldCount := uint32(len(worldImports))
	mergedImported := interpImported + worldCount
	interpLocals := uint32(len(interp.Funcs))

	// Interpreter function indices: imports keep their slots, local
	// functions shift past the appended world imports.
	interpFn := func(idx uint32) uint32 {
		if idx < interpImported {
			return idx
		}
		return idx + worldCount
	}

	// Bindings function indices: imports resolve per the table above,
	// local functions follow the interpreter's.
	bindImported := uint32(bindings.NumImportedFuncs())
	bindFn := func(idx uint32) uint32 {
		if idx < bindImported {
			r := resolved[idx]
			if r < 0 {
				return interpImported + uint32(-1-r)
			}
			return interpFn(uint32(r))
		}
		return mergedImported + interpLocals + (idx - bindImported)
	}
	bindType := func(idx uint32) uint32 { return bindTypes[idx] }

	// Function section.
	out.Funcs = append(out.Funcs, interp.Funcs...)
	for _, ti := range bindings.Funcs {
		out.Funcs = append(out.Funcs, bindTypes[ti])
	}

	out.Tables = append(out.Tables, interp.Tables...)
	if len(bindings.Tables) > 0 {
		return nil, errors.Assembly("bindings module declares tables", nil)
	}
	out.Memories = append(out.Memories, interp.Memories...)
	out.Globals = append(out.Globals, interp.Globals...)

	// Code: interpreter bodies shift their local function references,
	// bindings bodies remap functions and types.
	interpRemap := wasm.Remap{Func: interpFn}
	for _, body := range interp.Code {
		code, err := interpRemap.Apply(body.Code)
		if err != nil {
			return nil, errors.Assembly("rewrite interpreter function", err)
		}
		out.Code = append(out.Code, wasm.FuncBody{Locals: body.Locals, Code: code})
	}
	bindRemap := wasm.Remap{Func: bindFn, Type: bindType}
	for _, body := range bindings.Code {
		code, err := bindRemap.Apply(body.Code)
		if err != nil {
			return nil, errors.Assembly("rewrite bindings function", err)
		}
		out.Code = append(out.Code, wasm.FuncBody{Locals: body.Locals, Code: code})
	}

	// Exports: bindings win name collisions (cabi_realloc passthrough
	// shadows the interpreter's own export).
	bound := make(map[string]bool, len(bindings.Exports))
	for _, e := range bindings.Exports {
		bound[e.Name] = true
		idx := e.Idx
		if e.Kind == wasm.KindFunc {
			idx = bindFn(idx)
		}
		out.Exports = append(out.Exports, wasm.Export{Name: e.Name, Kind: e.Kind, Idx: idx})
	}
	for _, e := range interp.Exports {
		if bound[e.Name] {
			continue
		}
		idx := e.Idx
		if e.Kind == wasm.KindFunc {
			idx = interpFn(idx)
		}
		out.Exports = append(out.Exports, wasm.Export{Name: e.Name, Kind: e.Kind, Idx: idx})
	}

	if interp.Start != nil {
		s := interpFn(*interp.Start)
		out.Start = &s
	}

	for _, el := range interp.Elements {
		remapped := el
		remapped.FuncIdxs = make([]uint32, len(el.FuncIdxs))
		for i, fi := range el.FuncIdxs {
			remapped.FuncIdxs[i] = interpFn(fi)
		}
		out.Elements = append(out.Elements, remapped)
	}

	out.Data = append(out.Data, interp.Data...)
	if interp.DataCount != nil {
		n := uint32(len(out.Data))
		out.DataCount = &n
	}
	out.CustomSections = append(out.CustomSections, interp.CustomSections...)

	return out, nil
}
