package codegen

import (
	"go.uber.org/zap"

	componentize "github.com/wippyai/componentize"
	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/bind"
	"github.com/wippyai/componentize/wasm"
	"github.com/wippyai/componentize/world"
)

// CallImportExport is the dispatcher the interpreter calls for outbound
// world imports: (slot, args-list-value) -> result value.
const CallImportExport = "call-import"

// ReallocExport is the canonical allocator re-exported from the bindings
// module.
const ReallocExport = "cabi_realloc"

// ExportFunc describes one generated export trampoline.
type ExportFunc struct {
	Binding *bind.Binding
	// Dispatch is the dense function index passed to the dispatch
	// intrinsic; the bridge registers the interpreter callable under it.
	Dispatch uint32
}

// ImportFunc describes one generated import trampoline.
type ImportFunc struct {
	Binding *bind.Binding
	// Slot is the index the interpreter passes to the call-import export.
	Slot uint32
}

// ResourceInfo is an exported resource with its runtime index and dtor
// trampoline export name.
type ResourceInfo struct {
	Name  string
	Iface string
	Index uint32
	Dtor  string
}

// Result is the generated bindings module plus the tables the bridge and the
// assembler need to wire it.
type Result struct {
	Module    *wasm.Module
	Exports   []ExportFunc
	Imports   []ImportFunc
	Resources []ResourceInfo

	// Names maps generated function indices to their symbolic names, for
	// diagnostics.
	Names map[uint32]string
}

// Generator emits the bindings module for one world.
type Generator struct {
	w      *world.World
	mapper *abi.Mapper
	binder *bind.Binder

	m        *wasm.Module
	intr     map[string]uint32
	liftMem  map[string]uint32
	lowerMem map[string]uint32

	resources map[string]uint32
	channels  map[string]world.ChannelKind
	names     map[uint32]string
}

// Generate builds the bindings core module for w under the mapper's policy.
func Generate(w *world.World, mapper *abi.Mapper) (*Result, error) {
	g := &Generator{
		w:         w,
		mapper:    mapper,
		binder:    bind.NewBinder(mapper),
		m:         &wasm.Module{},
		intr:      make(map[string]uint32),
		liftMem:   make(map[string]uint32),
		lowerMem:  make(map[string]uint32),
		resources: make(map[string]uint32),
		channels:  make(map[string]world.ChannelKind),
		names:     make(map[uint32]string),
	}
	g.collectResources()
	g.importIntrinsics()

	res := &Result{Module: g.m, Names: g.names}

	// World imports become core function imports; each gets an inner
	// trampoline the interpreter reaches through the call-import export.
	type pendingImport struct {
		binding *bind.Binding
		funcIdx uint32
	}
	var pending []pendingImport
	for _, iface := range g.w.Imports {
		for _, fn := range iface.Functions {
			b, err := g.binder.Bind(iface, fn, bind.Lower)
			if err != nil {
				return nil, err
			}
			typeIdx := g.m.AddType(wasm.FuncType{Params: b.Params, Results: b.Results})
			funcIdx := uint32(g.m.NumImportedFuncs())
			g.m.Imports = append(g.m.Imports, wasm.Import{
				Module: iface.Name,
				Name:   fn.WitName(),
				Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: typeIdx},
			})
			pending = append(pending, pendingImport{binding: b, funcIdx: funcIdx})
		}
	}

	var innerIdxs []uint32
	for slot, pi := range pending {
		inner, err := g.emitImportInner(pi.binding, pi.funcIdx)
		if err != nil {
			return nil, err
		}
		innerIdxs = append(innerIdxs, inner)
		res.Imports = append(res.Imports, ImportFunc{Binding: pi.binding, Slot: uint32(slot)})
		componentize.Logger().Debug("generated import trampoline",
			zap.String("fn", pi.binding.CoreName),
			zap.Int("slot", slot))
	}
	g.exportFunc(CallImportExport, g.emitCallImportDispatcher(innerIdxs))

	// Export trampolines, in world order; the dispatch index is dense over
	// exports.
	dispatch := uint32(0)
	for _, iface := range g.w.Exports {
		for _, fn := range iface.Functions {
			b, err := g.binder.Bind(iface, fn, bind.Lift)
			if err != nil {
				return nil, err
			}
			idx, err := g.emitExportTrampoline(b, dispatch)
			if err != nil {
				return nil, err
			}
			g.exportFunc(b.CoreName, idx)
			if b.ResultIndirect {
				g.exportFunc(bind.PostReturnName(b.CoreName), g.emitPostReturn(b))
			}
			res.Exports = append(res.Exports, ExportFunc{Binding: b, Dispatch: dispatch})
			componentize.Logger().Debug("generated export trampoline",
				zap.String("fn", b.CoreName),
				zap.Int("flat_params", len(b.Params)),
				zap.Bool("indirect_result", b.ResultIndirect))
			dispatch++
		}
	}

	// Destructor trampolines for exported resources.
	for _, iface := range g.w.Exports {
		for _, r := range iface.Resources {
			ridx := g.resources[r.Name]
			name := bind.DtorName(iface.Name, r.Name)
			g.exportFunc(name, g.emitDtor(ridx))
			res.Resources = append(res.Resources, ResourceInfo{
				Name:  r.Name,
				Iface: iface.Name,
				Index: ridx,
				Dtor:  name,
			})
		}
	}

	g.exportFunc(ReallocExport, g.emitReallocPassthrough())

	componentize.Logger().Debug("bindings module generated",
		zap.String("world", g.w.Name),
		zap.Int("exports", len(res.Exports)),
		zap.Int("imports", len(res.Imports)),
		zap.Int("helpers", len(g.liftMem)+len(g.lowerMem)))
	return res, nil
}

func (g *Generator) collectResources() {
	idx := uint32(0)
	for _, ifaces := range [][]*world.Interface{g.w.Imports, g.w.Exports} {
		for _, iface := range ifaces {
			for _, r := range iface.Resources {
				if _, ok := g.resources[r.Name]; !ok {
					g.resources[r.Name] = idx
					idx++
				}
			}
		}
	}
	for td, kind := range g.w.Channels {
		if td.Name != nil {
			g.channels[*td.Name] = kind
		}
	}
}

func (g *Generator) importIntrinsics() {
	for _, in := range Intrinsics() {
		typeIdx := g.m.AddType(in.Type)
		g.intr[in.Name] = uint32(g.m.NumImportedFuncs())
		g.m.Imports = append(g.m.Imports, wasm.Import{
			Module: InterpModule,
			Name:   in.Name,
			Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: typeIdx},
		})
	}
	g.m.Imports = append(g.m.Imports, wasm.Import{
		Module: InterpModule,
		Name:   IntrMemory,
		Desc: wasm.ImportDesc{
			Kind:   wasm.KindMemory,
			Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 0}},
		},
	})
}

func (g *Generator) exportFunc(name string, idx uint32) {
	g.m.Exports = append(g.m.Exports, wasm.Export{Name: name, Kind: wasm.KindFunc, Idx: idx})
	g.names[idx] = name
}

// paramSpill computes the canonical spill layout for a parameter list.
func paramSpill(descs []*abi.Descriptor) (size, align uint32, offsets []uint32) {
	align = 1
	offsets = make([]uint32, len(descs))
	offset := uint32(0)
	for i, d := range descs {
		offset = abi.AlignTo(offset, d.Align)
		offsets[i] = offset
		offset += d.Size
		if d.Align > align {
			align = d.Align
		}
	}
	return abi.AlignTo(offset, align), align, offsets
}

func (g *Generator) emitExportTrampoline(b *bind.Binding, dispatch uint32) (uint32, error) {
	f := newFn(b.Params, b.Results)

	// Bring every parameter into linear memory at canonical layout, then
	// lift each through the shared helpers.
	var base uint32
	var offsets []uint32
	if b.ParamsIndirect {
		base = 0 // the single i32 param is the spill pointer
		offsets = b.ParamOffsets
	} else if len(b.ParamDescs) > 0 {
		size, align, offs := paramSpill(b.ParamDescs)
		offsets = offs
		if size > 0 {
			base = g.allocScratch(f, align, size)
		} else {
			base = f.local(i32) // zero-size params still need a valid base
		}
		p := paramProvider(f)
		for i, d := range b.ParamDescs {
			if err := g.flatStore(f, d, p, base, offs[i]); err != nil {
				return 0, err
			}
		}
	}

	args := f.local(i32)
	f.i32Const(int32(len(b.ParamDescs)))
	f.call(g.intr[IntrNewList])
	f.localSet(args)
	for i, d := range b.ParamDescs {
		lift, err := g.liftHelper(d)
		if err != nil {
			return 0, err
		}
		f.localGet(args)
		f.localGet(base)
		f.i32Const(int32(offsets[i]))
		f.i32Add()
		f.call(lift)
		f.call(g.intr[IntrListAppend])
	}

	resVal := f.local(i32)
	f.i32Const(int32(dispatch))
	f.localGet(args)
	f.call(g.intr[IntrDispatch])
	f.localSet(resVal)

	// A pending interpreter exception either lowers into the declared
	// error case or aborts the instance.
	f.call(g.intr[IntrErrorCheck])
	f.ifVoid()
	if b.ResultDesc != nil && b.ResultDesc.Kind == abi.KindResult {
		errCase := b.ResultDesc.Cases[1]
		f.i32Const(1)
		if errCase.Type != nil {
			f.call(g.intr[IntrErrorTake])
		} else {
			f.call(g.intr[IntrErrorTake])
			f.drop()
			f.i32Const(0)
		}
		f.call(g.intr[IntrNewVariant])
		f.localSet(resVal)
		if err := g.emitExportResult(f, b, resVal); err != nil {
			return 0, err
		}
		f.ret()
	} else {
		f.unreachable()
	}
	f.end()

	if b.ResultDesc != nil && b.ResultDesc.Kind == abi.KindResult {
		// The app returns the ok payload; wrap it.
		f.i32Const(0)
		f.localGet(resVal)
		f.call(g.intr[IntrNewVariant])
		f.localSet(resVal)
	}
	if err := g.emitExportResult(f, b, resVal); err != nil {
		return 0, err
	}
	return f.finish(g.m), nil
}

// emitExportResult lowers the call's interpreter value into the trampoline's
// core result convention and pushes the core results.
func (g *Generator) emitExportResult(f *fnBuilder, b *bind.Binding, resVal uint32) error {
	switch {
	case b.ResultDesc == nil || (len(b.ResultDesc.Flat) == 0 && !b.ResultIndirect):
		// no core results

	case b.ResultIndirect:
		lower, err := g.lowerHelper(b.ResultDesc)
		if err != nil {
			return err
		}
		ret := g.allocScratch(f, b.RetArea.Align, b.RetArea.Size)
		f.localGet(resVal)
		f.localGet(ret)
		f.call(lower)
		f.localGet(ret)

	default:
		lower, err := g.lowerHelper(b.ResultDesc)
		if err != nil {
			return err
		}
		scratch := g.allocScratch(f, b.ResultDesc.Align, b.ResultDesc.Size)
		f.localGet(resVal)
		f.localGet(scratch)
		f.call(lower)
		slots, err := g.flatLoad(f, b.ResultDesc, scratch, 0)
		if err != nil {
			return err
		}
		for _, s := range slots {
			f.localGet(s)
		}
	}
	return nil
}

func (g *Generator) emitImportInner(b *bind.Binding, importIdx uint32) (uint32, error) {
	f := newFn([]wasm.ValType{i32}, []wasm.ValType{i32})
	const argsList = 0

	// Pull each argument value out of the list and lower it.
	var callLocals []uint32
	var base uint32
	if b.ParamsIndirect {
		base = g.allocScratch(f, b.ParamArea.Align, b.ParamArea.Size)
		for i, d := range b.ParamDescs {
			lower, err := g.lowerHelper(d)
			if err != nil {
				return 0, err
			}
			f.localGet(argsList)
			f.i32Const(int32(i))
			f.call(g.intr[IntrListGet])
			f.localGet(base)
			f.i32Const(int32(b.ParamOffsets[i]))
			f.i32Add()
			f.call(lower)
		}
		callLocals = append(callLocals, base)
	} else {
		for i, d := range b.ParamDescs {
			if len(d.Flat) == 0 {
				continue
			}
			v := f.local(i32)
			f.localGet(argsList)
			f.i32Const(int32(i))
			f.call(g.intr[IntrListGet])
			f.localSet(v)

			lower, err := g.lowerHelper(d)
			if err != nil {
				return 0, err
			}
			scratch := g.allocScratch(f, d.Align, d.Size)
			f.localGet(v)
			f.localGet(scratch)
			f.call(lower)
			slots, err := g.flatLoad(f, d, scratch, 0)
			if err != nil {
				return 0, err
			}
			callLocals = append(callLocals, slots...)
		}
	}

	var retArea uint32
	if b.ResultIndirect {
		retArea = g.allocScratch(f, b.RetArea.Align, b.RetArea.Size)
		callLocals = append(callLocals, retArea)
	}

	for _, l := range callLocals {
		f.localGet(l)
	}
	f.call(importIdx)

	switch {
	case b.ResultIndirect:
		lift, err := g.liftHelper(b.ResultDesc)
		if err != nil {
			return 0, err
		}
		f.localGet(retArea)
		f.call(lift)

	case b.ResultDesc == nil || len(b.ResultDesc.Flat) == 0:
		f.i32Const(0)

	default:
		// Single flat slot on the stack; round-trip it through memory and
		// the shared lift routine.
		slot := f.local(b.ResultDesc.Flat[0])
		f.localSet(slot)
		lift, err := g.liftHelper(b.ResultDesc)
		if err != nil {
			return 0, err
		}
		scratch := g.allocScratch(f, b.ResultDesc.Align, b.ResultDesc.Size)
		p := newProvider(f, []uint32{slot}, b.ResultDesc.Flat)
		if err := g.flatStore(f, b.ResultDesc, p, scratch, 0); err != nil {
			return 0, err
		}
		f.localGet(scratch)
		f.call(lift)
	}

	return f.finish(g.m), nil
}

func (g *Generator) emitCallImportDispatcher(inner []uint32) uint32 {
	f := newFn([]wasm.ValType{i32, i32}, []wasm.ValType{i32})
	for slot, idx := range inner {
		f.localGet(0)
		f.i32Const(int32(slot))
		f.i32Eq()
		f.ifVoid()
		f.localGet(1)
		f.call(idx)
		f.ret()
		f.end()
	}
	f.unreachable()
	return f.finish(g.m)
}

func (g *Generator) emitDtor(ridx uint32) uint32 {
	f := newFn([]wasm.ValType{i32}, nil)
	f.i32Const(int32(ridx))
	f.localGet(0)
	f.call(g.intr[IntrResourceDtor])
	return f.finish(g.m)
}

func (g *Generator) emitPostReturn(b *bind.Binding) uint32 {
	f := newFn([]wasm.ValType{i32}, nil)
	f.localGet(0)
	f.i32Const(int32(b.RetArea.Size))
	f.i32Const(int32(b.RetArea.Align))
	f.i32Const(0)
	f.call(g.intr[IntrRealloc])
	f.drop()
	return f.finish(g.m)
}

func (g *Generator) emitReallocPassthrough() uint32 {
	f := newFn([]wasm.ValType{i32, i32, i32, i32}, []wasm.ValType{i32})
	f.localGet(0)
	f.localGet(1)
	f.localGet(2)
	f.localGet(3)
	f.call(g.intr[IntrRealloc])
	return f.finish(g.m)
}
