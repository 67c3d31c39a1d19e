package codegen

import (
	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/bind"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/wasm"
)

// liftHelper returns the function index of the shared memory-lift routine
// for d, generating it on first use. Signature: (ptr: i32) -> i32 value.
func (g *Generator) liftHelper(d *abi.Descriptor) (uint32, error) {
	if idx, ok := g.liftMem[d.Fingerprint]; ok {
		return idx, nil
	}
	// Reserve the name before emitting so recursive structures through
	// handles cannot loop; children are emitted first and get lower indices.
	f := newFn([]wasm.ValType{i32}, []wasm.ValType{i32})
	if err := g.emitLiftBody(f, d); err != nil {
		return 0, err
	}
	idx := f.finish(g.m)
	g.liftMem[d.Fingerprint] = idx
	g.names[idx] = bind.LiftHelperName(d)
	return idx, nil
}

func (g *Generator) emitLiftBody(f *fnBuilder, d *abi.Descriptor) error {
	const ptr = 0

	switch d.Kind {
	case abi.KindBool:
		f.localGet(ptr)
		f.i32Load8U(0)
		f.call(g.intr[IntrNewBool])

	case abi.KindU8:
		g.liftInt(f, ptr, func() { f.i32Load8U(0) })
	case abi.KindS8:
		g.liftInt(f, ptr, func() { f.i32Load8S(0) })
	case abi.KindU16:
		g.liftInt(f, ptr, func() { f.i32Load16U(0) })
	case abi.KindS16:
		g.liftInt(f, ptr, func() { f.i32Load16S(0) })
	case abi.KindU32, abi.KindS32:
		g.liftInt(f, ptr, func() { f.i32Load(0) })

	case abi.KindU64, abi.KindS64:
		f.localGet(ptr)
		f.i64Load(0)
		f.call(g.intr[IntrNewS64])

	case abi.KindF32:
		f.localGet(ptr)
		f.f32Load(0)
		f.call(g.intr[IntrNewF32])

	case abi.KindF64:
		f.localGet(ptr)
		f.f64Load(0)
		f.call(g.intr[IntrNewF64])

	case abi.KindChar:
		f.localGet(ptr)
		f.i32Load(0)
		f.call(g.intr[IntrNewChar])

	case abi.KindString:
		f.localGet(ptr)
		f.i32Load(0)
		f.localGet(ptr)
		f.i32Load(4)
		f.call(g.intr[IntrNewString])

	case abi.KindList:
		return g.emitLiftList(f, d)

	case abi.KindRecord, abi.KindTuple:
		rec := f.local(i32)
		f.i32Const(int32(len(d.Fields)))
		f.call(g.intr[IntrNewRecord])
		f.localSet(rec)
		for _, fld := range d.Fields {
			child, err := g.liftHelper(fld.Type)
			if err != nil {
				return err
			}
			f.localGet(rec)
			f.localGet(ptr)
			f.i32Const(int32(fld.Offset))
			f.i32Add()
			f.call(child)
			f.call(g.intr[IntrRecordPush])
		}
		f.localGet(rec)

	case abi.KindVariant, abi.KindOption, abi.KindResult:
		return g.emitLiftVariant(f, d)

	case abi.KindEnum:
		disc := f.local(i32)
		g.loadDisc(f, ptr, 0, d.DiscSize)
		f.localSet(disc)
		g.guardDisc(f, disc, len(d.Cases))
		f.localGet(disc)
		f.i32Const(0)
		f.call(g.intr[IntrNewVariant])

	case abi.KindFlags:
		if d.FlagCount > 64 {
			return errors.UnsupportedType(errors.PhaseCodegen, nil, "flags",
				"more than 64 flags")
		}
		f.localGet(ptr)
		switch d.Size {
		case 1:
			f.i32Load8U(0)
			f.i64ExtendI32U()
		case 2:
			f.i32Load16U(0)
			f.i64ExtendI32U()
		case 4:
			f.i32Load(0)
			f.i64ExtendI32U()
		default:
			f.i64Load(0)
		}
		f.call(g.intr[IntrNewFlags])

	case abi.KindOwn, abi.KindBorrow:
		f.localGet(ptr)
		f.i32Load(0)
		return g.emitHandleLift(f, d)

	default:
		return errors.UnsupportedType(errors.PhaseCodegen, nil,
			d.Kind.String(), "no lift strategy")
	}
	return nil
}

func (g *Generator) liftInt(f *fnBuilder, ptr uint32, load func()) {
	f.localGet(ptr)
	load()
	f.call(g.intr[IntrNewS32])
}

// emitHandleLift expects the raw handle on the stack.
func (g *Generator) emitHandleLift(f *fnBuilder, d *abi.Descriptor) error {
	if kind, ok := g.channels[d.Resource]; ok {
		f.i32Const(int32(kind))
		f.call(g.intr[IntrChannelLift])
		return nil
	}
	ridx, ok := g.resources[d.Resource]
	if !ok {
		return errors.NotFound(errors.PhaseCodegen, "resource", d.Resource)
	}
	f.i32Const(int32(ridx))
	if d.Kind == abi.KindBorrow {
		f.call(g.intr[IntrLiftBorrow])
	} else {
		f.call(g.intr[IntrLiftOwn])
	}
	return nil
}

func (g *Generator) emitLiftList(f *fnBuilder, d *abi.Descriptor) error {
	elem, err := g.liftHelper(d.Elem)
	if err != nil {
		return err
	}

	const ptr = 0
	base := f.local(i32)
	n := f.local(i32)
	lst := f.local(i32)
	idx := f.local(i32)

	f.localGet(ptr)
	f.i32Load(0)
	f.localSet(base)
	f.localGet(ptr)
	f.i32Load(4)
	f.localSet(n)

	f.localGet(n)
	f.call(g.intr[IntrNewList])
	f.localSet(lst)

	f.block()
	f.loop()
	f.localGet(idx)
	f.localGet(n)
	f.i32GeU()
	f.brIf(1)

	f.localGet(lst)
	f.localGet(base)
	f.localGet(idx)
	f.i32Const(int32(d.Elem.Size))
	f.i32Mul()
	f.i32Add()
	f.call(elem)
	f.call(g.intr[IntrListAppend])

	f.localGet(idx)
	f.i32Const(1)
	f.i32Add()
	f.localSet(idx)
	f.br(0)
	f.end() // loop
	f.end() // block

	f.localGet(lst)
	return nil
}

func (g *Generator) emitLiftVariant(f *fnBuilder, d *abi.Descriptor) error {
	const ptr = 0
	disc := f.local(i32)
	out := f.local(i32)

	g.loadDisc(f, ptr, 0, d.DiscSize)
	f.localSet(disc)
	g.guardDisc(f, disc, len(d.Cases))

	for i, c := range d.Cases {
		f.localGet(disc)
		f.i32Const(int32(i))
		f.i32Eq()
		f.ifVoid()
		f.localGet(disc)
		if c.Type != nil {
			child, err := g.liftHelper(c.Type)
			if err != nil {
				return err
			}
			f.localGet(ptr)
			f.i32Const(int32(d.PayloadOffset))
			f.i32Add()
			f.call(child)
		} else {
			f.i32Const(0)
		}
		f.call(g.intr[IntrNewVariant])
		f.localSet(out)
		f.end()
	}
	f.localGet(out)
	return nil
}

// loadDisc loads a discriminant of the given byte width.
func (g *Generator) loadDisc(f *fnBuilder, ptr, offset, width uint32) {
	f.localGet(ptr)
	switch width {
	case 1:
		f.i32Load8U(offset)
	case 2:
		f.i32Load16U(offset)
	default:
		f.i32Load(offset)
	}
}

// guardDisc traps on out-of-range discriminants read from guest memory.
func (g *Generator) guardDisc(f *fnBuilder, disc uint32, n int) {
	f.localGet(disc)
	f.i32Const(int32(n))
	f.i32GeU()
	f.ifVoid()
	f.unreachable()
	f.end()
}

// lowerHelper returns the shared memory-lower routine for d. Signature:
// (value: i32, ptr: i32).
func (g *Generator) lowerHelper(d *abi.Descriptor) (uint32, error) {
	if idx, ok := g.lowerMem[d.Fingerprint]; ok {
		return idx, nil
	}
	f := newFn([]wasm.ValType{i32, i32}, nil)
	if err := g.emitLowerBody(f, d); err != nil {
		return 0, err
	}
	idx := f.finish(g.m)
	g.lowerMem[d.Fingerprint] = idx
	g.names[idx] = bind.LowerHelperName(d)
	return idx, nil
}

func (g *Generator) emitLowerBody(f *fnBuilder, d *abi.Descriptor) error {
	const val, ptr = 0, 1

	switch d.Kind {
	case abi.KindBool:
		f.localGet(ptr)
		f.localGet(val)
		f.call(g.intr[IntrGetBool])
		f.i32Store8(0)

	case abi.KindU8, abi.KindS8:
		g.lowerInt(f, val, ptr, func() { f.i32Store8(0) })
	case abi.KindU16, abi.KindS16:
		g.lowerInt(f, val, ptr, func() { f.i32Store16(0) })
	case abi.KindU32, abi.KindS32:
		g.lowerInt(f, val, ptr, func() { f.i32Store(0) })

	case abi.KindU64, abi.KindS64:
		f.localGet(ptr)
		f.localGet(val)
		f.call(g.intr[IntrGetS64])
		f.i64Store(0)

	case abi.KindF32:
		f.localGet(ptr)
		f.localGet(val)
		f.call(g.intr[IntrGetF32])
		f.f32Store(0)

	case abi.KindF64:
		f.localGet(ptr)
		f.localGet(val)
		f.call(g.intr[IntrGetF64])
		f.f64Store(0)

	case abi.KindChar:
		f.localGet(ptr)
		f.localGet(val)
		f.call(g.intr[IntrGetChar])
		f.i32Store(0)

	case abi.KindString:
		g.emitLowerString(f, val, ptr)

	case abi.KindList:
		return g.emitLowerList(f, d)

	case abi.KindRecord, abi.KindTuple:
		for i, fld := range d.Fields {
			child, err := g.lowerHelper(fld.Type)
			if err != nil {
				return err
			}
			f.localGet(val)
			f.i32Const(int32(i))
			f.call(g.intr[IntrRecordGet])
			f.localGet(ptr)
			f.i32Const(int32(fld.Offset))
			f.i32Add()
			f.call(child)
		}

	case abi.KindVariant, abi.KindOption, abi.KindResult:
		return g.emitLowerVariant(f, d)

	case abi.KindEnum:
		f.localGet(ptr)
		f.localGet(val)
		f.call(g.intr[IntrVariantDisc])
		g.storeDisc(f, d.DiscSize)

	case abi.KindFlags:
		if d.FlagCount > 64 {
			return errors.UnsupportedType(errors.PhaseCodegen, nil, "flags",
				"more than 64 flags")
		}
		f.localGet(ptr)
		f.localGet(val)
		f.call(g.intr[IntrFlagsBits])
		switch d.Size {
		case 1:
			f.i32WrapI64()
			f.i32Store8(0)
		case 2:
			f.i32WrapI64()
			f.i32Store16(0)
		case 4:
			f.i32WrapI64()
			f.i32Store(0)
		default:
			f.i64Store(0)
		}

	case abi.KindOwn, abi.KindBorrow:
		f.localGet(ptr)
		f.localGet(val)
		g.emitHandleLower(f, d)
		f.i32Store(0)

	default:
		return errors.UnsupportedType(errors.PhaseCodegen, nil,
			d.Kind.String(), "no lower strategy")
	}
	return nil
}

func (g *Generator) lowerInt(f *fnBuilder, val, ptr uint32, store func()) {
	f.localGet(ptr)
	f.localGet(val)
	f.call(g.intr[IntrGetS32])
	store()
}

// emitHandleLower expects the value on the stack and leaves the raw handle.
func (g *Generator) emitHandleLower(f *fnBuilder, d *abi.Descriptor) {
	if _, ok := g.channels[d.Resource]; ok {
		f.call(g.intr[IntrChannelLower])
		return
	}
	if d.Kind == abi.KindBorrow {
		f.call(g.intr[IntrLowerBorrow])
	} else {
		f.call(g.intr[IntrLowerOwn])
	}
}

// emitLowerString allocates the byte buffer via cabi_realloc and stores
// ptr+len at the destination.
func (g *Generator) emitLowerString(f *fnBuilder, val, ptr uint32) {
	length := f.local(i32)
	dst := f.local(i32)

	f.localGet(val)
	f.call(g.intr[IntrStringLen])
	f.localSet(length)

	f.i32Const(0)
	f.i32Const(0)
	f.i32Const(1)
	f.localGet(length)
	f.call(g.intr[IntrRealloc])
	f.localSet(dst)

	f.localGet(val)
	f.localGet(dst)
	f.call(g.intr[IntrStringWrite])

	f.localGet(ptr)
	f.localGet(dst)
	f.i32Store(0)
	f.localGet(ptr)
	f.localGet(length)
	f.i32Store(4)
}

func (g *Generator) emitLowerList(f *fnBuilder, d *abi.Descriptor) error {
	elem, err := g.lowerHelper(d.Elem)
	if err != nil {
		return err
	}

	const val, ptr = 0, 1
	n := f.local(i32)
	dst := f.local(i32)
	idx := f.local(i32)

	f.localGet(val)
	f.call(g.intr[IntrListLen])
	f.localSet(n)

	f.i32Const(0)
	f.i32Const(0)
	f.i32Const(int32(d.Elem.Align))
	f.localGet(n)
	f.i32Const(int32(d.Elem.Size))
	f.i32Mul()
	f.call(g.intr[IntrRealloc])
	f.localSet(dst)

	f.block()
	f.loop()
	f.localGet(idx)
	f.localGet(n)
	f.i32GeU()
	f.brIf(1)

	f.localGet(val)
	f.localGet(idx)
	f.call(g.intr[IntrListGet])
	f.localGet(dst)
	f.localGet(idx)
	f.i32Const(int32(d.Elem.Size))
	f.i32Mul()
	f.i32Add()
	f.call(elem)

	f.localGet(idx)
	f.i32Const(1)
	f.i32Add()
	f.localSet(idx)
	f.br(0)
	f.end() // loop
	f.end() // block

	f.localGet(ptr)
	f.localGet(dst)
	f.i32Store(0)
	f.localGet(ptr)
	f.localGet(n)
	f.i32Store(4)
	return nil
}

func (g *Generator) emitLowerVariant(f *fnBuilder, d *abi.Descriptor) error {
	const val, ptr = 0, 1
	disc := f.local(i32)

	f.localGet(val)
	f.call(g.intr[IntrVariantDisc])
	f.localSet(disc)

	f.localGet(ptr)
	f.localGet(disc)
	g.storeDisc(f, d.DiscSize)

	for i, c := range d.Cases {
		if c.Type == nil {
			continue
		}
		child, err := g.lowerHelper(c.Type)
		if err != nil {
			return err
		}
		f.localGet(disc)
		f.i32Const(int32(i))
		f.i32Eq()
		f.ifVoid()
		f.localGet(val)
		f.call(g.intr[IntrVariantPayload])
		f.localGet(ptr)
		f.i32Const(int32(d.PayloadOffset))
		f.i32Add()
		f.call(child)
		f.end()
	}
	return nil
}

// storeDisc stores a discriminant already on the stack under the pointer
// below it.
func (g *Generator) storeDisc(f *fnBuilder, width uint32) {
	switch width {
	case 1:
		f.i32Store8(0)
	case 2:
		f.i32Store16(0)
	default:
		f.i32Store(0)
	}
}
