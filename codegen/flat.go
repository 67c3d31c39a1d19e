package codegen

import (
	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/wasm"
)

// slotProvider walks a run of flat value slots held in locals, converting
// joined slot types down to the leaf types a consumer expects. Variant
// payload slots carry the join of all case representations, so a case body
// reads the same locals through a sub-provider with its own leaf view.
type slotProvider struct {
	f      *fnBuilder
	locals []uint32
	types  []wasm.ValType
	pos    int
}

func newProvider(f *fnBuilder, locals []uint32, types []wasm.ValType) *slotProvider {
	return &slotProvider{f: f, locals: locals, types: types}
}

// paramProvider views a function's leading parameters as flat slots.
func paramProvider(f *fnBuilder) *slotProvider {
	locals := make([]uint32, len(f.params))
	for i := range f.params {
		locals[i] = uint32(i)
	}
	return newProvider(f, locals, f.params)
}

func (p *slotProvider) next() (uint32, wasm.ValType) {
	l, t := p.locals[p.pos], p.types[p.pos]
	p.pos++
	return l, t
}

// pushAs pushes the next slot converted from its joined type to want.
func (p *slotProvider) pushAs(want wasm.ValType) {
	l, have := p.next()
	p.f.localGet(l)
	convertJoinedTo(p.f, have, want)
}

// sub returns a view of the remaining slots without consuming them.
func (p *slotProvider) sub() *slotProvider {
	return &slotProvider{f: p.f, locals: p.locals, types: p.types, pos: p.pos}
}

func (p *slotProvider) skip(n int) { p.pos += n }

// convertJoinedTo narrows a joined slot value to a case's leaf type. The
// joined type is always at least as wide as the leaf.
func convertJoinedTo(f *fnBuilder, have, want wasm.ValType) {
	if have == want {
		return
	}
	switch {
	case have == wasm.ValI64 && want == wasm.ValI32:
		f.i32WrapI64()
	case have == wasm.ValI64 && want == wasm.ValF32:
		f.i32WrapI64()
		f.f32ReinterpretI32()
	case have == wasm.ValI64 && want == wasm.ValF64:
		f.f64ReinterpretI64()
	case have == wasm.ValI32 && want == wasm.ValF32:
		f.f32ReinterpretI32()
	}
}

// convertLeafToJoined widens a case leaf value to the joined slot type.
func convertLeafToJoined(f *fnBuilder, have, want wasm.ValType) {
	if have == want {
		return
	}
	switch {
	case have == wasm.ValI32 && want == wasm.ValI64:
		f.i64ExtendI32U()
	case have == wasm.ValF32 && want == wasm.ValI32:
		f.i32ReinterpretF32()
	case have == wasm.ValF32 && want == wasm.ValI64:
		f.i32ReinterpretF32()
		f.i64ExtendI32U()
	case have == wasm.ValF64 && want == wasm.ValI64:
		f.i64ReinterpretF64()
	}
}

// flatStore writes a value held as flat slots into memory at its canonical
// layout: base local + static offset.
func (g *Generator) flatStore(f *fnBuilder, d *abi.Descriptor, p *slotProvider, base, off uint32) error {
	switch d.Kind {
	case abi.KindBool, abi.KindU8, abi.KindS8:
		f.localGet(base)
		p.pushAs(i32)
		f.i32Store8(off)

	case abi.KindU16, abi.KindS16:
		f.localGet(base)
		p.pushAs(i32)
		f.i32Store16(off)

	case abi.KindU32, abi.KindS32, abi.KindChar:
		f.localGet(base)
		p.pushAs(i32)
		f.i32Store(off)

	case abi.KindU64, abi.KindS64:
		f.localGet(base)
		p.pushAs(i64)
		f.i64Store(off)

	case abi.KindF32:
		f.localGet(base)
		p.pushAs(f32)
		f.f32Store(off)

	case abi.KindF64:
		f.localGet(base)
		p.pushAs(f64)
		f.f64Store(off)

	case abi.KindString, abi.KindList:
		f.localGet(base)
		p.pushAs(i32)
		f.i32Store(off)
		f.localGet(base)
		p.pushAs(i32)
		f.i32Store(off + 4)

	case abi.KindRecord, abi.KindTuple:
		for _, fld := range d.Fields {
			if err := g.flatStore(f, fld.Type, p, base, off+fld.Offset); err != nil {
				return err
			}
		}

	case abi.KindEnum:
		f.localGet(base)
		p.pushAs(i32)
		g.storeDiscAt(f, d.DiscSize, off)

	case abi.KindFlags:
		if d.FlagCount > 64 {
			return errors.UnsupportedType(errors.PhaseCodegen, nil, "flags",
				"more than 64 flags")
		}
		f.localGet(base)
		if d.Size == 8 {
			p.pushAs(i64)
			f.i64Store(off)
		} else {
			p.pushAs(i32)
			g.storeDiscAt(f, d.Size, off)
		}

	case abi.KindOwn, abi.KindBorrow:
		f.localGet(base)
		p.pushAs(i32)
		f.i32Store(off)

	case abi.KindVariant, abi.KindOption, abi.KindResult:
		discLocal, _ := p.next()
		f.localGet(base)
		f.localGet(discLocal)
		g.storeDiscAt(f, d.DiscSize, off)

		payload := len(d.Flat) - 1
		for ci, c := range d.Cases {
			if c.Type == nil {
				continue
			}
			f.localGet(discLocal)
			f.i32Const(int32(ci))
			f.i32Eq()
			f.ifVoid()
			if err := g.flatStore(f, c.Type, p.sub(), base, off+d.PayloadOffset); err != nil {
				return err
			}
			f.end()
		}
		p.skip(payload)

	default:
		return errors.UnsupportedType(errors.PhaseCodegen, nil,
			d.Kind.String(), "no flat store strategy")
	}
	return nil
}

func (g *Generator) storeDiscAt(f *fnBuilder, width, off uint32) {
	switch width {
	case 1:
		f.i32Store8(off)
	case 2:
		f.i32Store16(off)
	default:
		f.i32Store(off)
	}
}

// flatLoad reads a value from its canonical memory layout into fresh locals
// matching d.Flat, joining variant payload slots.
func (g *Generator) flatLoad(f *fnBuilder, d *abi.Descriptor, base, off uint32) ([]uint32, error) {
	one := func(t wasm.ValType, load func()) []uint32 {
		l := f.local(t)
		f.localGet(base)
		load()
		f.localSet(l)
		return []uint32{l}
	}

	switch d.Kind {
	case abi.KindBool, abi.KindU8:
		return one(i32, func() { f.i32Load8U(off) }), nil
	case abi.KindS8:
		return one(i32, func() { f.i32Load8S(off) }), nil
	case abi.KindU16:
		return one(i32, func() { f.i32Load16U(off) }), nil
	case abi.KindS16:
		return one(i32, func() { f.i32Load16S(off) }), nil
	case abi.KindU32, abi.KindS32, abi.KindChar:
		return one(i32, func() { f.i32Load(off) }), nil
	case abi.KindU64, abi.KindS64:
		return one(i64, func() { f.i64Load(off) }), nil
	case abi.KindF32:
		return one(f32, func() { f.f32Load(off) }), nil
	case abi.KindF64:
		return one(f64, func() { f.f64Load(off) }), nil

	case abi.KindString, abi.KindList:
		ptr := one(i32, func() { f.i32Load(off) })
		length := one(i32, func() { f.i32Load(off + 4) })
		return append(ptr, length...), nil

	case abi.KindRecord, abi.KindTuple:
		var out []uint32
		for _, fld := range d.Fields {
			ls, err := g.flatLoad(f, fld.Type, base, off+fld.Offset)
			if err != nil {
				return nil, err
			}
			out = append(out, ls...)
		}
		return out, nil

	case abi.KindEnum:
		return one(i32, func() { g.loadDiscAt(f, d.DiscSize, off) }), nil

	case abi.KindFlags:
		if d.FlagCount > 64 {
			return nil, errors.UnsupportedType(errors.PhaseCodegen, nil, "flags",
				"more than 64 flags")
		}
		if d.Size == 8 {
			return one(i64, func() { f.i64Load(off) }), nil
		}
		return one(i32, func() { g.loadDiscAt(f, d.Size, off) }), nil

	case abi.KindOwn, abi.KindBorrow:
		return one(i32, func() { f.i32Load(off) }), nil

	case abi.KindVariant, abi.KindOption, abi.KindResult:
		disc := one(i32, func() { g.loadDiscAt(f, d.DiscSize, off) })

		payloadTypes := d.Flat[1:]
		payload := make([]uint32, len(payloadTypes))
		for k, t := range payloadTypes {
			payload[k] = f.local(t) // zero unless a case fills it
		}

		for ci, c := range d.Cases {
			if c.Type == nil {
				continue
			}
			f.localGet(disc[0])
			f.i32Const(int32(ci))
			f.i32Eq()
			f.ifVoid()
			caseLocals, err := g.flatLoad(f, c.Type, base, off+d.PayloadOffset)
			if err != nil {
				return nil, err
			}
			for k, cl := range caseLocals {
				f.localGet(cl)
				convertLeafToJoined(f, c.Type.Flat[k], payloadTypes[k])
				f.localSet(payload[k])
			}
			f.end()
		}
		return append(disc, payload...), nil

	default:
		return nil, errors.UnsupportedType(errors.PhaseCodegen, nil,
			d.Kind.String(), "no flat load strategy")
	}
}

func (g *Generator) loadDiscAt(f *fnBuilder, width, off uint32) {
	switch width {
	case 1:
		f.i32Load8U(off)
	case 2:
		f.i32Load16U(off)
	default:
		f.i32Load(off)
	}
}

// allocScratch emits a cabi_realloc call and leaves the pointer in a fresh
// local.
func (g *Generator) allocScratch(f *fnBuilder, align, size uint32) uint32 {
	l := f.local(i32)
	f.i32Const(0)
	f.i32Const(0)
	f.i32Const(int32(align))
	f.i32Const(int32(size))
	f.call(g.intr[IntrRealloc])
	f.localSet(l)
	return l
}
