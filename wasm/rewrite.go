package wasm

import (
	"bytes"
	"fmt"
	"io"
)

// Remap holds index translations applied to an instruction stream when a
// module is relocated into a combined index space. Nil entries are identity.
type Remap struct {
	Func   func(uint32) uint32
	Global func(uint32) uint32
	Type   func(uint32) uint32
	Table  func(uint32) uint32
	Data   func(uint32) uint32
	Elem   func(uint32) uint32
}

func (rm Remap) fn(f func(uint32) uint32, v uint32) uint32 {
	if f == nil {
		return v
	}
	return f(v)
}

// Apply rewrites all index immediates in code (a raw instruction stream,
// including the terminating end opcode) and returns the rewritten bytes.
// Constant initializer expressions are instruction streams too and can be
// passed through unchanged.
func (rm Remap) Apply(code []byte) ([]byte, error) {
	r := bytes.NewReader(code)
	var out bytes.Buffer
	out.Grow(len(code) + len(code)/8)

	for r.Len() > 0 {
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		out.WriteByte(op)

		switch op {
		case OpBlock, OpLoop, OpIf:
			// Block type is s33: negative values are value types, others
			// index the type section.
			bt, err := ReadS64(r)
			if err != nil {
				return nil, err
			}
			if bt >= 0 {
				bt = int64(rm.fn(rm.Type, uint32(bt)))
			}
			WriteS64(&out, bt)

		case OpBr, OpBrIf:
			if err := copyU32(r, &out); err != nil {
				return nil, err
			}

		case OpBrTable:
			count, err := ReadU32(r)
			if err != nil {
				return nil, err
			}
			WriteU32(&out, count)
			for i := uint32(0); i <= count; i++ { // labels plus default
				if err := copyU32(r, &out); err != nil {
					return nil, err
				}
			}

		case OpCall, OpReturnCall:
			idx, err := ReadU32(r)
			if err != nil {
				return nil, err
			}
			WriteU32(&out, rm.fn(rm.Func, idx))

		case OpCallIndirect, OpReturnCallIndirect:
			typeIdx, err := ReadU32(r)
			if err != nil {
				return nil, err
			}
			tableIdx, err := ReadU32(r)
			if err != nil {
				return nil, err
			}
			WriteU32(&out, rm.fn(rm.Type, typeIdx))
			WriteU32(&out, rm.fn(rm.Table, tableIdx))

		case OpLocalGet, OpLocalSet, OpLocalTee:
			if err := copyU32(r, &out); err != nil {
				return nil, err
			}

		case OpGlobalGet, OpGlobalSet:
			idx, err := ReadU32(r)
			if err != nil {
				return nil, err
			}
			WriteU32(&out, rm.fn(rm.Global, idx))

		case OpTableGet, OpTableSet:
			idx, err := ReadU32(r)
			if err != nil {
				return nil, err
			}
			WriteU32(&out, rm.fn(rm.Table, idx))

		case OpI32Load, OpI64Load, OpF32Load, OpF64Load,
			OpI32Load8S, OpI32Load8U, OpI32Load16S, OpI32Load16U,
			OpI64Load8S, OpI64Load8U, OpI64Load16S, OpI64Load16U,
			OpI64Load32S, OpI64Load32U,
			OpI32Store, OpI64Store, OpF32Store, OpF64Store,
			OpI32Store8, OpI32Store16, OpI64Store8, OpI64Store16, OpI64Store32:
			if err := copyMemArg(r, &out); err != nil {
				return nil, err
			}

		case OpMemorySize, OpMemoryGrow:
			if err := copyU32(r, &out); err != nil {
				return nil, err
			}

		case OpI32Const:
			v, err := ReadS32(r)
			if err != nil {
				return nil, err
			}
			WriteS32(&out, v)

		case OpI64Const:
			v, err := ReadS64(r)
			if err != nil {
				return nil, err
			}
			WriteS64(&out, v)

		case OpF32Const:
			if err := copyN(r, &out, 4); err != nil {
				return nil, err
			}

		case OpF64Const:
			if err := copyN(r, &out, 8); err != nil {
				return nil, err
			}

		case OpSelectType:
			count, err := ReadU32(r)
			if err != nil {
				return nil, err
			}
			WriteU32(&out, count)
			if err := copyN(r, &out, int(count)); err != nil {
				return nil, err
			}

		case OpRefNull:
			ht, err := ReadS64(r)
			if err != nil {
				return nil, err
			}
			WriteS64(&out, ht)

		case OpRefFunc:
			idx, err := ReadU32(r)
			if err != nil {
				return nil, err
			}
			WriteU32(&out, rm.fn(rm.Func, idx))

		case OpUnreachable, OpNop, OpElse, OpEnd, OpReturn,
			OpDrop, OpSelect, OpRefIsNull:
			// no immediates

		case OpPrefixMisc:
			if err := rm.applyMisc(r, &out); err != nil {
				return nil, err
			}

		case OpPrefixSIMD:
			if err := copySIMD(r, &out); err != nil {
				return nil, err
			}

		default:
			if op >= opNoImmMin && op <= opNoImmMax {
				continue // numeric op, no immediates
			}
			return nil, fmt.Errorf("unknown opcode 0x%02x at offset %d", op, len(code)-r.Len()-1)
		}
	}

	return out.Bytes(), nil
}

func (rm Remap) applyMisc(r *bytes.Reader, out *bytes.Buffer) error {
	subOp, err := ReadU32(r)
	if err != nil {
		return err
	}
	WriteU32(out, subOp)

	switch subOp {
	case MiscMemoryInit:
		dataIdx, err := ReadU32(r)
		if err != nil {
			return err
		}
		WriteU32(out, rm.fn(rm.Data, dataIdx))
		return copyU32(r, out) // memidx

	case MiscDataDrop:
		dataIdx, err := ReadU32(r)
		if err != nil {
			return err
		}
		WriteU32(out, rm.fn(rm.Data, dataIdx))
		return nil

	case MiscMemoryCopy:
		if err := copyU32(r, out); err != nil {
			return err
		}
		return copyU32(r, out)

	case MiscMemoryFill:
		return copyU32(r, out)

	case MiscTableInit:
		elemIdx, err := ReadU32(r)
		if err != nil {
			return err
		}
		tableIdx, err := ReadU32(r)
		if err != nil {
			return err
		}
		WriteU32(out, rm.fn(rm.Elem, elemIdx))
		WriteU32(out, rm.fn(rm.Table, tableIdx))
		return nil

	case MiscElemDrop:
		elemIdx, err := ReadU32(r)
		if err != nil {
			return err
		}
		WriteU32(out, rm.fn(rm.Elem, elemIdx))
		return nil

	case MiscTableCopy:
		for i := 0; i < 2; i++ {
			tableIdx, err := ReadU32(r)
			if err != nil {
				return err
			}
			WriteU32(out, rm.fn(rm.Table, tableIdx))
		}
		return nil

	case MiscTableGrow, MiscTableSize, MiscTableFill:
		tableIdx, err := ReadU32(r)
		if err != nil {
			return err
		}
		WriteU32(out, rm.fn(rm.Table, tableIdx))
		return nil

	default:
		if subOp >= MiscI32TruncSatF32S && subOp <= MiscI64TruncSatF64U {
			return nil // saturating truncations, no immediates
		}
		return fmt.Errorf("unknown 0xFC sub-opcode 0x%02x", subOp)
	}
}

// SIMD sub-opcode boundaries used for immediate classification.
const (
	simdLoadMax     uint32 = 10 // v128.load .. v128.load64_splat
	simdStore       uint32 = 11
	simdConst       uint32 = 12
	simdShuffle     uint32 = 13
	simdLaneOpMin   uint32 = 21 // i8x16.extract_lane_s
	simdLaneOpMax   uint32 = 34 // f64x2.replace_lane
	simdLaneMemMin  uint32 = 84 // v128.load8_lane
	simdLaneMemMax  uint32 = 91 // v128.store64_lane
	simdLoadZeroMin uint32 = 92
	simdLoadZeroMax uint32 = 93
)

// copySIMD passes a SIMD instruction through unchanged; vector instructions
// carry no module-level indices.
func copySIMD(r *bytes.Reader, out *bytes.Buffer) error {
	subOp, err := ReadU32(r)
	if err != nil {
		return err
	}
	WriteU32(out, subOp)

	switch {
	case subOp <= simdLoadMax || subOp == simdStore,
		subOp >= simdLoadZeroMin && subOp <= simdLoadZeroMax:
		return copyMemArg(r, out)
	case subOp == simdConst || subOp == simdShuffle:
		return copyN(r, out, 16)
	case subOp >= simdLaneOpMin && subOp <= simdLaneOpMax:
		return copyN(r, out, 1)
	case subOp >= simdLaneMemMin && subOp <= simdLaneMemMax:
		if err := copyMemArg(r, out); err != nil {
			return err
		}
		return copyN(r, out, 1)
	default:
		return nil
	}
}

const memArgMultiMemBit = 0x40

func copyMemArg(r *bytes.Reader, out *bytes.Buffer) error {
	align, err := ReadU32(r)
	if err != nil {
		return err
	}
	WriteU32(out, align)
	if align&memArgMultiMemBit != 0 {
		if err := copyU32(r, out); err != nil {
			return err
		}
	}
	offset, err := ReadU64(r)
	if err != nil {
		return err
	}
	WriteU64(out, offset)
	return nil
}

func copyU32(r *bytes.Reader, out *bytes.Buffer) error {
	v, err := ReadU32(r)
	if err != nil {
		return err
	}
	WriteU32(out, v)
	return nil
}

func copyN(r *bytes.Reader, out *bytes.Buffer, n int) error {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	out.Write(buf)
	return nil
}
