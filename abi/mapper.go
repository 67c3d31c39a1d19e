package abi

import (
	"fmt"
	"sync"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/wasm"
)

// Kind classifies a descriptor.
type Kind int

const (
	KindBool Kind = iota
	KindU8
	KindS8
	KindU16
	KindS16
	KindU32
	KindS32
	KindU64
	KindS64
	KindF32
	KindF64
	KindChar
	KindString
	KindList
	KindRecord
	KindTuple
	KindVariant
	KindEnum
	KindFlags
	KindOption
	KindResult
	KindOwn
	KindBorrow
)

var kindNames = map[Kind]string{
	KindBool: "bool", KindU8: "u8", KindS8: "s8", KindU16: "u16",
	KindS16: "s16", KindU32: "u32", KindS32: "s32", KindU64: "u64",
	KindS64: "s64", KindF32: "f32", KindF64: "f64", KindChar: "char",
	KindString: "string", KindList: "list", KindRecord: "record",
	KindTuple: "tuple", KindVariant: "variant", KindEnum: "enum",
	KindFlags: "flags", KindOption: "option", KindResult: "result",
	KindOwn: "own", KindBorrow: "borrow",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Descriptor is the canonical-ABI view of one structural type: its linear
// memory layout and its flat core representation. Descriptors are immutable
// once returned and shared across every structurally identical type.
type Descriptor struct {
	Fingerprint string
	Kind        Kind

	// Memory layout.
	Size  uint32
	Align uint32

	// Flat is the core value slots the type occupies when passed unboxed.
	Flat []wasm.ValType

	// Composite details, populated per Kind.
	Fields        []Field     // record, tuple
	Cases         []Case      // variant, enum, option, result
	Elem          *Descriptor // list
	DiscSize      uint32      // variant, enum, option, result
	PayloadOffset uint32      // variant, option, result
	FlagCount     int         // flags
	Resource      string      // own, borrow
}

// Field is a record field or tuple element at its canonical offset.
type Field struct {
	Name   string
	Offset uint32
	Type   *Descriptor
}

// Case is a variant or enum case; Type is nil for payload-free cases.
type Case struct {
	Name string
	Type *Descriptor
}

// Indirect reports whether values of this type live behind a pointer in the
// flat representation (strings and lists carry ptr+len into linear memory).
func (d *Descriptor) Indirect() bool {
	return d.Kind == KindString || d.Kind == KindList
}

// Mapper computes descriptors, memoized by structural fingerprint. Safe for
// concurrent use.
type Mapper struct {
	policy Policy

	mu   sync.RWMutex
	byFP map[string]*Descriptor
	byTD map[*wit.TypeDef]*Descriptor
}

func NewMapper(p Policy) *Mapper {
	return &Mapper{
		policy: p,
		byFP:   make(map[string]*Descriptor),
		byTD:   make(map[*wit.TypeDef]*Descriptor),
	}
}

func (m *Mapper) Policy() Policy { return m.policy }

// Describe returns the descriptor for t. Structurally identical types
// receive the same *Descriptor regardless of declaration order.
func (m *Mapper) Describe(t wit.Type) (*Descriptor, error) {
	if td, ok := t.(*wit.TypeDef); ok {
		m.mu.RLock()
		d, hit := m.byTD[td]
		m.mu.RUnlock()
		if hit {
			return d, nil
		}
	}

	fp, err := Fingerprint(t)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	d, hit := m.byFP[fp]
	m.mu.RUnlock()
	if !hit {
		d, err = m.build(t, fp, nil)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if prev, ok := m.byFP[fp]; ok {
		d = prev // another goroutine built it first
	} else {
		m.byFP[fp] = d
	}
	if td, ok := t.(*wit.TypeDef); ok {
		m.byTD[td] = d
	}
	m.mu.Unlock()
	return d, nil
}

func (m *Mapper) build(t wit.Type, fp string, path []string) (*Descriptor, error) {
	switch v := t.(type) {
	case wit.Bool:
		return prim(fp, KindBool, 1, wasm.ValI32), nil
	case wit.U8:
		return prim(fp, KindU8, 1, wasm.ValI32), nil
	case wit.S8:
		return prim(fp, KindS8, 1, wasm.ValI32), nil
	case wit.U16:
		return prim(fp, KindU16, 2, wasm.ValI32), nil
	case wit.S16:
		return prim(fp, KindS16, 2, wasm.ValI32), nil
	case wit.U32:
		return prim(fp, KindU32, 4, wasm.ValI32), nil
	case wit.S32:
		return prim(fp, KindS32, 4, wasm.ValI32), nil
	case wit.U64:
		return prim(fp, KindU64, 8, wasm.ValI64), nil
	case wit.S64:
		return prim(fp, KindS64, 8, wasm.ValI64), nil
	case wit.F32:
		return prim(fp, KindF32, 4, wasm.ValF32), nil
	case wit.F64:
		return prim(fp, KindF64, 8, wasm.ValF64), nil
	case wit.Char:
		return prim(fp, KindChar, 4, wasm.ValI32), nil
	case wit.String:
		return &Descriptor{
			Fingerprint: fp, Kind: KindString, Size: 8, Align: 4,
			Flat: []wasm.ValType{wasm.ValI32, wasm.ValI32},
		}, nil
	case *wit.TypeDef:
		return m.buildTypeDef(v, fp, path)
	default:
		return nil, errors.UnsupportedType(errors.PhaseMap, path,
			fmt.Sprintf("%T", t), "unknown type")
	}
}

func prim(fp string, k Kind, size uint32, flat wasm.ValType) *Descriptor {
	return &Descriptor{
		Fingerprint: fp, Kind: k, Size: size, Align: size,
		Flat: []wasm.ValType{flat},
	}
}

func (m *Mapper) buildTypeDef(td *wit.TypeDef, fp string, path []string) (*Descriptor, error) {
	switch k := td.Kind.(type) {
	case *wit.Record:
		return m.buildFields(fp, KindRecord, recordFields(k), path)

	case *wit.Tuple:
		return m.buildFields(fp, KindTuple, tupleFields(k), path)

	case *wit.Variant:
		if len(k.Cases) == 0 {
			return nil, errors.UnsupportedType(errors.PhaseMap, path, tdName(td),
				"variant has no cases")
		}
		cases := make([]Case, len(k.Cases))
		for i, c := range k.Cases {
			cases[i].Name = c.Name
			if c.Type == nil {
				continue
			}
			cd, err := m.describeChild(c.Type, append(path, c.Name))
			if err != nil {
				return nil, err
			}
			cases[i].Type = cd
		}
		return m.buildVariant(fp, KindVariant, cases, path)

	case *wit.Enum:
		if len(k.Cases) == 0 {
			return nil, errors.UnsupportedType(errors.PhaseMap, path, tdName(td),
				"enum has no cases")
		}
		cases := make([]Case, len(k.Cases))
		for i, c := range k.Cases {
			cases[i].Name = c.Name
		}
		size := m.policy.DiscriminantSize(len(cases))
		return &Descriptor{
			Fingerprint: fp, Kind: KindEnum, Size: size, Align: size,
			Flat:     []wasm.ValType{wasm.ValI32},
			Cases:    cases,
			DiscSize: size,
		}, nil

	case *wit.Flags:
		return buildFlags(fp, k), nil

	case *wit.Option:
		inner, err := m.describeChild(k.Type, append(path, "some"))
		if err != nil {
			return nil, err
		}
		cases := []Case{{Name: "none"}, {Name: "some", Type: inner}}
		return m.buildVariant(fp, KindOption, cases, path)

	case *wit.Result:
		cases := make([]Case, 2)
		cases[0].Name = "ok"
		cases[1].Name = "error"
		if k.OK != nil {
			d, err := m.describeChild(k.OK, append(path, "ok"))
			if err != nil {
				return nil, err
			}
			cases[0].Type = d
		}
		if k.Err != nil {
			d, err := m.describeChild(k.Err, append(path, "err"))
			if err != nil {
				return nil, err
			}
			cases[1].Type = d
		}
		return m.buildVariant(fp, KindResult, cases, path)

	case *wit.List:
		elem, err := m.describeChild(k.Type, append(path, "element"))
		if err != nil {
			return nil, err
		}
		return &Descriptor{
			Fingerprint: fp, Kind: KindList, Size: 8, Align: 4,
			Flat: []wasm.ValType{wasm.ValI32, wasm.ValI32},
			Elem: elem,
		}, nil

	case *wit.Own:
		return handleDesc(fp, KindOwn, k.Type, td), nil

	case *wit.Borrow:
		return handleDesc(fp, KindBorrow, k.Type, td), nil

	default:
		return nil, errors.UnsupportedType(errors.PhaseMap, path, tdName(td),
			fmt.Sprintf("unsupported type kind %T", td.Kind))
	}
}

// describeChild resolves a nested type through the full memoizing path so
// shared inner structures reuse their descriptors. Nested failures already
// carry the offending type path from the fingerprint walk.
func (m *Mapper) describeChild(t wit.Type, _ []string) (*Descriptor, error) {
	return m.Describe(t)
}

type namedType struct {
	name string
	typ  wit.Type
}

func recordFields(r *wit.Record) []namedType {
	out := make([]namedType, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = namedType{f.Name, f.Type}
	}
	return out
}

func tupleFields(t *wit.Tuple) []namedType {
	out := make([]namedType, len(t.Types))
	for i, typ := range t.Types {
		out[i] = namedType{fmt.Sprintf("%d", i), typ}
	}
	return out
}

func (m *Mapper) buildFields(fp string, kind Kind, fields []namedType, path []string) (*Descriptor, error) {
	d := &Descriptor{Fingerprint: fp, Kind: kind, Align: 1}

	offset := uint32(0)
	for _, f := range fields {
		fd, err := m.describeChild(f.typ, append(path, f.name))
		if err != nil {
			return nil, err
		}
		offset = AlignTo(offset, fd.Align)
		d.Fields = append(d.Fields, Field{Name: f.name, Offset: offset, Type: fd})
		if fd.Align > d.Align {
			d.Align = fd.Align
		}
		next, ok := safeAddU32(offset, fd.Size)
		if !ok {
			return nil, errors.Overflow(errors.PhaseMap, append(path, f.name), offset, "u32")
		}
		offset = next
		d.Flat = append(d.Flat, fd.Flat...)
	}
	d.Size = AlignTo(offset, d.Align)
	return d, nil
}

func (m *Mapper) buildVariant(fp string, kind Kind, cases []Case, path []string) (*Descriptor, error) {
	d := &Descriptor{
		Fingerprint: fp,
		Kind:        kind,
		Cases:       cases,
		DiscSize:    m.policy.DiscriminantSize(len(cases)),
	}

	maxAlign := d.DiscSize
	maxSize := uint32(0)
	var payload []wasm.ValType
	for _, c := range cases {
		if c.Type == nil {
			continue
		}
		if c.Type.Align > maxAlign {
			maxAlign = c.Type.Align
		}
		if c.Type.Size > maxSize {
			maxSize = c.Type.Size
		}
		for i, vt := range c.Type.Flat {
			if i < len(payload) {
				payload[i] = joinFlat(payload[i], vt)
			} else {
				payload = append(payload, vt)
			}
		}
	}

	d.Align = maxAlign
	d.PayloadOffset = AlignTo(d.DiscSize, maxAlign)
	size, ok := safeAddU32(d.PayloadOffset, maxSize)
	if !ok {
		return nil, errors.Overflow(errors.PhaseMap, path, d.PayloadOffset, "u32")
	}
	d.Size = AlignTo(size, maxAlign)
	d.Flat = append([]wasm.ValType{wasm.ValI32}, payload...)
	return d, nil
}

func buildFlags(fp string, f *wit.Flags) *Descriptor {
	d := &Descriptor{Fingerprint: fp, Kind: KindFlags, FlagCount: len(f.Flags)}
	n := len(f.Flags)
	switch {
	case n == 0:
		d.Size, d.Align = 0, 1
		d.Flat = []wasm.ValType{wasm.ValI32}
	case n <= 8:
		d.Size, d.Align = 1, 1
		d.Flat = []wasm.ValType{wasm.ValI32}
	case n <= 16:
		d.Size, d.Align = 2, 2
		d.Flat = []wasm.ValType{wasm.ValI32}
	case n <= 32:
		d.Size, d.Align = 4, 4
		d.Flat = []wasm.ValType{wasm.ValI32}
	case n <= 64:
		d.Size, d.Align = 8, 8
		d.Flat = []wasm.ValType{wasm.ValI64}
	default:
		// u32 array storage beyond 64 flags
		d.Size, d.Align = uint32((n+31)/32)*4, 4
		for i := 0; i < (n+31)/32; i++ {
			d.Flat = append(d.Flat, wasm.ValI32)
		}
	}
	return d
}

func handleDesc(fp string, kind Kind, res *wit.TypeDef, td *wit.TypeDef) *Descriptor {
	return &Descriptor{
		Fingerprint: fp, Kind: kind, Size: 4, Align: 4,
		Flat:     []wasm.ValType{wasm.ValI32},
		Resource: handleName(res, td),
	}
}

// joinFlat unions two core slots for overlapping variant payloads: equal
// types keep themselves, i32/f32 share an i32 slot, anything else widens to
// i64.
func joinFlat(a, b wasm.ValType) wasm.ValType {
	if a == b {
		return a
	}
	if (a == wasm.ValI32 && b == wasm.ValF32) || (a == wasm.ValF32 && b == wasm.ValI32) {
		return wasm.ValI32
	}
	return wasm.ValI64
}
