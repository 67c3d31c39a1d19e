package wasm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// ParseModule parses a core WebAssembly binary module.
func ParseModule(data []byte) (*Module, error) {
	if len(data) < 8 {
		return nil, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(data[4:8]) != Version {
		return nil, ErrInvalidVersion
	}

	r := bytes.NewReader(data[8:])
	m := &Module{}
	var lastSection byte

	for {
		sectionID, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("section header: %w", err)
		}

		// Non-custom sections must appear in canonical order. DataCount (12)
		// sits between Element (9) and Code (10).
		if sectionID != SectionCustom {
			if sectionOrder(sectionID) <= sectionOrder(lastSection) && lastSection != 0 {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSection = sectionID
		}

		size, err := ReadU32(r)
		if err != nil {
			return nil, fmt.Errorf("section size: %w", err)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("section %d payload: %w", sectionID, err)
		}
		sr := bytes.NewReader(payload)

		switch sectionID {
		case SectionCustom:
			err = parseCustom(sr, m)
		case SectionType:
			err = parseTypes(sr, m)
		case SectionImport:
			err = parseImports(sr, m)
		case SectionFunction:
			err = parseFunctions(sr, m)
		case SectionTable:
			err = parseTables(sr, m)
		case SectionMemory:
			err = parseMemories(sr, m)
		case SectionGlobal:
			err = parseGlobals(sr, m)
		case SectionExport:
			err = parseExports(sr, m)
		case SectionStart:
			err = parseStart(sr, m)
		case SectionElement:
			err = parseElements(sr, m)
		case SectionCode:
			err = parseCode(sr, m)
		case SectionData:
			err = parseData(sr, m)
		case SectionDataCount:
			err = parseDataCount(sr, m)
		default:
			return nil, fmt.Errorf("unknown section ID 0x%02x", sectionID)
		}
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", sectionID, err)
		}
	}

	return m, nil
}

func sectionOrder(id byte) int {
	switch id {
	case SectionDataCount:
		return int(SectionCode)*2 - 1 // between Element and Code
	default:
		return int(id) * 2
	}
}

func parseCustom(r *bytes.Reader, m *Module) error {
	name, err := readName(r)
	if err != nil {
		return err
	}
	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: rest})
	return nil
}

func parseTypes(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return fmt.Errorf("type %d: expected functype (0x60), got 0x%02x", i, form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types[i] = FuncType{Params: params, Results: results}
	}
	return nil
}

func parseImports(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		mod, err := readName(r)
		if err != nil {
			return err
		}
		name, err := readName(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		desc := ImportDesc{Kind: kind}
		switch kind {
		case KindFunc:
			desc.TypeIdx, err = ReadU32(r)
		case KindTable:
			var t TableType
			t, err = readTableType(r)
			desc.Table = &t
		case KindMemory:
			var l Limits
			l, err = readLimits(r)
			desc.Memory = &MemoryType{Limits: l}
		case KindGlobal:
			var g GlobalType
			g, err = readGlobalType(r)
			desc.Global = &g
		default:
			return fmt.Errorf("import %d: unknown kind 0x%02x", i, kind)
		}
		if err != nil {
			return err
		}
		m.Imports = append(m.Imports, Import{Module: mod, Name: name, Desc: desc})
	}
	return nil
}

func parseFunctions(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		if m.Funcs[i], err = ReadU32(r); err != nil {
			return err
		}
	}
	return nil
}

func parseTables(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Tables = make([]TableType, count)
	for i := uint32(0); i < count; i++ {
		if m.Tables[i], err = readTableType(r); err != nil {
			return err
		}
	}
	return nil
}

func parseMemories(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Memories = make([]MemoryType, count)
	for i := uint32(0); i < count; i++ {
		l, err := readLimits(r)
		if err != nil {
			return err
		}
		m.Memories[i] = MemoryType{Limits: l}
	}
	return nil
}

func parseGlobals(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Globals = make([]Global, count)
	for i := uint32(0); i < count; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readConstExpr(r)
		if err != nil {
			return err
		}
		m.Globals[i] = Global{Type: gt, Init: init}
	}
	return nil
}

func parseExports(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Exports = make([]Export, count)
	for i := uint32(0); i < count; i++ {
		name, err := readName(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		idx, err := ReadU32(r)
		if err != nil {
			return err
		}
		m.Exports[i] = Export{Name: name, Kind: kind, Idx: idx}
	}
	return nil
}

func parseStart(r *bytes.Reader, m *Module) error {
	idx, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElements(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Elements = make([]Element, count)
	for i := uint32(0); i < count; i++ {
		flags, err := ReadU32(r)
		if err != nil {
			return err
		}
		if flags > 3 {
			return fmt.Errorf("element %d: expression form (flags %d) not supported", i, flags)
		}
		elem := Element{Flags: flags}
		if flags == 2 {
			if elem.TableIdx, err = ReadU32(r); err != nil {
				return err
			}
		}
		if flags == 0 || flags == 2 {
			if elem.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}
		if flags != 0 {
			if elem.ElemKind, err = r.ReadByte(); err != nil {
				return err
			}
		}
		n, err := ReadU32(r)
		if err != nil {
			return err
		}
		elem.FuncIdxs = make([]uint32, n)
		for j := uint32(0); j < n; j++ {
			if elem.FuncIdxs[j], err = ReadU32(r); err != nil {
				return err
			}
		}
		m.Elements[i] = elem
	}
	return nil
}

func parseCode(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, count)
	for i := uint32(0); i < count; i++ {
		size, err := ReadU32(r)
		if err != nil {
			return err
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}
		br := bytes.NewReader(body)
		localCount, err := ReadU32(br)
		if err != nil {
			return err
		}
		locals := make([]LocalEntry, localCount)
		for j := uint32(0); j < localCount; j++ {
			n, err := ReadU32(br)
			if err != nil {
				return err
			}
			vt, err := br.ReadByte()
			if err != nil {
				return err
			}
			locals[j] = LocalEntry{Count: n, ValType: ValType(vt)}
		}
		code := make([]byte, br.Len())
		if _, err := io.ReadFull(br, code); err != nil {
			return err
		}
		m.Code[i] = FuncBody{Locals: locals, Code: code}
	}
	return nil
}

func parseData(r *bytes.Reader, m *Module) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.Data = make([]DataSegment, count)
	for i := uint32(0); i < count; i++ {
		flags, err := ReadU32(r)
		if err != nil {
			return err
		}
		if flags > 2 {
			return fmt.Errorf("data %d: unknown flags %d", i, flags)
		}
		seg := DataSegment{Flags: flags}
		if flags == 2 {
			if seg.MemIdx, err = ReadU32(r); err != nil {
				return err
			}
		}
		if flags != 1 {
			if seg.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}
		n, err := ReadU32(r)
		if err != nil {
			return err
		}
		seg.Init = make([]byte, n)
		if _, err := io.ReadFull(r, seg.Init); err != nil {
			return err
		}
		m.Data[i] = seg
	}
	return nil
}

func parseDataCount(r *bytes.Reader, m *Module) error {
	n, err := ReadU32(r)
	if err != nil {
		return err
	}
	m.DataCount = &n
	return nil
}

func readName(r *bytes.Reader) (string, error) {
	length, err := ReadU32(r)
	if err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.New("invalid UTF-8 in name")
	}
	return string(data), nil
}

func readValTypes(r *bytes.Reader) ([]ValType, error) {
	count, err := ReadU32(r)
	if err != nil {
		return nil, err
	}
	types := make([]ValType, count)
	for i := uint32(0); i < count; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		types[i] = ValType(b)
	}
	return types, nil
}

func readLimits(r *bytes.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags&LimitsMemory64 != 0 {
		return Limits{}, errors.New("memory64 limits not supported")
	}
	min, err := ReadU32(r)
	if err != nil {
		return Limits{}, err
	}
	l := Limits{Min: uint64(min), Shared: flags&LimitsShared != 0}
	if flags&LimitsHasMax != 0 {
		max, err := ReadU32(r)
		if err != nil {
			return Limits{}, err
		}
		max64 := uint64(max)
		l.Max = &max64
	}
	return l, nil
}

func readTableType(r *bytes.Reader) (TableType, error) {
	elemType, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	limits, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: elemType, Limits: limits}, nil
}

func readGlobalType(r *bytes.Reader) (GlobalType, error) {
	vt, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	return GlobalType{ValType: ValType(vt), Mutable: mut == 1}, nil
}

// readConstExpr reads a constant initializer expression including its end
// opcode. Only the const-expression subset is accepted.
func readConstExpr(r *bytes.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(op)
		switch op {
		case OpEnd:
			return buf.Bytes(), nil
		case OpI32Const:
			v, err := ReadS32(r)
			if err != nil {
				return nil, err
			}
			WriteS32(&buf, v)
		case OpI64Const:
			v, err := ReadS64(r)
			if err != nil {
				return nil, err
			}
			WriteS64(&buf, v)
		case OpF32Const:
			raw := make([]byte, 4)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, err
			}
			buf.Write(raw)
		case OpF64Const:
			raw := make([]byte, 8)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, err
			}
			buf.Write(raw)
		case OpGlobalGet, OpRefFunc:
			idx, err := ReadU32(r)
			if err != nil {
				return nil, err
			}
			WriteU32(&buf, idx)
		case OpRefNull:
			ht, err := ReadS64(r)
			if err != nil {
				return nil, err
			}
			WriteS64(&buf, ht)
		default:
			return nil, fmt.Errorf("unexpected opcode 0x%02x in constant expression", op)
		}
	}
}
