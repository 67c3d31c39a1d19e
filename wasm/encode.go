package wasm

import (
	"bytes"
	"encoding/binary"
)

// Encode serializes the module to WebAssembly binary format.
func (m *Module) Encode() []byte {
	var w bytes.Buffer

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], Magic)
	binary.LittleEndian.PutUint32(header[4:], Version)
	w.Write(header[:])

	if len(m.Types) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Types)))
		for _, ft := range m.Types {
			sec.WriteByte(FuncTypeByte)
			writeValTypes(&sec, ft.Params)
			writeValTypes(&sec, ft.Results)
		}
		writeSection(&w, SectionType, sec.Bytes())
	}

	if len(m.Imports) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			writeName(&sec, imp.Module)
			writeName(&sec, imp.Name)
			sec.WriteByte(imp.Desc.Kind)
			switch imp.Desc.Kind {
			case KindFunc:
				WriteU32(&sec, imp.Desc.TypeIdx)
			case KindTable:
				if imp.Desc.Table != nil {
					writeTableType(&sec, *imp.Desc.Table)
				}
			case KindMemory:
				if imp.Desc.Memory != nil {
					writeLimits(&sec, imp.Desc.Memory.Limits)
				}
			case KindGlobal:
				if imp.Desc.Global != nil {
					writeGlobalType(&sec, *imp.Desc.Global)
				}
			}
		}
		writeSection(&w, SectionImport, sec.Bytes())
	}

	if len(m.Funcs) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Funcs)))
		for _, typeIdx := range m.Funcs {
			WriteU32(&sec, typeIdx)
		}
		writeSection(&w, SectionFunction, sec.Bytes())
	}

	if len(m.Tables) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Tables)))
		for _, t := range m.Tables {
			writeTableType(&sec, t)
		}
		writeSection(&w, SectionTable, sec.Bytes())
	}

	if len(m.Memories) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Memories)))
		for _, mem := range m.Memories {
			writeLimits(&sec, mem.Limits)
		}
		writeSection(&w, SectionMemory, sec.Bytes())
	}

	if len(m.Globals) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(&sec, g.Type)
			sec.Write(g.Init)
		}
		writeSection(&w, SectionGlobal, sec.Bytes())
	}

	if len(m.Exports) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Exports)))
		for _, exp := range m.Exports {
			writeName(&sec, exp.Name)
			sec.WriteByte(exp.Kind)
			WriteU32(&sec, exp.Idx)
		}
		writeSection(&w, SectionExport, sec.Bytes())
	}

	if m.Start != nil {
		var sec bytes.Buffer
		WriteU32(&sec, *m.Start)
		writeSection(&w, SectionStart, sec.Bytes())
	}

	if len(m.Elements) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Elements)))
		for _, elem := range m.Elements {
			WriteU32(&sec, elem.Flags)
			if elem.Flags == 2 {
				WriteU32(&sec, elem.TableIdx)
			}
			if elem.Flags == 0 || elem.Flags == 2 {
				sec.Write(elem.Offset)
			}
			if elem.Flags != 0 {
				sec.WriteByte(elem.ElemKind)
			}
			WriteU32(&sec, uint32(len(elem.FuncIdxs)))
			for _, idx := range elem.FuncIdxs {
				WriteU32(&sec, idx)
			}
		}
		writeSection(&w, SectionElement, sec.Bytes())
	}

	// DataCount must precede Code when present.
	if m.DataCount != nil {
		var sec bytes.Buffer
		WriteU32(&sec, *m.DataCount)
		writeSection(&w, SectionDataCount, sec.Bytes())
	}

	if len(m.Code) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Code)))
		for _, body := range m.Code {
			var b bytes.Buffer
			WriteU32(&b, uint32(len(body.Locals)))
			for _, local := range body.Locals {
				WriteU32(&b, local.Count)
				b.WriteByte(byte(local.ValType))
			}
			b.Write(body.Code)
			WriteU32(&sec, uint32(b.Len()))
			sec.Write(b.Bytes())
		}
		writeSection(&w, SectionCode, sec.Bytes())
	}

	if len(m.Data) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Data)))
		for _, d := range m.Data {
			WriteU32(&sec, d.Flags)
			if d.Flags == 2 {
				WriteU32(&sec, d.MemIdx)
			}
			if d.Flags != 1 {
				sec.Write(d.Offset)
			}
			WriteU32(&sec, uint32(len(d.Init)))
			sec.Write(d.Init)
		}
		writeSection(&w, SectionData, sec.Bytes())
	}

	for _, cs := range m.CustomSections {
		var sec bytes.Buffer
		writeName(&sec, cs.Name)
		sec.Write(cs.Data)
		writeSection(&w, SectionCustom, sec.Bytes())
	}

	return w.Bytes()
}

func writeSection(w *bytes.Buffer, id byte, data []byte) {
	w.WriteByte(id)
	WriteU32(w, uint32(len(data)))
	w.Write(data)
}

func writeName(w *bytes.Buffer, s string) {
	WriteU32(w, uint32(len(s)))
	w.WriteString(s)
}

func writeValTypes(w *bytes.Buffer, types []ValType) {
	WriteU32(w, uint32(len(types)))
	for _, t := range types {
		w.WriteByte(byte(t))
	}
}

func writeLimits(w *bytes.Buffer, l Limits) {
	var flags byte
	if l.Max != nil {
		flags |= LimitsHasMax
	}
	if l.Shared {
		flags |= LimitsShared
	}
	w.WriteByte(flags)
	WriteU32(w, uint32(l.Min))
	if l.Max != nil {
		WriteU32(w, uint32(*l.Max))
	}
}

func writeTableType(w *bytes.Buffer, t TableType) {
	w.WriteByte(t.ElemType)
	writeLimits(w, t.Limits)
}

func writeGlobalType(w *bytes.Buffer, g GlobalType) {
	w.WriteByte(byte(g.ValType))
	if g.Mutable {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}
