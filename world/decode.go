package world

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/componentize/errors"
)

// JSON wire form produced by the external resolver.
type worldJSON struct {
	Name    string                     `json:"name"`
	Types   map[string]json.RawMessage `json:"types"`
	Imports []ifaceJSON                `json:"imports"`
	Exports []ifaceJSON                `json:"exports"`
}

type ifaceJSON struct {
	Name      string     `json:"name"`
	Resources []string   `json:"resources"`
	Functions []funcJSON `json:"functions"`
}

type funcJSON struct {
	Name     string          `json:"name"`
	Kind     string          `json:"kind"`
	Resource string          `json:"resource"`
	Params   []paramJSON     `json:"params"`
	Result   json.RawMessage `json:"result"`
}

type paramJSON struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

type typeJSON struct {
	Kind     string          `json:"kind"`
	Name     string          `json:"name"`
	Element  json.RawMessage `json:"element"`
	OK       json.RawMessage `json:"ok"`
	Err      json.RawMessage `json:"err"`
	Items    []json.RawMessage `json:"items"`
	Fields   []paramJSON       `json:"fields"`
	Cases    []caseJSON        `json:"cases"`
	Flags    []string          `json:"flags"`
	Resource string            `json:"resource"`
}

type caseJSON struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

// Decode reads a resolver-produced world description.
func Decode(data []byte) (*World, error) {
	var wj worldJSON
	if err := json.Unmarshal(data, &wj); err != nil {
		return nil, errors.Wrap(errors.PhaseResolve, errors.KindInvalidInput, err, "parse world description")
	}
	if wj.Name == "" {
		return nil, errors.InvalidInput(errors.PhaseResolve, "world has no name")
	}

	d := &decoder{
		world: &World{
			Name:     wj.Name,
			Types:    make(map[string]*wit.TypeDef),
			Channels: make(map[*wit.TypeDef]ChannelKind),
		},
		raw:       wj.Types,
		resources: make(map[string]bool),
	}

	// First pass: allocate an identity for every named type so references,
	// including recursive ones through handles, resolve to one TypeDef.
	names := make([]string, 0, len(wj.Types))
	for name := range wj.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n := name
		d.world.Types[name] = &wit.TypeDef{Name: &n}
	}

	// Second pass: fill in kinds.
	for _, name := range names {
		if err := d.fillNamed(name); err != nil {
			return nil, err
		}
	}

	var err error
	if d.world.Imports, err = d.interfaces(wj.Imports); err != nil {
		return nil, err
	}
	if d.world.Exports, err = d.interfaces(wj.Exports); err != nil {
		return nil, err
	}

	return d.world, nil
}

// Load reads a world description from a file.
func Load(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseResolve, errors.KindInvalidInput, err, "read world description")
	}
	return Decode(data)
}

type decoder struct {
	world     *World
	raw       map[string]json.RawMessage
	resources map[string]bool
}

func (d *decoder) fillNamed(name string) error {
	var tj typeJSON
	if err := json.Unmarshal(d.raw[name], &tj); err != nil {
		return errors.Wrap(errors.PhaseResolve, errors.KindInvalidInput, err, fmt.Sprintf("type %q", name))
	}
	td := d.world.Types[name]

	switch tj.Kind {
	case "resource":
		// A resource typedef has no structural body; values of it travel
		// as own/borrow handles.
		d.resources[name] = true
		return nil
	case "stream":
		d.world.Channels[td] = ChannelStream
		td.Kind = &wit.Own{}
		return nil
	case "future":
		d.world.Channels[td] = ChannelFuture
		td.Kind = &wit.Own{}
		return nil
	}

	kind, err := d.kind(&tj, []string{name})
	if err != nil {
		return err
	}
	td.Kind = kind
	return nil
}

// typ resolves a type reference: either a JSON string (primitive name or
// named type) or an inline type object.
func (d *decoder) typ(raw json.RawMessage, path []string) (wit.Type, error) {
	if len(raw) == 0 {
		return nil, errors.InvalidInput(errors.PhaseResolve, "missing type at "+pathStr(path))
	}

	if raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, errors.Wrap(errors.PhaseResolve, errors.KindInvalidInput, err, "type reference")
		}
		if prim, ok := primitive(name); ok {
			return prim, nil
		}
		if td, ok := d.world.Types[name]; ok {
			if d.resources[name] {
				return nil, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
					Path(path...).
					Detail("resource %q used by value; wrap it in own or borrow", name).
					Build()
			}
			return td, nil
		}
		return nil, errors.New(errors.PhaseResolve, errors.KindNotFound).
			Path(path...).
			Detail("unknown type %q", name).
			Build()
	}

	var tj typeJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return nil, errors.Wrap(errors.PhaseResolve, errors.KindInvalidInput, err, "inline type at "+pathStr(path))
	}
	kind, err := d.kind(&tj, path)
	if err != nil {
		return nil, err
	}

	td := &wit.TypeDef{Kind: kind}
	if tj.Name != "" {
		n := tj.Name
		td.Name = &n
	}
	if tj.Kind == "stream" {
		d.world.Channels[td] = ChannelStream
	} else if tj.Kind == "future" {
		d.world.Channels[td] = ChannelFuture
	}
	return td, nil
}

func (d *decoder) kind(tj *typeJSON, path []string) (wit.TypeDefKind, error) {
	switch tj.Kind {
	case "list":
		elem, err := d.typ(tj.Element, append(path, "element"))
		if err != nil {
			return nil, err
		}
		return &wit.List{Type: elem}, nil

	case "option":
		elem, err := d.typ(tj.Element, append(path, "element"))
		if err != nil {
			return nil, err
		}
		return &wit.Option{Type: elem}, nil

	case "result":
		res := &wit.Result{}
		if len(tj.OK) > 0 {
			ok, err := d.typ(tj.OK, append(path, "ok"))
			if err != nil {
				return nil, err
			}
			res.OK = ok
		}
		if len(tj.Err) > 0 {
			e, err := d.typ(tj.Err, append(path, "err"))
			if err != nil {
				return nil, err
			}
			res.Err = e
		}
		return res, nil

	case "tuple":
		types := make([]wit.Type, len(tj.Items))
		for i, item := range tj.Items {
			t, err := d.typ(item, append(path, fmt.Sprintf("%d", i)))
			if err != nil {
				return nil, err
			}
			types[i] = t
		}
		return &wit.Tuple{Types: types}, nil

	case "record":
		fields := make([]wit.Field, len(tj.Fields))
		for i, f := range tj.Fields {
			t, err := d.typ(f.Type, append(path, f.Name))
			if err != nil {
				return nil, err
			}
			fields[i] = wit.Field{Name: f.Name, Type: t}
		}
		return &wit.Record{Fields: fields}, nil

	case "variant":
		cases := make([]wit.Case, len(tj.Cases))
		for i, c := range tj.Cases {
			cases[i] = wit.Case{Name: c.Name}
			if len(c.Type) > 0 {
				t, err := d.typ(c.Type, append(path, c.Name))
				if err != nil {
					return nil, err
				}
				cases[i].Type = t
			}
		}
		return &wit.Variant{Cases: cases}, nil

	case "enum":
		cases := make([]wit.EnumCase, len(tj.Cases))
		for i, c := range tj.Cases {
			cases[i] = wit.EnumCase{Name: c.Name}
		}
		return &wit.Enum{Cases: cases}, nil

	case "flags":
		flags := make([]wit.Flag, len(tj.Flags))
		for i, f := range tj.Flags {
			flags[i] = wit.Flag{Name: f}
		}
		return &wit.Flags{Flags: flags}, nil

	case "own", "borrow":
		td, ok := d.world.Types[tj.Resource]
		if !ok || !d.resources[tj.Resource] {
			return nil, errors.New(errors.PhaseResolve, errors.KindNotFound).
				Path(path...).
				Detail("unknown resource %q", tj.Resource).
				Build()
		}
		if tj.Kind == "own" {
			return &wit.Own{Type: td}, nil
		}
		return &wit.Borrow{Type: td}, nil

	case "stream", "future":
		// Channel payload types are runtime-checked; at the boundary a
		// channel is an i32 handle.
		return &wit.Own{}, nil

	default:
		return nil, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
			Path(path...).
			Detail("unknown type kind %q", tj.Kind).
			Build()
	}
}

func (d *decoder) interfaces(raws []ifaceJSON) ([]*Interface, error) {
	ifaces := make([]*Interface, 0, len(raws))
	for _, ij := range raws {
		iface := &Interface{Name: ij.Name}

		for _, rname := range ij.Resources {
			td, ok := d.world.Types[rname]
			if !ok || !d.resources[rname] {
				return nil, errors.New(errors.PhaseResolve, errors.KindNotFound).
					Path(ij.Name).
					Detail("unknown resource %q", rname).
					Build()
			}
			iface.Resources = append(iface.Resources, &Resource{Name: rname, Type: td})
		}

		for _, fj := range ij.Functions {
			fn, err := d.function(iface, fj)
			if err != nil {
				return nil, err
			}
			iface.Functions = append(iface.Functions, fn)
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

func (d *decoder) function(iface *Interface, fj funcJSON) (*Function, error) {
	fn := &Function{Name: fj.Name}
	path := []string{iface.Name, fj.Name}

	switch fj.Kind {
	case "", "freestanding":
		fn.Kind = KindFreestanding
	case "method":
		fn.Kind = KindMethod
	case "static":
		fn.Kind = KindStatic
	case "constructor":
		fn.Kind = KindConstructor
	default:
		return nil, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
			Path(path...).
			Detail("unknown function kind %q", fj.Kind).
			Build()
	}

	if fn.Kind != KindFreestanding {
		fn.Resource = iface.Resource(fj.Resource)
		if fn.Resource == nil {
			return nil, errors.New(errors.PhaseResolve, errors.KindNotFound).
				Path(path...).
				Detail("resource %q not declared in interface %q", fj.Resource, iface.Name).
				Build()
		}
	}

	// Methods take an implicit borrowed self as the first parameter.
	if fn.Kind == KindMethod {
		fn.Params = append(fn.Params, Param{
			Name: "self",
			Type: &wit.TypeDef{Kind: &wit.Borrow{Type: fn.Resource.Type}},
		})
	}

	for _, pj := range fj.Params {
		t, err := d.typ(pj.Type, append(path, pj.Name))
		if err != nil {
			return nil, err
		}
		fn.Params = append(fn.Params, Param{Name: pj.Name, Type: t})
	}

	// Constructors implicitly return an owned handle.
	if fn.Kind == KindConstructor {
		if len(fj.Result) > 0 {
			return nil, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
				Path(path...).
				Detail("constructor declares an explicit result").
				Build()
		}
		fn.Result = &wit.TypeDef{Kind: &wit.Own{Type: fn.Resource.Type}}
		return fn, nil
	}

	if len(fj.Result) > 0 {
		t, err := d.typ(fj.Result, append(path, "result"))
		if err != nil {
			return nil, err
		}
		fn.Result = t
	}
	return fn, nil
}

func primitive(name string) (wit.Type, bool) {
	switch name {
	case "bool":
		return wit.Bool{}, true
	case "u8":
		return wit.U8{}, true
	case "s8":
		return wit.S8{}, true
	case "u16":
		return wit.U16{}, true
	case "s16":
		return wit.S16{}, true
	case "u32":
		return wit.U32{}, true
	case "s32":
		return wit.S32{}, true
	case "u64":
		return wit.U64{}, true
	case "s64":
		return wit.S64{}, true
	case "f32":
		return wit.F32{}, true
	case "f64":
		return wit.F64{}, true
	case "char":
		return wit.Char{}, true
	case "string":
		return wit.String{}, true
	default:
		return nil, false
	}
}

func pathStr(path []string) string {
	s := ""
	for i, p := range path {
		if i > 0 {
			s += "."
		}
		s += p
	}
	return s
}
