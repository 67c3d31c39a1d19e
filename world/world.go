// Package world models the resolved world a component is built against:
// named interfaces of functions and resources over the WIT structural type
// graph. Worlds arrive pre-resolved from an external resolver; this package
// loads, indexes and validates them but never parses IDL text.
package world

import (
	"go.bytecodealliance.org/wit"
)

// FuncKind distinguishes how a function relates to a resource.
type FuncKind int

const (
	KindFreestanding FuncKind = iota
	KindMethod
	KindStatic
	KindConstructor
)

func (k FuncKind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindStatic:
		return "static"
	case KindConstructor:
		return "constructor"
	default:
		return "freestanding"
	}
}

// ChannelKind marks a handle type as a deferred-value channel.
type ChannelKind int

const (
	ChannelStream ChannelKind = iota + 1
	ChannelFuture
)

// World is a resolved set of imported and exported interfaces.
type World struct {
	Name    string
	Imports []*Interface
	Exports []*Interface

	// Types holds the world's named type definitions.
	Types map[string]*wit.TypeDef

	// Channels marks handle typedefs that carry stream or future semantics.
	// Channel values travel as i32 handles like resources do.
	Channels map[*wit.TypeDef]ChannelKind
}

// Interface is a named group of functions and resources.
type Interface struct {
	Name      string
	Functions []*Function
	Resources []*Resource
}

// Resource is a declared resource type within an interface.
type Resource struct {
	Name string
	Type *wit.TypeDef
}

// Function is a single importable or exportable operation.
type Function struct {
	Name     string
	Kind     FuncKind
	Resource *Resource // set for method/static/constructor
	Params   []Param
	Result   wit.Type // nil means no result
}

// Param is a named function parameter.
type Param struct {
	Name string
	Type wit.Type
}

// WitName returns the function's name in component-model form:
// "[method]counter.increment", "[constructor]counter", or the plain name.
func (f *Function) WitName() string {
	switch f.Kind {
	case KindMethod:
		return "[method]" + f.Resource.Name + "." + f.Name
	case KindStatic:
		return "[static]" + f.Resource.Name + "." + f.Name
	case KindConstructor:
		return "[constructor]" + f.Resource.Name
	default:
		return f.Name
	}
}

// Resource returns the declared resource with the given name, or nil.
func (i *Interface) Resource(name string) *Resource {
	for _, r := range i.Resources {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Function returns the function with the given component-model name, or nil.
func (i *Interface) Function(witName string) *Function {
	for _, f := range i.Functions {
		if f.WitName() == witName {
			return f
		}
	}
	return nil
}

// Export returns the exported interface with the given name, or nil.
func (w *World) Export(name string) *Interface {
	return findInterface(w.Exports, name)
}

// Import returns the imported interface with the given name, or nil.
func (w *World) Import(name string) *Interface {
	return findInterface(w.Imports, name)
}

func findInterface(ifaces []*Interface, name string) *Interface {
	for _, i := range ifaces {
		if i.Name == name {
			return i
		}
	}
	return nil
}

// ChannelKindOf reports whether t is a stream or future handle typedef.
func (w *World) ChannelKindOf(t wit.Type) (ChannelKind, bool) {
	td, ok := t.(*wit.TypeDef)
	if !ok {
		return 0, false
	}
	k, ok := w.Channels[td]
	return k, ok
}

// EachFunction visits every function in every interface, imports first.
func (w *World) EachFunction(visit func(iface *Interface, fn *Function, imported bool) error) error {
	for _, iface := range w.Imports {
		for _, fn := range iface.Functions {
			if err := visit(iface, fn, true); err != nil {
				return err
			}
		}
	}
	for _, iface := range w.Exports {
		for _, fn := range iface.Functions {
			if err := visit(iface, fn, false); err != nil {
				return err
			}
		}
	}
	return nil
}
