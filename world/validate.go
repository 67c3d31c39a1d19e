package world

import (
	"strconv"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/componentize/errors"
)

// Validate checks structural constraints the rest of the pipeline relies on:
//
//   - no type recurses into itself by value; cycles must pass through an
//     own or borrow handle
//   - flags types declare at most 64 labels
//   - function names are unique within an interface
//   - resource functions reference resources declared in their interface
//   - interface names are unique within imports and within exports
func Validate(w *World) error {
	if err := validateInterfaces(w.Imports, "imports"); err != nil {
		return err
	}
	if err := validateInterfaces(w.Exports, "exports"); err != nil {
		return err
	}

	checker := &recursionChecker{
		channels: w.Channels,
		state:    make(map[*wit.TypeDef]int),
	}
	return w.EachFunction(func(iface *Interface, fn *Function, _ bool) error {
		base := []string{iface.Name, fn.WitName()}
		for _, p := range fn.Params {
			if err := checker.check(p.Type, append(base, p.Name)); err != nil {
				return err
			}
		}
		if fn.Result != nil {
			if err := checker.check(fn.Result, append(base, "result")); err != nil {
				return err
			}
		}
		return nil
	})
}

func validateInterfaces(ifaces []*Interface, section string) error {
	names := make(map[string]bool)
	for _, iface := range ifaces {
		if names[iface.Name] {
			return errors.New(errors.PhaseResolve, errors.KindInvalidInput).
				Path(section, iface.Name).
				Detail("duplicate interface name").
				Build()
		}
		names[iface.Name] = true

		fnNames := make(map[string]bool)
		for _, fn := range iface.Functions {
			wn := fn.WitName()
			if fnNames[wn] {
				return errors.New(errors.PhaseResolve, errors.KindInvalidInput).
					Path(iface.Name, wn).
					Detail("duplicate function name").
					Build()
			}
			fnNames[wn] = true

			if fn.Kind != KindFreestanding {
				if fn.Resource == nil || iface.Resource(fn.Resource.Name) == nil {
					return errors.New(errors.PhaseResolve, errors.KindInvalidInput).
						Path(iface.Name, wn).
						Detail("%s function without a declared resource", fn.Kind).
						Build()
				}
			}

			paramNames := make(map[string]bool)
			for _, p := range fn.Params {
				if paramNames[p.Name] {
					return errors.New(errors.PhaseResolve, errors.KindInvalidInput).
						Path(iface.Name, wn, p.Name).
						Detail("duplicate parameter name").
						Build()
				}
				paramNames[p.Name] = true
			}
		}
	}
	return nil
}

const (
	visitInProgress = 1
	visitDone       = 2
)

type recursionChecker struct {
	channels map[*wit.TypeDef]ChannelKind
	state    map[*wit.TypeDef]int
}

func (c *recursionChecker) check(t wit.Type, path []string) error {
	td, ok := t.(*wit.TypeDef)
	if !ok {
		return nil // primitives cannot recurse
	}

	switch c.state[td] {
	case visitDone:
		return nil
	case visitInProgress:
		return errors.UnsupportedType(errors.PhaseResolve, path, typeName(td),
			"type recurses into itself by value; break the cycle with a handle")
	}

	// Channel and handle typedefs are i32 handles; they terminate recursion.
	if _, isChannel := c.channels[td]; isChannel {
		return nil
	}

	c.state[td] = visitInProgress
	defer func() { c.state[td] = visitDone }()

	switch k := td.Kind.(type) {
	case *wit.Record:
		for _, f := range k.Fields {
			if err := c.check(f.Type, append(path, f.Name)); err != nil {
				return err
			}
		}
	case *wit.Variant:
		for _, cs := range k.Cases {
			if cs.Type == nil {
				continue
			}
			if err := c.check(cs.Type, append(path, cs.Name)); err != nil {
				return err
			}
		}
	case *wit.Option:
		return c.check(k.Type, append(path, "some"))
	case *wit.Result:
		if k.OK != nil {
			if err := c.check(k.OK, append(path, "ok")); err != nil {
				return err
			}
		}
		if k.Err != nil {
			if err := c.check(k.Err, append(path, "err")); err != nil {
				return err
			}
		}
	case *wit.Tuple:
		for i, t := range k.Types {
			if err := c.check(t, append(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}
	case *wit.List:
		// Lists are by-value in the type graph even though their elements
		// live out of line.
		return c.check(k.Type, append(path, "element"))
	case *wit.Flags:
		if len(k.Flags) > 64 {
			return errors.UnsupportedType(errors.PhaseResolve, path, typeName(td),
				"flags with more than 64 labels; split them across several flags types")
		}
	case *wit.Own, *wit.Borrow:
		// handles terminate recursion
	}
	return nil
}

func typeName(td *wit.TypeDef) string {
	if td.Name != nil {
		return *td.Name
	}
	switch td.Kind.(type) {
	case *wit.Record:
		return "record"
	case *wit.Variant:
		return "variant"
	case *wit.Enum:
		return "enum"
	case *wit.Flags:
		return "flags"
	case *wit.Option:
		return "option"
	case *wit.Result:
		return "result"
	case *wit.Tuple:
		return "tuple"
	case *wit.List:
		return "list"
	case *wit.Own:
		return "own"
	case *wit.Borrow:
		return "borrow"
	default:
		return "type"
	}
}
