package bridge

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/componentize/errors"
)

// Func is an application-level callable behind a world export. Returning a
// *Raised error surfaces the value as the declared error case; any other
// error traps the instance.
type Func func(ctx context.Context, call *Call) (*Value, error)

// Call carries one dispatched invocation.
type Call struct {
	Name   string
	Args   []*Value
	interp *Interp
}

// Arg returns the i'th argument, nil when out of range.
func (c *Call) Arg(i int) *Value {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Rep resolves a resource value to its representation. Borrows are
// epoch-checked: using one after its originating call returned fails with
// a borrow-expired error.
func (c *Call) Rep(v *Value) (uint32, error) {
	switch {
	case v == nil:
		return 0, errors.Trap(errors.KindInvalidInput, "nil resource value")
	case v.Kind == ValOwn:
		return v.Rep, nil
	case v.Kind == ValBorrow:
		if err := c.interp.handles.CheckBorrow(v); err != nil {
			return 0, err
		}
		return v.Rep, nil
	default:
		return 0, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Detail("%s value where resource expected", v.Kind).
			Build()
	}
}

// Streams exposes the instance channel table to callables.
func (c *Call) Streams() *Streams { return c.interp.streams }

// Raised is an application exception carrying a declared-error payload.
type Raised struct {
	Payload *Value
}

func (e *Raised) Error() string {
	return fmt.Sprintf("raised %s", e.Payload.Kind)
}

// Raise wraps a value as an application-level exception. The export
// trampoline lowers it into the declared result error case; a function
// without one traps.
func Raise(payload *Value) error {
	return &Raised{Payload: payload}
}

// HostFunc is one raw world-import implementation registered under the
// importing interface's module name, operating at the core ABI.
type HostFunc struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      api.GoModuleFunc
}

// Registry collects everything the instance links against: exported
// callables in world export order, per-resource destructors, and host
// implementations of imported interfaces.
type Registry struct {
	exports []exportEntry
	dtors   map[uint32]func(rep uint32)
	hosts   map[string][]HostFunc
}

type exportEntry struct {
	name string
	fn   Func
}

func NewRegistry() *Registry {
	return &Registry{
		dtors: make(map[uint32]func(rep uint32)),
		hosts: make(map[string][]HostFunc),
	}
}

// Export registers the callable for the next dispatch slot. Registration
// order must match the world's export order, which is also the generator's
// dispatch numbering.
func (r *Registry) Export(name string, fn Func) *Registry {
	r.exports = append(r.exports, exportEntry{name: name, fn: fn})
	return r
}

// Dtor registers the destructor for a resource index.
func (r *Registry) Dtor(ridx uint32, fn func(rep uint32)) *Registry {
	r.dtors[ridx] = fn
	return r
}

// Host registers a raw implementation of one imported world function.
func (r *Registry) Host(module string, hf HostFunc) *Registry {
	r.hosts[module] = append(r.hosts[module], hf)
	return r
}

func (r *Registry) export(slot uint32) (exportEntry, bool) {
	if int(slot) >= len(r.exports) {
		return exportEntry{}, false
	}
	return r.exports[slot], true
}

func (r *Registry) dtorFor(ridx, rep uint32) {
	if fn, ok := r.dtors[ridx]; ok {
		fn(rep)
	}
}
