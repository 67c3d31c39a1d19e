package bridge

import (
	"context"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/codegen"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/world"
)

// arenaBase is where the bump allocator starts handing out guest memory.
const arenaBase = 16

const wasmPageSize = 65536

// Interp implements the intrinsic contract behind the "interp" import
// module: the value table, dispatch with exception capture, the resource
// handle table, channels, and a bump-arena cabi_realloc over the shared
// guest memory.
type Interp struct {
	registry *Registry
	handles  *HandleTable
	streams  *Streams

	mem   api.Memory
	arena uint32

	values  []*Value
	pending *Value // raised declared-error payload awaiting error-take
	fatal   *errors.Error
	mu      sync.Mutex
}

func newInterp(reg *Registry) *Interp {
	i := &Interp{
		registry: reg,
		streams:  NewStreams(),
		arena:    arenaBase,
	}
	i.handles = NewHandleTable(reg.dtorFor)
	return i
}

// Handles exposes the resource table, mainly to tests and teardown.
func (i *Interp) Handles() *HandleTable { return i.handles }

// trap records a fatal runtime error and aborts the in-flight guest call.
// wazero surfaces the panic as the call's error; Instance.Call swaps the
// recorded error back in.
func (i *Interp) trap(err *errors.Error) {
	i.mu.Lock()
	if i.fatal == nil {
		i.fatal = err
	}
	i.mu.Unlock()
	panic(err)
}

func (i *Interp) takeFatal() *errors.Error {
	i.mu.Lock()
	defer i.mu.Unlock()
	err := i.fatal
	i.fatal = nil
	return err
}

// intern registers a value and returns its guest-visible handle. nil is
// handle 0.
func (i *Interp) intern(v *Value) uint32 {
	if v == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.values = append(i.values, v)
	return uint32(len(i.values))
}

// value resolves a guest handle, trapping on garbage.
func (i *Interp) value(h uint32) *Value {
	i.mu.Lock()
	var v *Value
	if h != 0 && int(h) <= len(i.values) {
		v = i.values[h-1]
	}
	i.mu.Unlock()
	if v == nil {
		i.trap(errors.Trap(errors.KindNotFound, "unknown value handle"))
	}
	return v
}

func (i *Interp) check(err error) {
	if err == nil {
		return
	}
	if e, ok := err.(*errors.Error); ok {
		i.trap(e)
	}
	i.trap(errors.Wrap(errors.PhaseRuntime, errors.KindTrap, err, "intrinsic failed"))
}

// alloc is the bump arena behind cabi_realloc. Freeing (newSize 0) is a
// no-op; post-return relies on the arena being reset between calls.
func (i *Interp) alloc(old, oldSize, align, newSize uint32) uint32 {
	if newSize == 0 {
		return 0
	}
	if align == 0 {
		align = 1
	}
	i.mu.Lock()
	ptr := abi.AlignTo(i.arena, align)
	end := ptr + newSize
	if end < ptr {
		i.mu.Unlock()
		i.trap(errors.AllocationFailed(errors.PhaseRuntime, newSize, align))
	}
	i.arena = end
	i.mu.Unlock()

	if have := i.mem.Size(); have < end {
		deltaPages := (end - have + wasmPageSize - 1) / wasmPageSize
		if _, ok := i.mem.Grow(deltaPages); !ok {
			i.trap(errors.AllocationFailed(errors.PhaseRuntime, newSize, align))
		}
	}

	if old != 0 && oldSize > 0 {
		data, ok := i.mem.Read(old, oldSize)
		if !ok {
			i.trap(errors.OutOfBounds(errors.PhaseRuntime, nil, uint64(old), uint64(oldSize)))
		}
		if !i.mem.Write(ptr, data) {
			i.trap(errors.OutOfBounds(errors.PhaseRuntime, nil, uint64(ptr), uint64(oldSize)))
		}
	}
	return ptr
}

// resetArena returns scratch memory to the base between guest calls.
func (i *Interp) resetArena() {
	i.mu.Lock()
	i.arena = arenaBase
	i.values = i.values[:0]
	i.mu.Unlock()
}

func (i *Interp) dispatch(ctx context.Context, slot, argsHandle uint32) uint32 {
	entry, ok := i.registry.export(slot)
	if !ok {
		i.trap(errors.Trap(errors.KindNotFound, "dispatch slot out of range"))
	}

	args := i.value(argsHandle)
	if args.Kind != ValList {
		i.trap(errors.Trap(errors.KindInvalidInput, "dispatch args must be a list"))
	}

	call := &Call{Name: entry.name, Args: args.Elems, interp: i}
	res, err := entry.fn(ctx, call)
	if err != nil {
		if raised, ok := err.(*Raised); ok {
			i.mu.Lock()
			i.pending = raised.Payload
			i.mu.Unlock()
			return 0
		}
		if e, ok := err.(*errors.Error); ok {
			i.trap(e)
		}
		i.trap(errors.Uncaught(entry.name, err.Error()))
	}
	return i.intern(res)
}

// handler returns the host implementation of one intrinsic. The stack
// layout follows wazero's GoModuleFunc convention: params in, results out.
func (i *Interp) handler(name string) api.GoModuleFunc {
	switch name {
	case codegen.IntrDispatch:
		return func(ctx context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.dispatch(ctx, uint32(stack[0]), uint32(stack[1])))
		}

	case codegen.IntrErrorCheck:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			i.mu.Lock()
			pending := i.pending != nil
			i.mu.Unlock()
			if pending {
				stack[0] = 1
			} else {
				stack[0] = 0
			}
		}

	case codegen.IntrErrorTake:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			i.mu.Lock()
			v := i.pending
			i.pending = nil
			i.mu.Unlock()
			stack[0] = uint64(i.intern(v))
		}

	case codegen.IntrNewBool:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.intern(Bool(uint32(stack[0]) != 0)))
		}

	case codegen.IntrNewS32:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.intern(Int(int64(int32(uint32(stack[0]))))))
		}

	case codegen.IntrNewS64:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.intern(Int(int64(stack[0]))))
		}

	case codegen.IntrNewF32:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.intern(Float(float64(api.DecodeF32(stack[0])))))
		}

	case codegen.IntrNewF64:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.intern(Float(api.DecodeF64(stack[0]))))
		}

	case codegen.IntrNewChar:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			r := rune(int32(uint32(stack[0])))
			if !abi.ValidChar(r) {
				i.trap(errors.Trap(errors.KindInvalidInput, "char is not a unicode scalar value"))
			}
			stack[0] = uint64(i.intern(Char(r)))
		}

	case codegen.IntrNewString:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			ptr, length := uint32(stack[0]), uint32(stack[1])
			data, ok := i.mem.Read(ptr, length)
			if !ok {
				i.trap(errors.OutOfBounds(errors.PhaseRuntime, nil, uint64(ptr), uint64(length)))
			}
			if !utf8.Valid(data) {
				i.trap(errors.InvalidUTF8(errors.PhaseRuntime, nil, data))
			}
			stack[0] = uint64(i.intern(String(string(data))))
		}

	case codegen.IntrNewList:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.intern(&Value{Kind: ValList, Elems: make([]*Value, 0, uint32(stack[0]))}))
		}

	case codegen.IntrListAppend:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			lst := i.value(uint32(stack[0]))
			i.check(lst.expect(ValList))
			lst.Elems = append(lst.Elems, i.value(uint32(stack[1])))
		}

	case codegen.IntrNewRecord:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.intern(&Value{Kind: ValRecord, Elems: make([]*Value, 0, uint32(stack[0]))}))
		}

	case codegen.IntrRecordPush:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			rec := i.value(uint32(stack[0]))
			i.check(rec.expect(ValRecord))
			rec.Elems = append(rec.Elems, i.value(uint32(stack[1])))
		}

	case codegen.IntrNewVariant:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			var payload *Value
			if h := uint32(stack[1]); h != 0 {
				payload = i.value(h)
			}
			stack[0] = uint64(i.intern(Variant(uint32(stack[0]), payload)))
		}

	case codegen.IntrNewFlags:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.intern(Flags(stack[0])))
		}

	case codegen.IntrGetBool:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			b, err := i.value(uint32(stack[0])).Bool()
			i.check(err)
			if b {
				stack[0] = 1
			} else {
				stack[0] = 0
			}
		}

	case codegen.IntrGetS32:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			v, err := i.value(uint32(stack[0])).Int()
			i.check(err)
			stack[0] = uint64(uint32(int32(v)))
		}

	case codegen.IntrGetS64:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			v, err := i.value(uint32(stack[0])).Int()
			i.check(err)
			stack[0] = uint64(v)
		}

	case codegen.IntrGetF32:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			v, err := i.value(uint32(stack[0])).Float()
			i.check(err)
			stack[0] = uint64(api.EncodeF32(math.Float32frombits(abi.CanonicalizeF32(math.Float32bits(float32(v))))))
		}

	case codegen.IntrGetF64:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			v, err := i.value(uint32(stack[0])).Float()
			i.check(err)
			stack[0] = api.EncodeF64(math.Float64frombits(abi.CanonicalizeF64(math.Float64bits(v))))
		}

	case codegen.IntrGetChar:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			v := i.value(uint32(stack[0]))
			i.check(v.expect(ValChar))
			stack[0] = uint64(uint32(v.IntVal))
		}

	case codegen.IntrStringLen:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			s, err := i.value(uint32(stack[0])).Str()
			i.check(err)
			stack[0] = uint64(uint32(len(s)))
		}

	case codegen.IntrStringWrite:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			s, err := i.value(uint32(stack[0])).Str()
			i.check(err)
			ptr := uint32(stack[1])
			if !i.mem.Write(ptr, []byte(s)) {
				i.trap(errors.OutOfBounds(errors.PhaseRuntime, nil, uint64(ptr), uint64(len(s))))
			}
		}

	case codegen.IntrListLen:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			n, err := i.value(uint32(stack[0])).Len()
			i.check(err)
			stack[0] = uint64(uint32(n))
		}

	case codegen.IntrListGet:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			elem, err := i.value(uint32(stack[0])).Elem(int(uint32(stack[1])))
			i.check(err)
			stack[0] = uint64(i.intern(elem))
		}

	case codegen.IntrRecordGet:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			fld, err := i.value(uint32(stack[0])).Elem(int(uint32(stack[1])))
			i.check(err)
			stack[0] = uint64(i.intern(fld))
		}

	case codegen.IntrVariantDisc:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			disc, _, err := i.value(uint32(stack[0])).Case()
			i.check(err)
			stack[0] = uint64(disc)
		}

	case codegen.IntrVariantPayload:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			_, payload, err := i.value(uint32(stack[0])).Case()
			i.check(err)
			stack[0] = uint64(i.intern(payload))
		}

	case codegen.IntrFlagsBits:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			v := i.value(uint32(stack[0]))
			i.check(v.expect(ValFlags))
			stack[0] = v.Bits
		}

	case codegen.IntrLiftOwn:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			handle, ridx := uint32(stack[0]), uint32(stack[1])
			gotRidx, rep, err := i.handles.Remove(handle)
			i.check(err)
			if gotRidx != ridx {
				i.trap(errors.Trap(errors.KindInvalidInput, "own handle of a different resource"))
			}
			stack[0] = uint64(i.intern(Own(ridx, rep)))
		}

	case codegen.IntrLiftBorrow:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			handle, ridx := uint32(stack[0]), uint32(stack[1])
			v, err := i.handles.Borrow(handle)
			i.check(err)
			if v.Resource != ridx {
				i.trap(errors.Trap(errors.KindInvalidInput, "borrow handle of a different resource"))
			}
			stack[0] = uint64(i.intern(v))
		}

	case codegen.IntrLowerOwn:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			v := i.value(uint32(stack[0]))
			i.check(v.expect(ValOwn))
			stack[0] = uint64(i.handles.Insert(v.Resource, v.Rep))
		}

	case codegen.IntrLowerBorrow:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			v := i.value(uint32(stack[0]))
			switch v.Kind {
			case ValBorrow:
				i.check(i.handles.CheckBorrow(v))
				stack[0] = uint64(v.Handle)
			case ValOwn:
				stack[0] = uint64(i.handles.Insert(v.Resource, v.Rep))
			default:
				i.check(v.expect(ValBorrow))
			}
		}

	case codegen.IntrChannelLift:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			handle, kind := uint32(stack[0]), world.ChannelKind(stack[1])
			got, err := i.streams.Kind(handle)
			i.check(err)
			if got != kind {
				i.trap(errors.Trap(errors.KindInvalidInput, "channel kind mismatch"))
			}
			stack[0] = uint64(i.intern(&Value{Kind: ValChannel, Handle: handle, Channel: kind}))
		}

	case codegen.IntrChannelLower:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			v := i.value(uint32(stack[0]))
			i.check(v.expect(ValChannel))
			stack[0] = uint64(v.Handle)
		}

	case codegen.IntrResourceDtor:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			i.registry.dtorFor(uint32(stack[0]), uint32(stack[1]))
		}

	case codegen.IntrRealloc:
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(i.alloc(uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3])))
		}

	default:
		return func(_ context.Context, _ api.Module, _ []uint64) {
			i.trap(errors.Trap(errors.KindNotFound, "unimplemented intrinsic "+name))
		}
	}
}
