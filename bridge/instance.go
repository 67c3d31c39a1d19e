package bridge

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	componentize "github.com/wippyai/componentize"
	"github.com/wippyai/componentize/assemble"
	"github.com/wippyai/componentize/codegen"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/wasm"
)

// interpHostModule holds the Go intrinsic implementations; the synthesized
// "interp" core module forwards to it and owns the shared memory.
const interpHostModule = "interp$host"

// Config controls instantiation.
type Config struct {
	Name        string
	MemoryPages uint64
}

// Option mutates the instantiation config.
type Option func(*Config)

// WithName sets the instance's module name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithMemoryPages sets the initial shared memory size in 64KiB pages.
func WithMemoryPages(pages uint64) Option {
	return func(c *Config) { c.MemoryPages = pages }
}

// Instance is one running artifact: its wazero runtime, the interp host
// side and the instantiated module. Calls are single-flight; a nested
// entry fails with a reentrancy error. A trap aborts the instance: every
// later call fails until it is closed.
type Instance struct {
	rt       wazero.Runtime
	interp   *Interp
	mod      api.Module
	inCall   atomic.Bool
	closed   atomic.Bool
	poisoned atomic.Bool
}

// Instantiate links an artifact against the registry and runs its top
// level. The artifact may be a raw bindings/core module or an assembled
// component; components are unwrapped to their merged core module.
func Instantiate(ctx context.Context, artifact []byte, reg *Registry, opts ...Option) (*Instance, error) {
	cfg := Config{Name: "app", MemoryPages: 2}
	for _, opt := range opts {
		opt(&cfg)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig())
	inst := &Instance{rt: rt, interp: newInterp(reg)}

	ok := false
	defer func() {
		if !ok {
			_ = rt.Close(ctx)
		}
	}()

	hb := rt.NewHostModuleBuilder(interpHostModule)
	for _, in := range codegen.Intrinsics() {
		hb = hb.NewFunctionBuilder().
			WithGoModuleFunction(inst.interp.handler(in.Name), apiTypes(in.Type.Params), apiTypes(in.Type.Results)).
			Export(in.Name)
	}
	if _, err := hb.Instantiate(ctx); err != nil {
		return nil, errors.Instantiation(err)
	}

	interpMod, err := rt.InstantiateWithConfig(ctx, interpCoreModule(cfg.MemoryPages),
		wazero.NewModuleConfig().WithName(codegen.InterpModule))
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	inst.interp.mem = interpMod.ExportedMemory("memory")
	if inst.interp.mem == nil {
		return nil, errors.Trap(errors.KindInstantiation, "interp module has no memory export")
	}

	for module, funcs := range reg.hosts {
		b := rt.NewHostModuleBuilder(module)
		for _, hf := range funcs {
			b = b.NewFunctionBuilder().
				WithGoModuleFunction(hf.Fn, hf.Params, hf.Results).
				Export(hf.Name)
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return nil, errors.Instantiation(err)
		}
	}

	core := artifact
	if assemble.IsComponent(artifact) {
		core, err = assemble.CoreModule(artifact)
		if err != nil {
			return nil, err
		}
	}

	mod, err := rt.InstantiateWithConfig(ctx, core, wazero.NewModuleConfig().WithName(cfg.Name))
	if err != nil {
		if f := inst.interp.takeFatal(); f != nil {
			return nil, f
		}
		return nil, errors.Instantiation(err)
	}
	inst.mod = mod

	// Top level runs exactly once: the start section already ran during
	// instantiation, reactor-style modules expose _initialize instead.
	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			if f := inst.interp.takeFatal(); f != nil {
				return nil, f
			}
			return nil, errors.Wrap(errors.PhaseRuntime, errors.KindTrap, err, "run top level")
		}
	}

	componentize.Logger().Debug("instance ready",
		zap.String("name", cfg.Name),
		zap.Int("exports", len(reg.exports)))
	ok = true
	return inst, nil
}

// Call invokes an exported core function with flat arguments. Borrows
// lifted during the call expire when it returns; scratch memory and value
// handles are recycled between calls.
func (inst *Instance) Call(ctx context.Context, export string, args ...uint64) ([]uint64, error) {
	if inst.closed.Load() {
		return nil, errors.Trap(errors.KindInstantiation, "instance closed")
	}
	if inst.poisoned.Load() {
		return nil, errors.Trap(errors.KindTrap, "instance aborted by an earlier trap")
	}
	if !inst.inCall.CompareAndSwap(false, true) {
		return nil, errors.Reentrancy(export)
	}
	defer func() {
		inst.interp.handles.EndCall()
		inst.interp.resetArena()
		inst.inCall.Store(false)
	}()

	fn := inst.mod.ExportedFunction(export)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", export)
	}

	res, err := fn.Call(ctx, args...)
	if err != nil {
		inst.poisoned.Store(true)
		if f := inst.interp.takeFatal(); f != nil {
			return nil, f
		}
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindTrap, err, "call "+export)
	}
	return res, nil
}

// Poll drives pending channel waiters once.
func (inst *Instance) Poll() int {
	return inst.interp.streams.Poll()
}

// Interp exposes the host side, mainly to tests.
func (inst *Instance) Interp() *Interp { return inst.interp }

// Memory returns the shared linear memory.
func (inst *Instance) Memory() api.Memory { return inst.interp.mem }

// Alloc reserves guest memory from the call arena. The region lives until
// the current call (or, outside a call, the next one) returns.
func (inst *Instance) Alloc(align, size uint32) uint32 {
	return inst.interp.alloc(0, 0, align, size)
}

// WriteBytes copies data into freshly allocated guest memory.
func (inst *Instance) WriteBytes(data []byte) (uint32, error) {
	ptr := inst.interp.alloc(0, 0, 1, uint32(len(data)))
	if !inst.interp.mem.Write(ptr, data) {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, nil, uint64(ptr), uint64(len(data)))
	}
	return ptr, nil
}

// Close tears the instance down: every remaining owned handle is dropped,
// running each destructor exactly once, then the runtime is released.
func (inst *Instance) Close(ctx context.Context) error {
	if !inst.closed.CompareAndSwap(false, true) {
		return nil
	}
	dropped := inst.interp.handles.DrainOwned()
	componentize.Logger().Debug("instance closed", zap.Int("dropped_handles", dropped))
	return inst.rt.Close(ctx)
}

// interpCoreModule synthesizes the core module instantiated as "interp":
// it defines and exports the shared memory and re-exports every intrinsic
// by forwarding to the host module.
func interpCoreModule(pages uint64) []byte {
	m := &wasm.Module{}
	ins := codegen.Intrinsics()

	for _, in := range ins {
		ti := m.AddType(in.Type)
		m.Imports = append(m.Imports, wasm.Import{
			Module: interpHostModule,
			Name:   in.Name,
			Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: ti},
		})
	}

	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: pages}}}
	m.Exports = append(m.Exports, wasm.Export{Name: "memory", Kind: wasm.KindMemory, Idx: 0})

	for fi, in := range ins {
		var body bytes.Buffer
		for p := range in.Type.Params {
			body.WriteByte(wasm.OpLocalGet)
			wasm.WriteU32(&body, uint32(p))
		}
		body.WriteByte(wasm.OpCall)
		wasm.WriteU32(&body, uint32(fi))
		body.WriteByte(wasm.OpEnd)

		m.Funcs = append(m.Funcs, m.AddType(in.Type))
		m.Code = append(m.Code, wasm.FuncBody{Code: body.Bytes()})
		m.Exports = append(m.Exports, wasm.Export{
			Name: in.Name,
			Kind: wasm.KindFunc,
			Idx:  uint32(len(ins) + fi),
		})
	}

	return m.Encode()
}

func apiTypes(ts []wasm.ValType) []api.ValueType {
	if len(ts) == 0 {
		return nil
	}
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		switch t {
		case wasm.ValI32:
			out[i] = api.ValueTypeI32
		case wasm.ValI64:
			out[i] = api.ValueTypeI64
		case wasm.ValF32:
			out[i] = api.ValueTypeF32
		case wasm.ValF64:
			out[i] = api.ValueTypeF64
		}
	}
	return out
}
