package bridge

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/codegen"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/world"
)

func scenarioWorld(t *testing.T) *world.World {
	t.Helper()
	src := `{
		"name": "scenario",
		"types": {
			"counter": {"kind": "resource"}
		},
		"imports": [
			{"name": "host-log", "functions": [
				{"name": "log", "params": [{"name": "msg", "type": "string"}]}
			]}
		],
		"exports": [
			{"name": "app", "resources": ["counter"], "functions": [
				{"name": "echo",
				 "params": [{"name": "data", "type": {"kind": "list", "element": "u8"}}],
				 "result": {"kind": "list", "element": "u8"}},
				{"name": "classify",
				 "params": [{"name": "input", "type": "string"}],
				 "result": {"kind": "result", "ok": "string", "err": "string"}},
				{"name": "counter", "kind": "constructor", "resource": "counter",
				 "params": [{"name": "start", "type": "u32"}]},
				{"name": "increment", "kind": "method", "resource": "counter",
				 "params": [{"name": "by", "type": "u32"}],
				 "result": "u32"}
			]}
		]
	}`
	w, err := world.Decode([]byte(src))
	if err != nil {
		t.Fatalf("decode world: %v", err)
	}
	return w
}

func scenarioModule(t *testing.T) *codegen.Result {
	t.Helper()
	gen, err := codegen.Generate(scenarioWorld(t), abi.NewMapper(abi.PolicyV1))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return gen
}

// scenarioApp wires the application side of the scenario world: an echo, a
// classifier that raises on non-ok input, and a counter resource.
type scenarioApp struct {
	gen      *codegen.Result
	reg      *Registry
	counters map[uint32]int64
	nextRep  uint32
	drops    map[uint32]int
	logged   []string

	// set by tests to observe call internals
	lastBorrow *Value
}

func newScenarioApp(t *testing.T) *scenarioApp {
	t.Helper()
	app := &scenarioApp{
		gen:      scenarioModule(t),
		counters: make(map[uint32]int64),
		drops:    make(map[uint32]int),
	}
	ridx := app.gen.Resources[0].Index

	reg := NewRegistry()
	reg.Export("echo", func(_ context.Context, call *Call) (*Value, error) {
		return call.Arg(0), nil
	})
	reg.Export("classify", func(_ context.Context, call *Call) (*Value, error) {
		input, err := call.Arg(0).Str()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(input, "ok") {
			return OK(String("accepted:" + input)), nil
		}
		return nil, Raise(String("rejected:" + input))
	})
	reg.Export("counter", func(_ context.Context, call *Call) (*Value, error) {
		start, err := call.Arg(0).Int()
		if err != nil {
			return nil, err
		}
		app.nextRep++
		app.counters[app.nextRep] = start
		return Own(ridx, app.nextRep), nil
	})
	reg.Export("increment", func(_ context.Context, call *Call) (*Value, error) {
		app.lastBorrow = call.Arg(0)
		rep, err := call.Rep(call.Arg(0))
		if err != nil {
			return nil, err
		}
		by, err := call.Arg(1).Int()
		if err != nil {
			return nil, err
		}
		app.counters[rep] += by
		return Int(app.counters[rep]), nil
	})
	reg.Dtor(ridx, func(rep uint32) { app.drops[rep]++ })
	app.reg = reg
	return app
}

func (app *scenarioApp) instantiate(t *testing.T, inst **Instance) *Instance {
	t.Helper()
	// The log import reads the message out of the shared memory, which only
	// exists once instantiation finished; the pointer indirection closes
	// that loop.
	app.reg.Host("host-log", HostFunc{
		Name:    "log",
		Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		Fn: func(_ context.Context, _ api.Module, stack []uint64) {
			data, ok := (*inst).Memory().Read(uint32(stack[0]), uint32(stack[1]))
			if !ok {
				t.Error("log pointer out of bounds")
				return
			}
			app.logged = append(app.logged, string(data))
		},
	})

	got, err := Instantiate(context.Background(), app.gen.Module.Encode(), app.reg)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	*inst = got
	t.Cleanup(func() { _ = got.Close(context.Background()) })
	return got
}

func TestEchoRoundTrip(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.instantiate(t, &inst)
	ctx := context.Background()

	input := []byte{104, 101, 108, 108, 111, 0, 250, 255}
	ptr, err := inst.WriteBytes(input)
	if err != nil {
		t.Fatal(err)
	}
	res, err := inst.Call(ctx, "app#echo", uint64(ptr), uint64(len(input)))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}

	retptr := uint32(res[0])
	mem := inst.Memory()
	outPtr, _ := mem.ReadUint32Le(retptr)
	outLen, _ := mem.ReadUint32Le(retptr + 4)
	if outLen != uint32(len(input)) {
		t.Fatalf("echoed %d bytes, want %d", outLen, len(input))
	}
	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		t.Fatal("result pointer out of bounds")
	}
	if !bytes.Equal(out, input) {
		t.Errorf("echo = %v, want %v", out, input)
	}
}

func TestEchoEmptyList(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.instantiate(t, &inst)

	res, err := inst.Call(context.Background(), "app#echo", 0, 0)
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	retptr := uint32(res[0])
	outLen, _ := inst.Memory().ReadUint32Le(retptr + 4)
	if outLen != 0 {
		t.Errorf("empty echo returned %d bytes", outLen)
	}
}

// classifyResult reads a lowered result<string, string> out of guest memory.
func classifyResult(t *testing.T, inst *Instance, retptr uint32) (uint32, string) {
	t.Helper()
	mem := inst.Memory()
	disc, ok := mem.ReadByte(retptr)
	if !ok {
		t.Fatal("discriminant out of bounds")
	}
	ptr, _ := mem.ReadUint32Le(retptr + 4)
	length, _ := mem.ReadUint32Le(retptr + 8)
	data, ok := mem.Read(ptr, length)
	if !ok {
		t.Fatal("payload out of bounds")
	}
	return uint32(disc), string(data)
}

func TestClassifyDeclaredError(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.instantiate(t, &inst)
	ctx := context.Background()

	call := func(input string) (uint32, string) {
		ptr, err := inst.WriteBytes([]byte(input))
		if err != nil {
			t.Fatal(err)
		}
		res, err := inst.Call(ctx, "app#classify", uint64(ptr), uint64(len(input)))
		if err != nil {
			t.Fatalf("classify(%q): %v", input, err)
		}
		return classifyResult(t, inst, uint32(res[0]))
	}

	// The ok arm flows back as disc 0, the raised payload as disc 1. Both
	// are ordinary returns at the core level; neither traps.
	disc, payload := call("ok fine")
	if disc != 0 || payload != "accepted:ok fine" {
		t.Errorf("ok case = (%d, %q)", disc, payload)
	}
	disc, payload = call("nope")
	if disc != 1 || payload != "rejected:nope" {
		t.Errorf("err case = (%d, %q)", disc, payload)
	}
}

func TestUncaughtErrorTraps(t *testing.T) {
	app := newScenarioApp(t)
	// Replace echo with a callable failing outside the declared-error
	// protocol.
	app.reg.exports[0].fn = func(_ context.Context, _ *Call) (*Value, error) {
		return nil, stderrors.New("boom")
	}
	var inst *Instance
	app.instantiate(t, &inst)

	_, err := inst.Call(context.Background(), "app#echo", 0, 0)
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindUncaught {
		t.Fatalf("err = %v, want uncaught trap", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("trap lost the cause: %v", err)
	}

	// A trap aborts the instance; later calls are rejected.
	_, err = inst.Call(context.Background(), "app#classify", 0, 0)
	if !stderrors.As(err, &e) || e.Kind != errors.KindTrap {
		t.Errorf("call after trap = %v, want rejection", err)
	}
}

func TestCounterLifecycle(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.instantiate(t, &inst)
	ctx := context.Background()

	res, err := inst.Call(ctx, "app#[constructor]counter", 5)
	if err != nil {
		t.Fatalf("constructor: %v", err)
	}
	h1 := res[0]
	if h1 == 0 {
		t.Fatal("constructor returned the null handle")
	}

	res, err = inst.Call(ctx, "app#[method]counter.increment", h1, 3)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if res[0] != 8 {
		t.Errorf("increment = %d, want 8", res[0])
	}
	res, err = inst.Call(ctx, "app#[method]counter.increment", h1, 10)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if res[0] != 18 {
		t.Errorf("increment = %d, want 18", res[0])
	}

	res, err = inst.Call(ctx, "app#[constructor]counter", 100)
	if err != nil {
		t.Fatalf("second constructor: %v", err)
	}
	h2 := res[0]
	if h2 == h1 {
		t.Fatalf("handle reuse while both live: %d", h2)
	}

	if n := inst.Interp().Handles().Len(); n != 2 {
		t.Errorf("live handles = %d", n)
	}
	if err := inst.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if len(app.drops) != 2 {
		t.Fatalf("drops = %v", app.drops)
	}
	for rep, n := range app.drops {
		if n != 1 {
			t.Errorf("rep %d destroyed %d times", rep, n)
		}
	}
}

func TestCounterSequence(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.instantiate(t, &inst)
	ctx := context.Background()

	res, err := inst.Call(ctx, "app#[constructor]counter", 0)
	if err != nil {
		t.Fatal(err)
	}
	h := res[0]
	for want := uint64(1); want <= 3; want++ {
		res, err = inst.Call(ctx, "app#[method]counter.increment", h, 1)
		if err != nil {
			t.Fatal(err)
		}
		if res[0] != want {
			t.Fatalf("increment = %d, want %d", res[0], want)
		}
	}

	// A fresh handle carries fresh state.
	res, err = inst.Call(ctx, "app#[constructor]counter", 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err = inst.Call(ctx, "app#[method]counter.increment", res[0], 1)
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 1 {
		t.Errorf("fresh counter = %d, want 1", res[0])
	}
}

func TestBorrowDiesWithItsCall(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.instantiate(t, &inst)
	ctx := context.Background()

	res, err := inst.Call(ctx, "app#[constructor]counter", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Call(ctx, "app#[method]counter.increment", res[0], 1); err != nil {
		t.Fatal(err)
	}

	if app.lastBorrow == nil || app.lastBorrow.Kind != ValBorrow {
		t.Fatalf("method self = %+v", app.lastBorrow)
	}
	err = inst.Interp().Handles().CheckBorrow(app.lastBorrow)
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindBorrowExpired {
		t.Fatalf("stale borrow check = %v", err)
	}
}

func TestCallReentrancy(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.reg.exports[0].fn = func(ctx context.Context, _ *Call) (*Value, error) {
		_, err := inst.Call(ctx, "app#classify", 0, 0)
		return nil, err
	}
	app.instantiate(t, &inst)

	_, err := inst.Call(context.Background(), "app#echo", 0, 0)
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindReentrancy {
		t.Fatalf("err = %v, want reentrancy", err)
	}
}

func TestWorldImportDispatch(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.instantiate(t, &inst)
	ctx := context.Background()

	// The interpreter reaches imports through the call-import dispatcher:
	// slot 0 is host-log.log. The args list is interned host-side exactly
	// like dispatch hands lists to callables.
	if len(app.gen.Imports) != 1 || app.gen.Imports[0].Slot != 0 {
		t.Fatalf("imports = %+v", app.gen.Imports)
	}
	args := inst.Interp().intern(List(String("hello from guest")))
	if _, err := inst.Call(ctx, codegen.CallImportExport, 0, uint64(args)); err != nil {
		t.Fatalf("call-import: %v", err)
	}

	if len(app.logged) != 1 || app.logged[0] != "hello from guest" {
		t.Errorf("logged = %q", app.logged)
	}
}

func TestSignedClassify(t *testing.T) {
	src := `{
		"name": "signed",
		"exports": [
			{"name": "math", "functions": [
				{"name": "classify",
				 "params": [{"name": "n", "type": "s32"}],
				 "result": {"kind": "result", "ok": "string", "err": "string"}}
			]}
		]
	}`
	w, err := world.Decode([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	gen, err := codegen.Generate(w, abi.NewMapper(abi.PolicyV1))
	if err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	reg.Export("classify", func(_ context.Context, call *Call) (*Value, error) {
		n, err := call.Arg(0).Int()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, Raise(String(fmt.Sprintf("negative input %d", n)))
		}
		return OK(String("non-negative")), nil
	})

	ctx := context.Background()
	inst, err := Instantiate(ctx, gen.Module.Encode(), reg)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(ctx) })

	res, err := inst.Call(ctx, "math#classify", uint64(uint32(7)))
	if err != nil {
		t.Fatalf("classify(7): %v", err)
	}
	disc, payload := classifyResult(t, inst, uint32(res[0]))
	if disc != 0 || payload != "non-negative" {
		t.Errorf("classify(7) = (%d, %q)", disc, payload)
	}

	negThree := int32(-3)
	res, err = inst.Call(ctx, "math#classify", uint64(uint32(negThree)))
	if err != nil {
		t.Fatalf("classify(-3): %v", err)
	}
	disc, payload = classifyResult(t, inst, uint32(res[0]))
	if disc != 1 || payload != "negative input -3" {
		t.Errorf("classify(-3) = (%d, %q)", disc, payload)
	}
}

func TestCallOnClosedInstance(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.instantiate(t, &inst)
	if err := inst.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Call(context.Background(), "app#echo", 0, 0); err == nil {
		t.Fatal("call on closed instance succeeded")
	}
}

func TestCallUnknownExport(t *testing.T) {
	app := newScenarioApp(t)
	var inst *Instance
	app.instantiate(t, &inst)

	_, err := inst.Call(context.Background(), "app#missing")
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindNotFound {
		t.Fatalf("err = %v, want not-found", err)
	}
}
