package assemble

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/codegen"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/wasm"
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

func scenarioBindings(t *testing.T) (*world.World, *codegen.Result) {
	t.Helper()
	w := scenarioWorld(t)
	gen, err := codegen.Generate(w, abi.NewMapper(abi.PolicyV1))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return w, gen
}

// stubInterpreter builds a stand-in for the frozen interpreter module: it
// defines the shared memory and exports every intrinsic as a local function
// returning zero values.
func stubInterpreter(t *testing.T, skip ...string) *wasm.Module {
	t.Helper()
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}

	m := &wasm.Module{}
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 2}}}
	m.Exports = append(m.Exports, wasm.Export{Name: "memory", Kind: wasm.KindMemory, Idx: 0})

	for _, in := range codegen.Intrinsics() {
		if skipped[in.Name] {
			continue
		}
		var body bytes.Buffer
		for _, r := range in.Type.Results {
			switch r {
			case wasm.ValI32:
				body.WriteByte(wasm.OpI32Const)
				wasm.WriteS32(&body, 0)
			case wasm.ValI64:
				body.WriteByte(wasm.OpI64Const)
				wasm.WriteS64(&body, 0)
			case wasm.ValF32:
				body.WriteByte(wasm.OpF32Const)
				body.Write(make([]byte, 4))
			case wasm.ValF64:
				body.WriteByte(wasm.OpF64Const)
				body.Write(make([]byte, 8))
			}
		}
		body.WriteByte(wasm.OpEnd)

		idx := uint32(len(m.Funcs))
		m.Funcs = append(m.Funcs, m.AddType(in.Type))
		m.Code = append(m.Code, wasm.FuncBody{Code: body.Bytes()})
		m.Exports = append(m.Exports, wasm.Export{Name: in.Name, Kind: wasm.KindFunc, Idx: idx})
	}
	return m
}

func TestMergeResolvesIntrinsics(t *testing.T) {
	_, gen := scenarioBindings(t)
	interp := stubInterpreter(t)

	merged, err := merge(interp, gen.Module)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	for _, imp := range merged.Imports {
		if imp.Module == codegen.InterpModule {
			t.Errorf("unresolved interp import %q", imp.Name)
		}
	}
	var hostLog bool
	for _, imp := range merged.Imports {
		if imp.Module == "host-log" && imp.Name == "log" {
			hostLog = true
		}
	}
	if !hostLog {
		t.Error("world import host-log.log lost in merge")
	}

	if len(merged.Memories) != 1 {
		t.Errorf("memories = %d", len(merged.Memories))
	}
	if got, want := len(merged.Funcs), len(interp.Funcs)+len(gen.Module.Funcs); got != want {
		t.Errorf("merged funcs = %d, want %d", got, want)
	}

	for _, name := range []string{"app#echo", "app#classify", codegen.ReallocExport} {
		if _, ok := merged.ExportedFunc(name); !ok {
			t.Errorf("missing merged export %q", name)
		}
	}

	// Every rewritten body must still stream through the rewriter, and every
	// exported function index must be in range.
	for i, body := range merged.Code {
		if _, err := (wasm.Remap{}).Apply(body.Code); err != nil {
			t.Errorf("merged body %d: %v", i, err)
		}
	}
	total := uint32(merged.NumImportedFuncs() + len(merged.Funcs))
	for _, e := range merged.Exports {
		if e.Kind == wasm.KindFunc && e.Idx >= total {
			t.Errorf("export %q points past function space (%d >= %d)", e.Name, e.Idx, total)
		}
	}
}

func TestMergeMissingIntrinsic(t *testing.T) {
	_, gen := scenarioBindings(t)
	interp := stubInterpreter(t, codegen.IntrDispatch, codegen.IntrErrorTake)

	_, err := merge(interp, gen.Module)
	var missing *errors.MissingIntrinsicsError
	if !stderrors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingIntrinsicsError", err)
	}
	names := make(map[string]bool, len(missing.Intrinsics))
	for _, mi := range missing.Intrinsics {
		names[mi.Name] = true
	}
	if !names[codegen.IntrDispatch] || !names[codegen.IntrErrorTake] {
		t.Errorf("missing = %+v", missing.Intrinsics)
	}
}

func TestMergeTypeMismatchIsMissing(t *testing.T) {
	_, gen := scenarioBindings(t)
	interp := stubInterpreter(t, codegen.IntrDispatch)

	// Re-export dispatch with the wrong signature: same name, not the same
	// contract.
	wrong := wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}, Results: nil}
	idx := uint32(len(interp.Funcs))
	interp.Funcs = append(interp.Funcs, interp.AddType(wrong))
	interp.Code = append(interp.Code, wasm.FuncBody{Code: []byte{wasm.OpEnd}})
	interp.Exports = append(interp.Exports, wasm.Export{Name: codegen.IntrDispatch, Kind: wasm.KindFunc, Idx: idx})

	_, err := merge(interp, gen.Module)
	var missing *errors.MissingIntrinsicsError
	if !stderrors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingIntrinsicsError", err)
	}
}

func TestMergeRejectsInterpWithoutMemory(t *testing.T) {
	_, gen := scenarioBindings(t)
	interp := stubInterpreter(t)
	interp.Memories = nil

	if _, err := merge(interp, gen.Module); err == nil {
		t.Fatal("expected error for memoryless interpreter")
	}
}

func TestAssembleProducesComponent(t *testing.T) {
	w, gen := scenarioBindings(t)
	interp := stubInterpreter(t)
	program := []byte("def echo(data):\n    return data\n")

	artifact, err := Assemble(context.Background(), w, gen, interp.Encode(),
		WithProgram("app.py", program))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if !IsComponent(artifact) {
		t.Fatal("artifact is not a component binary")
	}
	core, err := CoreModule(artifact)
	if err != nil {
		t.Fatalf("CoreModule: %v", err)
	}
	merged, err := wasm.ParseModule(core)
	if err != nil {
		t.Fatalf("parse merged core: %v", err)
	}

	var manifest *Manifest
	for _, cs := range merged.CustomSections {
		if cs.Name == ManifestSection {
			manifest = &Manifest{}
			if err := json.Unmarshal(cs.Data, manifest); err != nil {
				t.Fatalf("decode manifest: %v", err)
			}
		}
	}
	if manifest == nil {
		t.Fatal("missing manifest section")
	}
	if manifest.World != "scenario" || manifest.Entry != "app.py" || manifest.ABI != "v1" {
		t.Errorf("manifest = %+v", manifest)
	}
	if len(manifest.Exports) != len(gen.Exports) {
		t.Errorf("manifest exports = %d, want %d", len(manifest.Exports), len(gen.Exports))
	}

	var embedded bool
	for _, seg := range merged.Data {
		if seg.Flags == 1 && bytes.Equal(seg.Init, program) {
			embedded = true
		}
	}
	if !embedded {
		t.Error("program data segment missing")
	}
	if merged.DataCount == nil || *merged.DataCount != uint32(len(merged.Data)) {
		t.Errorf("data count = %v with %d segments", merged.DataCount, len(merged.Data))
	}
}

func TestAssembleDetectsDroppedExport(t *testing.T) {
	w, gen := scenarioBindings(t)
	interp := stubInterpreter(t)

	// Strip one bound export from the bindings module; the merged module
	// still validates but no longer covers the world.
	kept := gen.Module.Exports[:0]
	for _, e := range gen.Module.Exports {
		if e.Name == "app#echo" {
			continue
		}
		kept = append(kept, e)
	}
	gen.Module.Exports = kept

	_, err := Assemble(context.Background(), w, gen, interp.Encode())
	if err == nil {
		t.Fatal("expected validation failure")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindAssembly {
		t.Errorf("err = %v", err)
	}
}

func TestAssembleSkipValidate(t *testing.T) {
	w, gen := scenarioBindings(t)
	interp := stubInterpreter(t)

	// Corrupt the dtor body: it leaves a value on the stack of a function
	// returning nothing. Structurally well-formed, type-incorrect.
	idx, ok := gen.Module.ExportedFunc("app#[dtor]counter")
	if !ok {
		t.Fatal("missing dtor export")
	}
	ci := int(idx) - gen.Module.NumImportedFuncs()
	var bad bytes.Buffer
	bad.WriteByte(wasm.OpI32Const)
	wasm.WriteS32(&bad, 0)
	bad.WriteByte(wasm.OpEnd)
	gen.Module.Code[ci] = wasm.FuncBody{Code: bad.Bytes()}

	if _, err := Assemble(context.Background(), w, gen, interp.Encode()); err == nil {
		t.Fatal("validation accepted a type-incorrect body")
	}
	// The defect passes the rewriter, so only the compile gate catches it.
	if _, err := Assemble(context.Background(), w, gen, interp.Encode(), WithoutValidation()); err != nil {
		t.Fatalf("Assemble without validation: %v", err)
	}
}

func TestComponentPreambleAndCoreRoundTrip(t *testing.T) {
	w, gen := scenarioBindings(t)
	interp := stubInterpreter(t)

	merged, err := merge(interp, gen.Module)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	core := merged.Encode()

	artifact, err := encodeComponent(w, gen, core)
	if err != nil {
		t.Fatalf("encodeComponent: %v", err)
	}

	if !IsComponent(artifact) {
		t.Fatal("missing component preamble")
	}
	if IsComponent(core) {
		t.Fatal("core module misdetected as component")
	}
	got, err := CoreModule(artifact)
	if err != nil {
		t.Fatalf("CoreModule: %v", err)
	}
	if !bytes.Equal(got, core) {
		t.Errorf("core round trip: got %d bytes, want %d", len(got), len(core))
	}
}
