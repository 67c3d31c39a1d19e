package codegen

import (
	"strings"
	"testing"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/componentize/abi"
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

func generate(t *testing.T) *Result {
	t.Helper()
	res, err := Generate(scenarioWorld(t), abi.NewMapper(abi.PolicyV1))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return res
}

func exportIdx(m *wasm.Module, name string) (uint32, bool) {
	return m.ExportedFunc(name)
}

func TestGenerateExports(t *testing.T) {
	res := generate(t)
	m := res.Module

	for _, name := range []string{
		"app#echo",
		"cabi_post_app#echo", // indirect list result
		"app#classify",
		"cabi_post_app#classify",
		"app#[constructor]counter",
		"app#[method]counter.increment",
		"app#[dtor]counter",
		CallImportExport,
		ReallocExport,
	} {
		if _, ok := exportIdx(m, name); !ok {
			t.Errorf("missing export %q", name)
		}
	}

	if len(res.Exports) != 4 {
		t.Fatalf("exports = %d", len(res.Exports))
	}
	for i, e := range res.Exports {
		if e.Dispatch != uint32(i) {
			t.Errorf("dispatch index %d for %s", e.Dispatch, e.Binding.CoreName)
		}
	}
	if len(res.Imports) != 1 || res.Imports[0].Slot != 0 {
		t.Errorf("imports = %+v", res.Imports)
	}
	if len(res.Resources) != 1 || res.Resources[0].Name != "counter" {
		t.Errorf("resources = %+v", res.Resources)
	}
}

func TestGenerateImports(t *testing.T) {
	res := generate(t)
	m := res.Module

	intrinsics := Intrinsics()
	if m.NumImportedFuncs() != len(intrinsics)+1 {
		t.Fatalf("imported funcs = %d, want %d intrinsics + 1 world import",
			m.NumImportedFuncs(), len(intrinsics))
	}
	for i, in := range intrinsics {
		imp := m.Imports[i]
		if imp.Module != InterpModule || imp.Name != in.Name {
			t.Errorf("import %d = %s.%s, want interp.%s", i, imp.Module, imp.Name, in.Name)
		}
		if !m.Types[imp.Desc.TypeIdx].Equal(in.Type) {
			t.Errorf("intrinsic %s type mismatch", in.Name)
		}
	}

	var hasMemory, hasHostLog bool
	for _, imp := range m.Imports {
		if imp.Desc.Kind == wasm.KindMemory && imp.Module == InterpModule {
			hasMemory = true
		}
		if imp.Module == "host-log" && imp.Name == "log" {
			hasHostLog = true
		}
	}
	if !hasMemory {
		t.Error("missing interp memory import")
	}
	if !hasHostLog {
		t.Error("missing host-log.log function import")
	}
}

func TestGenerateSignatures(t *testing.T) {
	res := generate(t)
	m := res.Module

	// echo: (ptr, len) -> retptr
	idx, _ := exportIdx(m, "app#echo")
	ft := m.GetFuncType(idx)
	if len(ft.Params) != 2 || len(ft.Results) != 1 {
		t.Errorf("echo type = %+v", ft)
	}

	// increment: (self handle, by) -> u32
	idx, _ = exportIdx(m, "app#[method]counter.increment")
	ft = m.GetFuncType(idx)
	if len(ft.Params) != 2 || len(ft.Results) != 1 || ft.Results[0] != wasm.ValI32 {
		t.Errorf("increment type = %+v", ft)
	}

	// constructor: (start) -> own handle
	idx, _ = exportIdx(m, "app#[constructor]counter")
	ft = m.GetFuncType(idx)
	if len(ft.Params) != 1 || len(ft.Results) != 1 {
		t.Errorf("constructor type = %+v", ft)
	}

	// dtor: (rep) -> ()
	idx, _ = exportIdx(m, "app#[dtor]counter")
	ft = m.GetFuncType(idx)
	if len(ft.Params) != 1 || len(ft.Results) != 0 {
		t.Errorf("dtor type = %+v", ft)
	}
}

func TestGenerateHelperSharing(t *testing.T) {
	// echo's list<u8> param and result must share one lift and one lower
	// routine; names carry the structural fingerprint.
	res := generate(t)

	var liftList, lowerList int
	for _, name := range res.Names {
		if name == "lift:list(u8)" {
			liftList++
		}
		if name == "lower:list(u8)" {
			lowerList++
		}
	}
	if liftList != 1 {
		t.Errorf("lift:list(u8) generated %d times", liftList)
	}
	if lowerList != 1 {
		t.Errorf("lower:list(u8) generated %d times", lowerList)
	}
}

func TestGeneratedModuleRoundTrips(t *testing.T) {
	res := generate(t)

	encoded := res.Module.Encode()
	parsed, err := wasm.ParseModule(encoded)
	if err != nil {
		t.Fatalf("generated module does not parse: %v", err)
	}
	if len(parsed.Code) != len(res.Module.Code) {
		t.Errorf("code entries = %d, want %d", len(parsed.Code), len(res.Module.Code))
	}
}

func TestGeneratedBodiesRewriteCleanly(t *testing.T) {
	// Every generated body must stream through the rewriter: this catches
	// malformed instruction encodings without instantiating anything.
	res := generate(t)
	for i, body := range res.Module.Code {
		if _, err := (wasm.Remap{}).Apply(body.Code); err != nil {
			idx := uint32(res.Module.NumImportedFuncs() + i)
			t.Errorf("func %d (%s): %v", idx, res.Names[idx], err)
		}
	}
}

func TestGenerateVariantWorld(t *testing.T) {
	src := `{
		"name": "shapes",
		"types": {
			"shape": {"kind": "variant", "cases": [
				{"name": "point"},
				{"name": "circle", "type": "f32"},
				{"name": "label", "type": "string"}
			]}
		},
		"exports": [
			{"name": "geo", "functions": [
				{"name": "pick", "params": [{"name": "s", "type": "shape"}], "result": "u32"}
			]}
		]
	}`
	w, err := world.Decode([]byte(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	res, err := Generate(w, abi.NewMapper(abi.PolicyV1))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// variant flattens to disc + two joined payload slots: the f32 case
	// joins with the string ptr as i32, the string len supplies the second.
	idx, ok := res.Module.ExportedFunc("geo#pick")
	if !ok {
		t.Fatal("missing geo#pick")
	}
	ft := res.Module.GetFuncType(idx)
	if len(ft.Params) != 3 {
		t.Errorf("pick params = %v", ft.Params)
	}

	for i, body := range res.Module.Code {
		if _, err := (wasm.Remap{}).Apply(body.Code); err != nil {
			t.Errorf("func body %d: %v", i, err)
		}
	}
}

func TestGenerateUnknownResourceFails(t *testing.T) {
	// A world built by hand can reference a resource no interface declares.
	missing := "ghost"
	w := &world.World{
		Name: "broken",
		Exports: []*world.Interface{{
			Name: "app",
			Functions: []*world.Function{{
				Name: "take",
				Params: []world.Param{{
					Name: "h",
					Type: &wit.TypeDef{Kind: &wit.Own{Type: &wit.TypeDef{Name: &missing}}},
				}},
			}},
		}},
	}
	_, err := Generate(w, abi.NewMapper(abi.PolicyV1))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error = %q", err.Error())
	}
}
