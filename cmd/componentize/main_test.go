package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testWorld = `{
	"name": "demo",
	"exports": [
		{"name": "app", "functions": [
			{"name": "echo",
			 "params": [{"name": "data", "type": {"kind": "list", "element": "u8"}}],
			 "result": {"kind": "list", "element": "u8"}}
		]}
	]
}`

func writeWorldFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.json")
	if err := os.WriteFile(path, []byte(testWorld), 0o644); err != nil {
		t.Fatalf("write world: %v", err)
	}
	return path
}

func TestBuildRejectsUnknownABIVersion(t *testing.T) {
	worldFile := writeWorldFile(t)
	out := filepath.Join(t.TempDir(), "out.wasm")

	// The interpreter path does not exist: an unknown version must fail
	// before the build gets anywhere near it.
	err := build(worldFile, "", "no-such-interp.wasm", out, "v99")
	if err == nil {
		t.Fatal("expected error for unknown ABI version")
	}
	if !strings.Contains(err.Error(), `abi policy "v99" not found`) {
		t.Errorf("error = %q", err.Error())
	}

	// A known version gets past policy resolution and fails on the missing
	// interpreter instead.
	err = build(worldFile, "", "no-such-interp.wasm", out, "v1")
	if err == nil || !strings.Contains(err.Error(), "read interpreter") {
		t.Errorf("error = %v, want missing interpreter", err)
	}
}

func TestInspectWorldABIVersion(t *testing.T) {
	worldFile := writeWorldFile(t)

	name, funcs, err := inspectWorld(worldFile, "v1")
	if err != nil {
		t.Fatalf("inspectWorld: %v", err)
	}
	if name != "demo" || len(funcs) != 1 {
		t.Errorf("world = %q with %d functions", name, len(funcs))
	}
	if funcs[0].binding.CoreName != "app#echo" {
		t.Errorf("core name = %q", funcs[0].binding.CoreName)
	}

	if _, _, err := inspectWorld(worldFile, "v99"); err == nil {
		t.Error("expected error for unknown ABI version")
	}
}
