package assemble

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	componentize "github.com/wippyai/componentize"
	"github.com/wippyai/componentize/bind"
	"github.com/wippyai/componentize/codegen"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/wasm"
	"github.com/wippyai/componentize/world"
)

// ManifestSection names the custom section carrying the program manifest.
const ManifestSection = "componentize:manifest"

// Manifest describes the embedded program so hosts can introspect the
// artifact without running it.
type Manifest struct {
	World   string   `json:"world"`
	ABI     string   `json:"abi"`
	Entry   string   `json:"entry,omitempty"`
	Exports []string `json:"exports"`
}

// Options configures assembly.
type Options struct {
	// ProgramName and ProgramData embed the application source as a
	// passive data segment plus a manifest entry.
	ProgramName string
	ProgramData []byte

	// ABIVersion is recorded in the manifest. Empty means v1.
	ABIVersion string

	// SkipValidate disables the wazero compile check of the merged core
	// module.
	SkipValidate bool
}

// Option mutates assembly options.
type Option func(*Options)

// WithProgram embeds the application source in the artifact.
func WithProgram(name string, data []byte) Option {
	return func(o *Options) {
		o.ProgramName = name
		o.ProgramData = data
	}
}

// WithABIVersion records a non-default ABI version in the manifest.
func WithABIVersion(v string) Option {
	return func(o *Options) { o.ABIVersion = v }
}

// WithoutValidation skips the compile check. Meant for tests exercising
// deliberately broken inputs.
func WithoutValidation() Option {
	return func(o *Options) { o.SkipValidate = true }
}

// Assemble merges the generated bindings with the frozen interpreter
// module, embeds the program and manifest, validates the merged core
// module and wraps it into a component binary.
func Assemble(ctx context.Context, w *world.World, gen *codegen.Result, interpreter []byte, opts ...Option) ([]byte, error) {
	o := Options{ABIVersion: "v1"}
	for _, opt := range opts {
		opt(&o)
	}

	interpMod, err := wasm.ParseModule(interpreter)
	if err != nil {
		return nil, errors.Assembly("parse interpreter module", err)
	}

	merged, err := merge(interpMod, gen.Module)
	if err != nil {
		return nil, err
	}

	if len(o.ProgramData) > 0 {
		merged.Data = append(merged.Data, wasm.DataSegment{Flags: 1, Init: o.ProgramData})
		n := uint32(len(merged.Data))
		merged.DataCount = &n
	}

	manifest := Manifest{
		World:   w.Name,
		ABI:     o.ABIVersion,
		Entry:   o.ProgramName,
		Exports: make([]string, 0, len(gen.Exports)),
	}
	for _, exp := range gen.Exports {
		manifest.Exports = append(manifest.Exports, exp.Binding.CoreName)
	}
	manifestData, err := json.Marshal(manifest)
	if err != nil {
		return nil, errors.Assembly("encode manifest", err)
	}
	merged.CustomSections = append(merged.CustomSections, wasm.CustomSection{
		Name: ManifestSection,
		Data: manifestData,
	})

	core := merged.Encode()

	if !o.SkipValidate {
		if err := validate(ctx, w, gen, merged, core); err != nil {
			return nil, err
		}
	}

	artifact, err := encodeComponent(w, gen, core)
	if err != nil {
		return nil, err
	}

	componentize.Logger().Info("component assembled",
		zap.String("world", w.Name),
		zap.Int("core_bytes", len(core)),
		zap.Int("component_bytes", len(artifact)),
		zap.Int("exports", len(gen.Exports)))
	return artifact, nil
}

// validate compiles the merged module under wazero and cross-checks its
// exports against the world's declared surface.
func validate(ctx context.Context, w *world.World, gen *codegen.Result, merged *wasm.Module, core []byte) error {
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	if _, err := rt.CompileModule(ctx, core); err != nil {
		return errors.Assembly("merged core module failed validation", err)
	}

	exported := make(map[string]bool, len(merged.Exports))
	for _, e := range merged.Exports {
		if e.Kind == wasm.KindFunc {
			exported[e.Name] = true
		}
	}

	bound := make(map[string]bool, len(gen.Exports))
	for _, exp := range gen.Exports {
		bound[exp.Binding.CoreName] = true
		if !exported[exp.Binding.CoreName] {
			return errors.Assembly("merged module does not export "+exp.Binding.CoreName, nil)
		}
		if exp.Binding.ResultIndirect && !exported[bind.PostReturnName(exp.Binding.CoreName)] {
			return errors.Assembly("missing post-return for "+exp.Binding.CoreName, nil)
		}
	}
	if !exported[codegen.ReallocExport] {
		return errors.Assembly("merged module does not export "+codegen.ReallocExport, nil)
	}

	// Every exported world function must be bound, and nothing extra.
	declared := 0
	err := w.EachFunction(func(iface *world.Interface, fn *world.Function, imported bool) error {
		if imported {
			return nil
		}
		declared++
		name := bind.CoreName(iface.Name, fn.WitName())
		if !bound[name] {
			return errors.Assembly("world export "+name+" has no binding", nil)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if declared != len(gen.Exports) {
		return errors.Assembly("bindings and world disagree on export count", nil)
	}
	return nil
}
