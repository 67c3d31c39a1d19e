package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	componentize "github.com/wippyai/componentize"
	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/assemble"
	"github.com/wippyai/componentize/codegen"
	"github.com/wippyai/componentize/world"
)

func main() {
	var (
		worldFile   = flag.String("world", "", "Path to resolved world JSON")
		appFile     = flag.String("app", "", "Path to application source to embed")
		interpFile  = flag.String("interp", "", "Path to frozen interpreter wasm module")
		outFile     = flag.String("o", "component.wasm", "Output component path")
		abiVersion  = flag.String("abi", "v1", "Canonical ABI policy version")
		interactive = flag.Bool("i", false, "Interactive world inspector")
		verbose     = flag.Bool("v", false, "Verbose build logging")
	)
	flag.Parse()

	if *worldFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: componentize -world <world.json> -app <source> -interp <interp.wasm> -o <out.wasm>")
		fmt.Fprintln(os.Stderr, "       componentize -world <world.json> -i  (inspect the world)")
		os.Exit(1)
	}

	if *verbose {
		logger, err := zap.NewDevelopment()
		if err == nil {
			componentize.SetLogger(logger)
			defer logger.Sync()
		}
	}

	if *interactive {
		if err := runInspector(*worldFile, *abiVersion); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *interpFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -interp is required to build")
		os.Exit(1)
	}
	if err := build(*worldFile, *appFile, *interpFile, *outFile, *abiVersion); err != nil {
		// Structured diagnostics already carry "[phase] kind at path: detail".
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func build(worldFile, appFile, interpFile, outFile, abiVersion string) error {
	ctx := context.Background()

	worldData, err := os.ReadFile(worldFile)
	if err != nil {
		return fmt.Errorf("read world: %w", err)
	}
	w, err := world.Decode(worldData)
	if err != nil {
		return err
	}
	if err := world.Validate(w); err != nil {
		return err
	}

	policy, err := abi.PolicyFor(abiVersion)
	if err != nil {
		return err
	}
	gen, err := codegen.Generate(w, abi.NewMapper(policy))
	if err != nil {
		return err
	}

	interp, err := os.ReadFile(interpFile)
	if err != nil {
		return fmt.Errorf("read interpreter: %w", err)
	}

	opts := []assemble.Option{assemble.WithABIVersion(abiVersion)}
	if appFile != "" {
		program, err := os.ReadFile(appFile)
		if err != nil {
			return fmt.Errorf("read app: %w", err)
		}
		opts = append(opts, assemble.WithProgram(filepath.Base(appFile), program))
	}

	artifact, err := assemble.Assemble(ctx, w, gen, interp, opts...)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outFile, artifact, 0o644); err != nil {
		return fmt.Errorf("write component: %w", err)
	}
	fmt.Printf("%s: %d bytes, world %s, %d exports\n", outFile, len(artifact), w.Name, len(gen.Exports))
	return nil
}
