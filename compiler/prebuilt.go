package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

// PrebuiltCompiler accepts an already compiled module. It validates the
// binary and derives a declaration surface from its exports.
type PrebuiltCompiler struct {
	AppVersion string
}

func (c *PrebuiltCompiler) Version() string {
	return "wazero-prebuilt"
}

func (c *PrebuiltCompiler) Compile(ctx context.Context, entry string, fs FileSystem) (*Result, error) {
	wasm, ok := fs.ReadFile(ctx, entry)
	if !ok {
		return nil, &CompileError{Message: fmt.Sprintf("entry %s not found", entry)}
	}

	exports, err := DescribeExports(ctx, wasm)
	if err != nil {
		return nil, &CompileError{Message: err.Error(), Stderr: err.Error()}
	}

	if err := fs.WriteFile("index.wasm", wasm); err != nil {
		return nil, err
	}
	if err := fs.WriteFile("index.d.ts", []byte(RenderDeclarations(exports))); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(wasm)
	return &Result{
		Stdout: fmt.Sprintf("validated %s: %d exported functions\n", entry, len(exports)),
		Dependencies: models.DependenciesManifest{
			"index.wasm": {
				Version: c.AppVersion,
				Digests: map[string]string{"index.wasm": hex.EncodeToString(sum[:])},
			},
		},
	}, nil
}

// Export describes one exported function of a module.
type Export struct {
	Name    string
	Params  []string
	Results []string
}

// DescribeExports compiles wasm without instantiating it and lists its
// exported functions sorted by name.
func DescribeExports(ctx context.Context, wasm []byte) ([]Export, error) {
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer r.Close(ctx)

	mod, err := r.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("invalid wasm module: %w", err)
	}
	defer mod.Close(ctx)

	var exports []Export
	for name, def := range mod.ExportedFunctions() {
		exports = append(exports, Export{
			Name:    name,
			Params:  valueTypeNames(def.ParamTypes()),
			Results: valueTypeNames(def.ResultTypes()),
		})
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })
	return exports, nil
}

func valueTypeNames(types []api.ValueType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return names
}

// RenderDeclarations writes one declaration line per export.
func RenderDeclarations(exports []Export) string {
	var b strings.Builder
	for _, e := range exports {
		params := make([]string, len(e.Params))
		for i, p := range e.Params {
			params[i] = fmt.Sprintf("p%d: %s", i, p)
		}
		result := "void"
		if len(e.Results) > 0 {
			result = e.Results[0]
		}
		fmt.Fprintf(&b, "export declare function %s(%s): %s;\n", e.Name, strings.Join(params, ", "), result)
	}
	return b.String()
}
