package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/build"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/compiler"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/internal/wasmctl/output"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/resolver"
)

var buildCmd = &cobra.Command{
	Use:   "build [dir]",
	Short: "Compile an application locally",
	Long: `Compile the application in dir (default ".") with the same resolver
and compiler host the service uses, and write the outputs to --out.

Prebuilt .wasm entries are validated and described in process; sources need
a compiler command speaking the worker protocol on stdio.

Example:
  wasmctl build ./apps/widget --out dist --compiler node,tools/compile.js`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		outDir, _ := cmd.Flags().GetString("out")
		entry, _ := cmd.Flags().GetString("entry")
		version, _ := cmd.Flags().GetString("version")
		cdnURL, _ := cmd.Flags().GetString("cdn-url")
		command, _ := cmd.Flags().GetStringSlice("compiler")
		keyPath, _ := cmd.Flags().GetString("key")
		verbose, _ := cmd.Flags().GetBool("verbose")

		logger := zerolog.Nop()
		if verbose {
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		}

		opts := build.Options{
			Resolver:        resolver.Config{CDNURL: cdnURL, Stubs: resolver.DefaultStubs()},
			Host:            compiler.NewHost(compiler.Options{}, logger),
			CompilerCommand: command,
			WorkDir:         dir,
		}
		if keyPath != "" {
			signer, err := build.LoadSigner(keyPath)
			if err != nil {
				return err
			}
			opts.Signer = signer
		}

		req := models.BuildRequest{Entry: entry, Version: version}
		result := build.New(nil, opts, logger).BuildFrom(cmd.Context(), req, build.DirSource{Root: dir})
		if !result.Success {
			if result.Stderr != "" {
				fmt.Fprintln(os.Stderr, strings.TrimRight(result.Stderr, "\n"))
			}
			return result.Error
		}

		written, err := writeOutputs(outDir, result.Output)
		if err != nil {
			return err
		}

		return output.Print(format(), buildSummary(result, written), func() {
			output.Success(fmt.Sprintf("Compiled %s (%d bytes)", result.Output.Stats.Entry, len(result.Output.Wasm)))
			for _, f := range written {
				fmt.Fprintf(output.Out, "  wrote %s\n", f)
			}
			if len(result.Output.ContractFunctions) > 0 {
				fmt.Fprintf(output.Out, "  functions: %s\n", strings.Join(result.Output.ContractFunctions, ", "))
			}
			if len(result.DependenciesManifest) > 0 {
				rows := make([][]string, 0, len(result.DependenciesManifest))
				for name, pkg := range result.DependenciesManifest {
					rows = append(rows, []string{name, pkg.Version, fmt.Sprint(len(pkg.Digests))})
				}
				sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
				fmt.Fprintln(output.Out)
				output.PrintTable([]string{"PACKAGE", "VERSION", "FILES"}, rows)
			}
		})
	},
}

func writeOutputs(dir string, out *models.BuildOutput) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	files := map[string][]byte{"index.wasm": out.Wasm}
	if out.Wat != "" {
		files["index.wat"] = []byte(out.Wat)
	}
	if out.Dts != "" {
		files["index.d.ts"] = []byte(out.Dts)
	}

	var written []string
	for name, data := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
		written = append(written, p)
	}
	sort.Strings(written)
	return written, nil
}

func buildSummary(result models.BuildResult, written []string) map[string]interface{} {
	return map[string]interface{}{
		"files":                 written,
		"stats":                 result.Output.Stats,
		"contract_functions":    result.Output.ContractFunctions,
		"dependencies_manifest": result.DependenciesManifest,
		"signature":             result.Output.Signature,
	}
}

func init() {
	buildCmd.Flags().String("out", "dist", "directory the outputs are written to")
	buildCmd.Flags().String("entry", "", "entry file (default: first of index.ts, index.wasm, assembly/index.ts)")
	buildCmd.Flags().String("version", "", "application version recorded in the manifest")
	buildCmd.Flags().String("cdn-url", "https://unpkg.com", "CDN dependency files are fetched from")
	buildCmd.Flags().StringSlice("compiler", nil, "compiler command speaking the worker protocol")
	buildCmd.Flags().String("key", "", "PEM ed25519 key used to sign the module")
	buildCmd.Flags().BoolP("verbose", "v", false, "log resolver and compiler progress to stderr")

	rootCmd.AddCommand(buildCmd)
}
