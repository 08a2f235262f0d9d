// Package build drives a single compilation from source access to a signed
// artifact, and always reports the outcome as a models.BuildResult.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/compiler"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/git"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/metrics"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/resolver"
)

// Failure stages reported in models.BuildError.
const (
	StageValidate = "validate"
	StageSource   = "source"
	StageEntry    = "entry"
	StageCompile  = "compile"
	StageInternal = "internal"
)

// WorkerFactory creates the worker that compiles a source entry.
type WorkerFactory func(req models.BuildRequest, entry string) (compiler.Worker, error)

type Options struct {
	Resolver        resolver.Config
	Host            *compiler.Host
	CompilerCommand []string
	WorkDir         string
	CloneDir        string // workspace checkouts, WorkDir when empty
	Signer          *Signer
	NewWorker       WorkerFactory
	Runner          compiler.Runner
}

type Orchestrator struct {
	provider git.SourceProvider
	opts     Options
	logger   zerolog.Logger
}

func New(provider git.SourceProvider, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Host == nil {
		opts.Host = compiler.NewHost(compiler.Options{}, logger)
	}
	o := &Orchestrator{provider: provider, opts: opts, logger: logger}
	if o.opts.NewWorker == nil {
		o.opts.NewWorker = o.defaultWorker
	}
	return o
}

// defaultWorker picks the prebuilt compiler for wasm entries and the
// configured compiler process for everything else.
func (o *Orchestrator) defaultWorker(req models.BuildRequest, entry string) (compiler.Worker, error) {
	if strings.HasSuffix(entry, ".wasm") {
		return compiler.NewInProcessWorker(&compiler.PrebuiltCompiler{AppVersion: req.Version}), nil
	}
	if len(o.opts.CompilerCommand) == 0 {
		return nil, errors.New("no compiler command configured")
	}
	return compiler.NewProcessWorker(o.opts.CompilerCommand, o.opts.WorkDir, nil, o.logger), nil
}

// Build runs req with its strategy. It never panics and never returns an
// error; every failure is a BuildResult with Success false.
func (o *Orchestrator) Build(ctx context.Context, req models.BuildRequest) (result models.BuildResult) {
	started := time.Now()
	strategy := req.Strategy
	if strategy == "" {
		strategy = models.StrategyContent
	}
	logger := o.logger.With().
		Str("owner", req.Owner).
		Str("repo", req.Repo).
		Str("build", req.ShortBuild()).
		Str("strategy", string(strategy)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("build panicked")
			result = models.BuildFailed(StageInternal, fmt.Sprintf("build panicked: %v", r), nil, "", "")
		}
		metrics.RecordBuild(string(strategy), result.Success, time.Since(started))
		if result.Success {
			logger.Info().Dur("duration", time.Since(started)).Int("wasm_bytes", len(result.Output.Wasm)).Msg("build succeeded")
		} else {
			logger.Warn().Str("error", result.Error.Error()).Msg("build failed")
		}
	}()

	if err := models.ValidateBuildRequest(&req); err != nil {
		return models.BuildFailed(StageValidate, err.Error(), nil, "", "")
	}

	switch strategy {
	case models.StrategyWorkspace:
		return o.buildWorkspace(ctx, req, logger)
	default:
		source := git.NewSnapshot(o.provider, req.Owner, req.Repo, req.After, req.RootDir)
		return o.buildSource(ctx, req, source, logger)
	}
}

// BuildFrom compiles the application served by source, independent of any
// repository. It is used for local builds.
func (o *Orchestrator) BuildFrom(ctx context.Context, req models.BuildRequest, source ContentSource) (result models.BuildResult) {
	defer func() {
		if r := recover(); r != nil {
			result = models.BuildFailed(StageInternal, fmt.Sprintf("build panicked: %v", r), nil, "", "")
		}
	}()
	return o.buildSource(ctx, req, source, o.logger)
}

func (o *Orchestrator) buildSource(ctx context.Context, req models.BuildRequest, source ContentSource, logger zerolog.Logger) models.BuildResult {
	entry, err := FindEntry(ctx, source, req.Entry)
	if err != nil {
		return models.BuildFailed(StageEntry, err.Error(), nil, "", "")
	}

	res, err := resolver.New(o.opts.Resolver, source, req.Dependencies, logger)
	if err != nil {
		return models.BuildFailed(StageSource, err.Error(), nil, "", "")
	}

	worker, err := o.opts.NewWorker(req, entry)
	if err != nil {
		return models.BuildFailed(StageCompile, err.Error(), nil, "", "")
	}

	out := o.opts.Host.Run(ctx, worker, compiler.Compile{Entry: entry}, res.Resolve, progressLogger(logger))
	return o.finish(ctx, out, res.Manifest(), res.Diagnostics(), logger)
}

func (o *Orchestrator) buildWorkspace(ctx context.Context, req models.BuildRequest, logger zerolog.Logger) models.BuildResult {
	dir := o.opts.CloneDir
	if dir == "" {
		dir = o.opts.WorkDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.BuildFailed(StageSource, fmt.Sprintf("failed to create clone directory: %v", err), nil, "", "")
	}

	worker := &compiler.WorkspaceWorker{
		WorkDir:  dir,
		RootDir:  req.RootDir,
		AppIndex: req.AppIndex,
		Version:  req.Version,
		Run:      o.opts.Runner,
		Prepare: func(ctx context.Context, dir string) error {
			return o.provider.Checkout(ctx, req.Owner, req.Repo, req.After, dir)
		},
	}

	out := o.opts.Host.Run(ctx, worker, compiler.Compile{Entry: req.Entry}, nil, progressLogger(logger))
	return o.finish(ctx, out, nil, "", logger)
}

func (o *Orchestrator) finish(ctx context.Context, out *compiler.Outcome, manifest models.DependenciesManifest, diagnostics string, logger zerolog.Logger) models.BuildResult {
	if manifest == nil {
		manifest = models.DependenciesManifest{}
	}
	manifest.Merge(out.Dependencies)

	stderr := out.Stderr
	if diagnostics != "" {
		if stderr != "" && !strings.HasSuffix(stderr, "\n") {
			stderr += "\n"
		}
		stderr += diagnostics
	}

	if !out.Success {
		return models.BuildFailed(StageCompile, out.Error, manifest, out.Stdout, stderr)
	}

	dts := out.Dts
	if dts == "" && len(out.Wasm) > 0 {
		if exports, err := compiler.DescribeExports(ctx, out.Wasm); err == nil {
			dts = compiler.RenderDeclarations(exports)
		} else {
			logger.Warn().Err(err).Msg("failed to derive declarations from module")
		}
	}

	output := &models.BuildOutput{
		Stats:             out.Stats,
		Wasm:              out.Wasm,
		Wat:               out.Wat,
		Dts:               dts,
		ContractFunctions: ExtractContractFunctions(dts),
	}

	if o.opts.Signer != nil && len(out.Wasm) > 0 {
		sig, err := o.opts.Signer.Sign(out.Wasm)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to sign module, continuing without signature")
		} else {
			output.Signature = sig
		}
	}

	return models.BuildResult{
		Success:              true,
		Output:               output,
		DependenciesManifest: manifest,
		Stdout:               out.Stdout,
		Stderr:               stderr,
	}
}

func progressLogger(logger zerolog.Logger) func(compiler.Progress) {
	return func(p compiler.Progress) {
		e := logger.Info()
		if p.Stream != "" {
			e = logger.Debug().Str("stream", p.Stream)
		}
		e.Str("stage", p.Stage).Str("data", p.Data).Msg("build progress")
	}
}
