package compiler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

// Runner executes one build command in dir.
type Runner func(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// PackageManager identifies the toolchain used by a workspace build.
type PackageManager string

const (
	Yarn  PackageManager = "yarn"
	NPM   PackageManager = "npm"
	Cargo PackageManager = "cargo"
)

type stage struct {
	name string
	cmd  string
	args []string
}

func (pm PackageManager) stages() []stage {
	switch pm {
	case Yarn:
		return []stage{
			{"install", "yarn", []string{"install", "--frozen-lockfile"}},
			{"build", "yarn", []string{"build"}},
		}
	case NPM:
		return []stage{
			{"install", "npm", []string{"ci"}},
			{"build", "npm", []string{"run", "build"}},
		}
	case Cargo:
		return []stage{
			{"fetch", "cargo", []string{"fetch"}},
			{"build", "cargo", []string{"build", "--target", "wasm32-unknown-unknown", "--release"}},
		}
	}
	return nil
}

// DetectPackageManager inspects the lock files in dir.
func DetectPackageManager(dir string) (PackageManager, error) {
	checks := []struct {
		file string
		pm   PackageManager
	}{
		{"yarn.lock", Yarn},
		{"package-lock.json", NPM},
		{"Cargo.toml", Cargo},
		{"Cargo.lock", Cargo},
	}
	for _, c := range checks {
		if _, err := os.Stat(filepath.Join(dir, c.file)); err == nil {
			return c.pm, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found in %s", dir)
}

// WorkspaceWorker builds an application from a full checkout with its own
// toolchain instead of feeding files through the protocol. Prepare
// populates the working directory, which is removed on every exit path.
type WorkspaceWorker struct {
	WorkDir  string
	RootDir  string
	AppIndex int
	Version  string
	Prepare  func(ctx context.Context, dir string) error
	Run      Runner

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (w *WorkspaceWorker) Start(ctx context.Context, commands <-chan Message) (<-chan Message, error) {
	if w.Prepare == nil {
		return nil, fmt.Errorf("workspace worker has no prepare step")
	}
	run := w.Run
	if run == nil {
		run = ExecRunner
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	events := make(chan Message, 16)
	go func() {
		defer close(events)

		emit := func(m Message) bool {
			select {
			case events <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}

		select {
		case <-commands:
		case <-ctx.Done():
			return
		}

		msg := w.build(ctx, run, emit)
		emit(msg)
	}()

	return events, nil
}

func (w *WorkspaceWorker) build(ctx context.Context, run Runner, emit func(Message) bool) (result Message) {
	var stdout, stderr strings.Builder
	defer func() {
		if r := recover(); r != nil {
			result = Errored{Error: fmt.Sprintf("workspace build panic: %v", r), Stdout: stdout.String(), Stderr: stderr.String()}
		}
	}()
	fail := func(format string, args ...any) Message {
		return Errored{Error: fmt.Sprintf(format, args...), Stdout: stdout.String(), Stderr: stderr.String()}
	}

	dir, err := os.MkdirTemp(w.WorkDir, "workspace-*")
	if err != nil {
		return fail("failed to create working directory: %v", err)
	}
	defer os.RemoveAll(dir)

	emit(Progress{Stage: "clone"})
	if err := w.Prepare(ctx, dir); err != nil {
		return fail("failed to check out workspace: %v", err)
	}

	root := filepath.Join(dir, filepath.FromSlash(w.RootDir))
	pm, err := DetectPackageManager(root)
	if err != nil {
		return fail("%v", err)
	}
	emit(Start{Version: string(pm)})

	for _, s := range pm.stages() {
		emit(Progress{Stage: s.name, Data: s.cmd + " " + strings.Join(s.args, " ")})
		out, errOut, err := run(ctx, root, w.env(), s.cmd, s.args...)
		stdout.WriteString(out)
		stderr.WriteString(errOut)
		if out != "" {
			emit(Progress{Stage: s.name, Stream: "stdout", Data: out})
		}
		if errOut != "" {
			emit(Progress{Stage: s.name, Stream: "stderr", Data: errOut})
		}
		if err != nil {
			return fail("%s failed: %v", s.name, err)
		}
	}

	outputs, manifest, err := w.collect(root, pm)
	if err != nil {
		return fail("%v", err)
	}
	for _, f := range outputs {
		if !emit(f) {
			return fail("workspace build canceled")
		}
	}

	return Done{
		Stats:        models.BuildStats{CompilerVersion: string(pm), FilesWritten: len(outputs)},
		Dependencies: manifest,
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
	}
}

func (w *WorkspaceWorker) env() []string {
	return []string{fmt.Sprintf("WASM_DEPLOY_APP_INDEX=%d", w.AppIndex)}
}

func (w *WorkspaceWorker) collect(root string, pm PackageManager) ([]Message, models.DependenciesManifest, error) {
	var (
		pattern  string
		manifest models.DependenciesManifest
		err      error
	)

	switch pm {
	case Cargo:
		var crate string
		crate, manifest, err = readCargoManifest(filepath.Join(root, "Cargo.toml"))
		if err != nil {
			return nil, nil, err
		}
		pattern = filepath.Join(root, "target", "wasm32-unknown-unknown", "release", crate+".*")
	default:
		manifest, err = readPackageManifest(filepath.Join(root, "package.json"))
		if err != nil {
			return nil, nil, err
		}
		pattern = filepath.Join(root, ".wasm-deploy", fmt.Sprintf("%d-*", w.AppIndex))
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list build outputs: %w", err)
	}
	sort.Strings(matches)

	var writes []Message
	for _, path := range matches {
		if ClassifyArtifact(path) == ArtifactIgnored {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read build output %s: %w", filepath.Base(path), err)
		}
		writes = append(writes, Write{Filename: filepath.Base(path), Contents: data})
		if ClassifyArtifact(path) == ArtifactWasm {
			sum := sha256.Sum256(data)
			manifest["index.wasm"] = models.PackageDigests{
				Version: w.Version,
				Digests: map[string]string{filepath.Base(path): hex.EncodeToString(sum[:])},
			}
		}
	}
	if len(writes) == 0 {
		return nil, nil, fmt.Errorf("build produced no outputs matching %s", filepath.Base(pattern))
	}
	return writes, manifest, nil
}

func (w *WorkspaceWorker) Terminate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

type cargoManifest struct {
	Package struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"package"`
	Lib struct {
		Name string `toml:"name"`
	} `toml:"lib"`
	Dependencies map[string]toml.Primitive `toml:"dependencies"`
}

// readCargoManifest returns the crate's artifact name and its declared
// dependencies. Dependency entries may be a version string or a table.
func readCargoManifest(path string) (string, models.DependenciesManifest, error) {
	var m cargoManifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse Cargo.toml: %w", err)
	}

	crate := m.Lib.Name
	if crate == "" {
		crate = m.Package.Name
	}
	crate = strings.ReplaceAll(crate, "-", "_")

	manifest := models.DependenciesManifest{}
	for name, prim := range m.Dependencies {
		var version string
		if err := md.PrimitiveDecode(prim, &version); err != nil {
			var table struct {
				Version string `toml:"version"`
			}
			if err := md.PrimitiveDecode(prim, &table); err == nil {
				version = table.Version
			}
		}
		manifest[name] = models.PackageDigests{Version: version, Digests: map[string]string{}}
	}
	return crate, manifest, nil
}

func readPackageManifest(path string) (models.DependenciesManifest, error) {
	manifest := models.DependenciesManifest{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return manifest, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read package.json: %w", err)
	}

	pkg, err := models.ParsePackageJSON(data)
	if err != nil {
		return nil, err
	}
	for name, version := range pkg.Versions() {
		manifest[name] = models.PackageDigests{Version: version, Digests: map[string]string{}}
	}
	return manifest, nil
}
