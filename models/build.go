package models

import "time"

// Strategy selects how source is made available to the compiler.
type Strategy string

const (
	// StrategyContent resolves every file on demand from the repository API.
	StrategyContent Strategy = "content"
	// StrategyWorkspace clones the repository and runs the package manager.
	StrategyWorkspace Strategy = "workspace"
)

// BuildRequest describes one compilation. It is never persisted.
type BuildRequest struct {
	Owner        string            `json:"owner" validate:"required,repo_name"`
	Repo         string            `json:"repo" validate:"required,repo_name"`
	Before       string            `json:"before,omitempty" validate:"omitempty,commit_sha"`
	After        string            `json:"after" validate:"required,commit_sha"`
	RootDir      string            `json:"root_dir" validate:"rootdir"`
	Entry        string            `json:"entry,omitempty"`
	AppIndex     int               `json:"app_index"`
	Version      string            `json:"version,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Strategy     Strategy          `json:"strategy" validate:"omitempty,oneof=content workspace"`
}

// ShortBuild is the abbreviated commit hash used as a build identifier.
func (r BuildRequest) ShortBuild() string {
	if len(r.After) > 8 {
		return r.After[:8]
	}
	return r.After
}

// BuildStats summarises a compilation.
type BuildStats struct {
	CompilerVersion string        `json:"compiler_version,omitempty"`
	Entry           string        `json:"entry"`
	FilesRead       int           `json:"files_read"`
	FilesMissing    int           `json:"files_missing"`
	FilesWritten    int           `json:"files_written"`
	Diagnostics     int           `json:"diagnostics"`
	Duration        time.Duration `json:"duration"`
}

// BuildOutput is the payload of a successful build.
type BuildOutput struct {
	Stats             BuildStats       `json:"stats"`
	Wasm              []byte           `json:"wasm"`
	Wat               string           `json:"wat,omitempty"`
	Dts               string           `json:"dts,omitempty"`
	ContractFunctions []string         `json:"contract_functions"`
	Signature         *SignatureBundle `json:"signature,omitempty"`
}

// BuildError describes why a build failed.
type BuildError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (e *BuildError) Error() string {
	if e.Stage == "" {
		return e.Message
	}
	return e.Stage + ": " + e.Message
}

// BuildResult is the tagged outcome of a build. Exactly one of Output and
// Error is set, matching Success.
type BuildResult struct {
	Success              bool                 `json:"success"`
	Output               *BuildOutput         `json:"result,omitempty"`
	Error                *BuildError          `json:"error,omitempty"`
	DependenciesManifest DependenciesManifest `json:"dependencies_manifest"`
	Stdout               string               `json:"stdout"`
	Stderr               string               `json:"stderr"`
}

// BuildFailed builds a failure result keeping whatever output was captured.
func BuildFailed(stage, message string, manifest DependenciesManifest, stdout, stderr string) BuildResult {
	if manifest == nil {
		manifest = DependenciesManifest{}
	}
	return BuildResult{
		Success:              false,
		Error:                &BuildError{Stage: stage, Message: message},
		DependenciesManifest: manifest,
		Stdout:               stdout,
		Stderr:               stderr,
	}
}
