package models

import (
	"errors"
	"time"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a deployment record.
type Status string

const (
	StatusCreated     Status = "created"
	StatusCompiled    Status = "compiled"
	StatusDeploying   Status = "deploying"
	StatusDeployed    Status = "deployed"
	StatusUpdating    Status = "updating"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusErrored     Status = "errored"
)

// IsValid checks if the status is one of the known lifecycle states
func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusCompiled, StatusDeploying, StatusDeployed,
		StatusUpdating, StatusTerminating, StatusTerminated, StatusErrored:
		return true
	default:
		return false
	}
}

// IsTransient reports whether the status is one the pruner forces to errored
// once it has been untouched for too long.
func (s Status) IsTransient() bool {
	switch s {
	case StatusCreated, StatusCompiled, StatusDeploying, StatusTerminating:
		return true
	default:
		return false
	}
}

// IsSettled reports whether a freshly created deployment has reached an outcome.
func (s Status) IsSettled() bool {
	return s == StatusDeployed || s == StatusErrored
}

func (s Status) String() string {
	return string(s)
}

// TransientStatuses are the in-flight statuses owned by a running pipeline.
var TransientStatuses = []Status{StatusCreated, StatusCompiled, StatusDeploying, StatusTerminating}

// PendingStatuses are the statuses a new deployment holds before it settles.
var PendingStatuses = []Status{StatusCreated, StatusCompiled, StatusDeploying}

// Life tells whether a deployment expires on its own.
type Life string

const (
	LifeShort Life = "short"
	LifeLong  Life = "long"
)

// DeploymentError is the structured failure stored on an errored deployment.
type DeploymentError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *DeploymentError) Error() string {
	return e.Message
}

const (
	ErrorKindBuild    = "build"
	ErrorKindEmpty    = "empty_artifact"
	ErrorKindDispatch = "dispatch"
	ErrorKindTimeout  = "timeout"
	ErrorKindInternal = "internal"
)

// PackageDigests records the resolved version of a package and the content
// hash of every file read from it.
type PackageDigests struct {
	Version string            `json:"version"`
	Digests map[string]string `json:"digests"`
}

// DependenciesManifest maps package names to their resolved files.
type DependenciesManifest map[string]PackageDigests

// Merge copies every entry of other into m. Digests of a package present in
// both are unioned and the version from other wins when set.
func (m DependenciesManifest) Merge(other DependenciesManifest) {
	for pkg, entry := range other {
		current, ok := m[pkg]
		if !ok {
			current = PackageDigests{Digests: map[string]string{}}
		}
		if entry.Version != "" {
			current.Version = entry.Version
		}
		if current.Digests == nil {
			current.Digests = map[string]string{}
		}
		for path, digest := range entry.Digests {
			current.Digests[path] = digest
		}
		m[pkg] = current
	}
}

// SignatureBundle is a detached signature over a compiled binary.
type SignatureBundle struct {
	Algorithm string    `json:"algorithm"`
	KeyID     string    `json:"key_id"`
	PublicKey string    `json:"public_key"`
	Digest    string    `json:"digest"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// Deployment is the unit of lifecycle tracking for one target address.
type Deployment struct {
	ID                   string               `json:"id"`
	ApplicationID        string               `json:"application_id"`
	Set                  string               `json:"set"`
	Branch               string               `json:"branch"`
	Build                string               `json:"build"`
	Version              string               `json:"version,omitempty"`
	Status               Status               `json:"status"`
	Life                 Life                 `json:"life"`
	ExpiresOn            time.Time            `json:"expires_on"`
	Address              DeploymentAddress    `json:"address"`
	Wasm                 []byte               `json:"wasm,omitempty"`
	Wat                  string               `json:"wat,omitempty"`
	Dts                  string               `json:"dts,omitempty"`
	ContractFunctions    []string             `json:"contract_functions"`
	Stdout               string               `json:"stdout,omitempty"`
	Stderr               string               `json:"stderr,omitempty"`
	Error                *DeploymentError     `json:"error,omitempty"`
	DependenciesManifest DependenciesManifest `json:"dependencies_manifest,omitempty"`
	Signature            *SignatureBundle     `json:"signature,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// DeploymentAddress is the fully qualified name a deployment is served under.
type DeploymentAddress struct {
	ID   string `json:"id"`
	FQDN string `json:"fqdn"`
}

// AddressGroup is one fqdn and the number of deployments occupying it.
type AddressGroup struct {
	FQDN  string `json:"fqdn"`
	Count int    `json:"count"`
}

// DeploymentEvent is an audit trail entry for a deployment.
type DeploymentEvent struct {
	ID           int64     `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	EventType    string    `json:"event_type"`
	Details      string    `json:"details,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type HealthResponse struct {
	Status              string `json:"status"`
	Version             string `json:"version"`
	DatabaseAccessible  bool   `json:"database_accessible"`
	DispatcherConnected bool   `json:"dispatcher_connected"`
}

// Artifact is a compiled module published to an OCI registry.
type Artifact struct {
	Tag       string    `json:"tag"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

type ReleaseRequest struct {
	RequestedBy string `json:"requested_by"`
}

type ErrorResponse struct {
	Error   string    `json:"error"`
	Details string    `json:"details,omitempty"`
	Time    time.Time `json:"time"`
}

type DeploymentListResponse struct {
	Deployments []Deployment `json:"deployments"`
	Total       int          `json:"total"`
}
