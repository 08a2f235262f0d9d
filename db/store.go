package db

import (
	"context"
	"errors"
	"time"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

var (
	ErrNotFound            = errors.New("deployment not found")
	ErrApplicationNotFound = errors.New("application not found")
)

// Store is the persistence contract the deployment pipeline depends on.
// Status writes are conditional: when from is non-empty the update only
// applies if the current status is one of them, and the boolean result
// reports whether a row changed.
type Store interface {
	CreateDeployment(ctx context.Context, dep *models.Deployment) error
	GetDeployment(ctx context.Context, id string) (*models.Deployment, error)
	FindActiveByAddress(ctx context.Context, fqdn string) (*models.Deployment, error)
	FindByAddressAndStatus(ctx context.Context, fqdn string, statuses ...models.Status) ([]models.Deployment, error)
	SetStatus(ctx context.Context, id string, to models.Status, from ...models.Status) (bool, error)
	SetErrored(ctx context.Context, id string, derr models.DeploymentError, from ...models.Status) (bool, error)
	SaveBuildOutput(ctx context.Context, id, stdout, stderr string, manifest models.DependenciesManifest) error
	SaveArtifact(ctx context.Context, id string, out *models.BuildOutput) error
	DeleteDeployment(ctx context.Context, id string) error
	GroupByAddressWithCount(ctx context.Context, life models.Life, status models.Status) ([]models.AddressGroup, error)
	FindExpired(ctx context.Context, now time.Time, life models.Life, statuses ...models.Status) ([]models.Deployment, error)
	FindStale(ctx context.Context, olderThan time.Time, statuses ...models.Status) ([]models.Deployment, error)
	ListDeployments(ctx context.Context, applicationID string, limit, offset int) ([]models.Deployment, int, error)
	AddEvent(ctx context.Context, deploymentID, eventType, details string) error
}

// Catalog holds the applications and custom domains deployments are made for.
type Catalog interface {
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	ListApplicationsByRepo(ctx context.Context, owner, repo string) ([]models.Application, error)
	AddDomain(ctx context.Context, domain *models.Domain) error
	ListDomains(ctx context.Context, applicationID string, verifiedOnly bool) ([]models.Domain, error)
}

var (
	_ Store   = (*Database)(nil)
	_ Catalog = (*Database)(nil)
)
