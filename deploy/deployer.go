// Package deploy owns the lifecycle of deployment records: it turns change
// events into builds per target address and hands compiled modules to the
// dispatcher.
package deploy

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/db"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/dispatch"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/git"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/logging"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/metrics"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

const (
	msgTimedOut      = "Deployment timed out"
	msgEmptyArtifact = "Empty wasm"
)

// Builder compiles one build request.
type Builder interface {
	Build(ctx context.Context, req models.BuildRequest) models.BuildResult
}

// Dispatcher ships deployments to the execution network.
type Dispatcher interface {
	Deploy(ctx context.Context, dep *models.Deployment, previous *models.Deployment, settled dispatch.SettledFunc)
	Clone(ctx context.Context, dep *models.Deployment, sourceFQDN string, previous *models.Deployment, settled dispatch.SettledFunc)
	Deactivate(ctx context.Context, dep *models.Deployment) error
	Delete(ctx context.Context, dep *models.Deployment) error
}

// Publisher stores successful builds as artifacts.
type Publisher interface {
	Publish(ctx context.Context, tag string, wasm []byte, sig *models.SignatureBundle, revision string) (string, error)
}

type Options struct {
	BaseDomain     string
	ReleaseDomain  string
	ConfigFile     string
	ConfirmTimeout time.Duration
	ShortLife      time.Duration
	LongLife       time.Duration
	Publisher      Publisher
}

type Deployer struct {
	store      db.Store
	catalog    db.Catalog
	source     git.SourceProvider
	builder    Builder
	dispatcher Dispatcher
	opts       Options
	logger     zerolog.Logger
	now        func() time.Time

	// pending tracks push handling and confirmation watchdogs.
	pending sync.WaitGroup
}

func New(store db.Store, catalog db.Catalog, source git.SourceProvider, builder Builder, dispatcher Dispatcher, opts Options, logger zerolog.Logger) *Deployer {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 60 * time.Second
	}
	if opts.ReleaseDomain == "" {
		opts.ReleaseDomain = opts.BaseDomain
	}
	return &Deployer{
		store:      store,
		catalog:    catalog,
		source:     source,
		builder:    builder,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Wait blocks until every background push and watchdog has finished.
func (d *Deployer) Wait() {
	d.pending.Wait()
}

// Deploy builds req once per target and ships each result independently.
// It returns the ids of the deployments it created, in target order; a
// target whose record could not be created has an empty id. A failure on
// one target never affects another.
func (d *Deployer) Deploy(ctx context.Context, app models.Application, req models.BuildRequest, branch string, targets []string) []string {
	set := uuid.NewString()
	ids := make([]string, len(targets))

	var wg sync.WaitGroup
	for i, fqdn := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = d.deployTarget(ctx, app, req, branch, set, fqdn)
		}()
	}
	wg.Wait()
	return ids
}

func (d *Deployer) deployTarget(ctx context.Context, app models.Application, req models.BuildRequest, branch, set, fqdn string) (id string) {
	logger := d.logger.With().Str("application_id", app.ID).Str("fqdn", fqdn).Logger()

	previous, err := d.claim(ctx, fqdn)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim target address")
		return ""
	}

	now := d.now()
	dep := &models.Deployment{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		Set:           set,
		Branch:        branch,
		Build:         req.ShortBuild(),
		Version:       req.Version,
		Status:        models.StatusCreated,
		Life:          models.LifeShort,
		ExpiresOn:     now.Add(d.opts.ShortLife),
		Address:       models.DeploymentAddress{FQDN: fqdn},
	}
	if err := d.store.CreateDeployment(ctx, dep); err != nil {
		logger.Error().Err(err).Msg("failed to create deployment")
		d.restore(ctx, previous, logger)
		return ""
	}
	logger = logger.With().Str("deployment_id", dep.ID).Logger()
	d.event(ctx, dep.ID, "created", req.After, logger)
	metrics.RecordTransition(string(models.StatusCreated))

	settled := d.watch(ctx, dep, previous, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("deployment panicked")
			d.errored(ctx, dep, previous, models.DeploymentError{
				Kind:    models.ErrorKindInternal,
				Message: fmt.Sprintf("internal error: %v", r),
			}, logger)
			settled(models.StatusErrored)
		}
	}()

	result := d.builder.Build(ctx, req)

	logging.BestEffort(logger, "save build output", func() error {
		return d.store.SaveBuildOutput(ctx, dep.ID, result.Stdout, result.Stderr, result.DependenciesManifest)
	})

	if !result.Success {
		d.errored(ctx, dep, previous, models.DeploymentError{Kind: models.ErrorKindBuild, Message: result.Error.Error()}, logger)
		settled(models.StatusErrored)
		return dep.ID
	}
	if len(result.Output.Wasm) == 0 {
		d.errored(ctx, dep, previous, models.DeploymentError{Kind: models.ErrorKindEmpty, Message: msgEmptyArtifact}, logger)
		settled(models.StatusErrored)
		return dep.ID
	}

	if err := d.store.SaveArtifact(ctx, dep.ID, result.Output); err != nil {
		logger.Error().Err(err).Msg("failed to save artifact")
		d.errored(ctx, dep, previous, models.DeploymentError{Kind: models.ErrorKindInternal, Message: err.Error()}, logger)
		settled(models.StatusErrored)
		return dep.ID
	}
	changed, err := d.store.SetStatus(ctx, dep.ID, models.StatusCompiled, models.StatusCreated)
	if err != nil || !changed {
		logger.Warn().Err(err).Msg("deployment settled before it compiled, not dispatching")
		return dep.ID
	}
	metrics.RecordTransition(string(models.StatusCompiled))
	d.event(ctx, dep.ID, "compiled", fmt.Sprintf("%d bytes", len(result.Output.Wasm)), logger)

	if d.opts.Publisher != nil {
		logging.BestEffort(logger, "publish artifact", func() error {
			digest, err := d.opts.Publisher.Publish(ctx, app.ID+"-"+dep.Build, result.Output.Wasm, result.Output.Signature, req.After)
			if err == nil {
				logger.Info().Str("digest", digest).Msg("artifact published")
			}
			return err
		})
	}

	dep.Status = models.StatusCompiled
	dep.Wasm = result.Output.Wasm
	d.dispatcher.Deploy(ctx, dep, previous, settled)
	return dep.ID
}

// claim flips the deployed occupant of fqdn, if any, to updating and
// returns it. Occupants still in flight are left to settle on their own.
func (d *Deployer) claim(ctx context.Context, fqdn string) (*models.Deployment, error) {
	occupant, err := d.store.FindActiveByAddress(ctx, fqdn)
	if err != nil {
		return nil, err
	}
	if occupant == nil || occupant.Status != models.StatusDeployed {
		return nil, nil
	}
	changed, err := d.store.SetStatus(ctx, occupant.ID, models.StatusUpdating, models.StatusDeployed)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	metrics.RecordTransition(string(models.StatusUpdating))
	occupant.Status = models.StatusUpdating
	return occupant, nil
}

// restore returns a claimed occupant to deployed if it is still updating.
func (d *Deployer) restore(ctx context.Context, previous *models.Deployment, logger zerolog.Logger) {
	if previous == nil {
		return
	}
	logging.BestEffort(logger, "restore previous occupant", func() error {
		_, err := d.store.SetStatus(ctx, previous.ID, models.StatusDeployed, models.StatusUpdating)
		return err
	})
}

// errored marks a pending deployment errored and restores the occupant it
// was replacing. It does nothing when the deployment already settled.
func (d *Deployer) errored(ctx context.Context, dep, previous *models.Deployment, derr models.DeploymentError, logger zerolog.Logger) bool {
	var changed bool
	logging.BestEffort(logger, "mark deployment errored", func() error {
		var err error
		changed, err = d.store.SetErrored(ctx, dep.ID, derr, models.PendingStatuses...)
		return err
	})
	if !changed {
		return false
	}
	metrics.RecordTransition(string(models.StatusErrored))
	logger.Warn().Str("kind", derr.Kind).Str("reason", derr.Message).Msg("deployment errored")
	d.event(ctx, dep.ID, "errored", derr.Message, logger)
	d.restore(ctx, previous, logger)
	return true
}

// watch races the confirmation timeout against the deployment settling.
// The returned function reports the outcome and may be called any number
// of times.
func (d *Deployer) watch(ctx context.Context, dep, previous *models.Deployment, logger zerolog.Logger) dispatch.SettledFunc {
	done := make(chan struct{})
	var once sync.Once
	settled := func(models.Status) {
		once.Do(func() { close(done) })
	}

	bg := context.WithoutCancel(ctx)
	timer := time.NewTimer(d.opts.ConfirmTimeout)
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			d.errored(bg, dep, previous, models.DeploymentError{Kind: models.ErrorKindTimeout, Message: msgTimedOut}, logger)
		}
	}()
	return settled
}

func (d *Deployer) event(ctx context.Context, id, kind, details string, logger zerolog.Logger) {
	logging.BestEffort(logger, "record "+kind+" event", func() error {
		return d.store.AddEvent(ctx, id, kind, details)
	})
}
