package deploy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/metrics"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

// Release promotes a compiled deployment onto the application's permanent
// addresses without recompiling it.
func (d *Deployer) Release(ctx context.Context, deploymentID string) ([]*models.Deployment, error) {
	ref, err := d.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if len(ref.Wasm) == 0 {
		return nil, fmt.Errorf("%w: deployment %s has no compiled module", models.ErrInvalidTransition, ref.ID)
	}

	app, err := d.catalog.GetApplication(ctx, ref.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load application: %w", err)
	}
	domains, err := d.catalog.ListDomains(ctx, app.ID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	set := uuid.NewString()
	var released []*models.Deployment
	for _, fqdn := range ReleaseTargets(*app, domains, d.opts.ReleaseDomain) {
		if fqdn == ref.Address.FQDN {
			continue
		}
		logger := d.logger.With().Str("application_id", app.ID).Str("fqdn", fqdn).Str("source_id", ref.ID).Logger()

		previous, err := d.claim(ctx, fqdn)
		if err != nil {
			logger.Error().Err(err).Msg("failed to claim release address")
			continue
		}

		dep := &models.Deployment{
			ID:                   uuid.NewString(),
			ApplicationID:        ref.ApplicationID,
			Set:                  set,
			Branch:               ref.Branch,
			Build:                ref.Build,
			Version:              ref.Version,
			Status:               models.StatusDeploying,
			Life:                 models.LifeLong,
			ExpiresOn:            d.now().Add(d.opts.LongLife),
			Address:              models.DeploymentAddress{FQDN: fqdn},
			Wasm:                 ref.Wasm,
			Wat:                  ref.Wat,
			Dts:                  ref.Dts,
			ContractFunctions:    ref.ContractFunctions,
			DependenciesManifest: ref.DependenciesManifest,
			Signature:            ref.Signature,
		}
		if err := d.store.CreateDeployment(ctx, dep); err != nil {
			logger.Error().Err(err).Msg("failed to create release deployment")
			d.restore(ctx, previous, logger)
			continue
		}
		metrics.RecordTransition(string(models.StatusDeploying))
		d.event(ctx, dep.ID, "released", ref.ID, logger)

		settled := d.watch(ctx, dep, previous, logger)
		d.dispatcher.Clone(ctx, dep, ref.Address.FQDN, previous, settled)
		released = append(released, dep)
	}
	return released, nil
}

// Terminate tears down a deployment at its address.
func (d *Deployer) Terminate(ctx context.Context, deploymentID string) error {
	dep, err := d.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	return d.dispatcher.Deactivate(ctx, dep)
}

// Delete removes a deployment record.
func (d *Deployer) Delete(ctx context.Context, deploymentID string) error {
	dep, err := d.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	return d.dispatcher.Delete(ctx, dep)
}
