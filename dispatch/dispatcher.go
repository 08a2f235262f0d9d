package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/db"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/logging"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/metrics"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

// SettledFunc is told the status a deployment ended in once its
// transaction has an outcome.
type SettledFunc func(status models.Status)

type Dispatcher struct {
	store     db.Store
	transport Transport
	contract  string
	logger    zerolog.Logger
}

func New(store db.Store, transport Transport, contract string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		transport: transport,
		contract:  contract,
		logger:    logger,
	}
}

func (d *Dispatcher) IsConnected() bool {
	return d.transport.IsConnected()
}

// Deploy ships a compiled deployment to its address. previous is the
// occupant the new deployment replaces, flipped to updating by the caller,
// or nil. Failures never reach the caller: they end in the new deployment
// being errored and previous being restored.
func (d *Dispatcher) Deploy(ctx context.Context, dep *models.Deployment, previous *models.Deployment, settled SettledFunc) {
	logger := d.logger.With().Str("deployment_id", dep.ID).Str("fqdn", dep.Address.FQDN).Logger()

	changed, err := d.store.SetStatus(ctx, dep.ID, models.StatusDeploying, models.StatusCompiled)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark deployment deploying")
		d.fail(ctx, dep, previous, DeployInstance, err, settled)
		return
	}
	if !changed {
		logger.Info().Msg("deployment settled before dispatch, skipping")
		return
	}
	metrics.RecordTransition(string(models.StatusDeploying))

	tx := Transaction{
		Name:     TransactionName(DeployInstance, dep.ID),
		Contract: d.contract,
		Command:  DeployInstance,
		Payload: DeployPayload{
			AppID:        dep.ApplicationID,
			FQDN:         dep.Address.FQDN,
			WasmBytesB64: base64.StdEncoding.EncodeToString(dep.Wasm),
		},
	}
	d.send(ctx, tx, dep, previous, settled)
}

// Clone promotes the module already running at sourceFQDN onto dep's
// address. dep must already be deploying.
func (d *Dispatcher) Clone(ctx context.Context, dep *models.Deployment, sourceFQDN string, previous *models.Deployment, settled SettledFunc) {
	tx := Transaction{
		Name:     TransactionName(CloneInstance, dep.ID),
		Contract: d.contract,
		Command:  CloneInstance,
		Payload: ClonePayload{
			AppID:      dep.ApplicationID,
			FQDN:       dep.Address.FQDN,
			SourceFQDN: sourceFQDN,
		},
	}
	d.send(ctx, tx, dep, previous, settled)
}

func (d *Dispatcher) send(ctx context.Context, tx Transaction, dep, previous *models.Deployment, settled SettledFunc) {
	// Callbacks outlive the request that triggered them.
	bg := context.WithoutCancel(ctx)

	d.logger.Info().Str("transaction", tx.Name).Str("command", string(tx.Command)).
		Str("fqdn", dep.Address.FQDN).Msg("sending transaction")

	err := d.transport.Send(ctx, tx, Callbacks{
		OnExecuted: func() { d.succeed(bg, dep, previous, tx.Command, settled) },
		OnError:    func(err error) { d.fail(bg, dep, previous, tx.Command, err, settled) },
	})
	if err != nil {
		d.fail(bg, dep, previous, tx.Command, err, settled)
	}
}

func (d *Dispatcher) succeed(ctx context.Context, dep, previous *models.Deployment, command Command, settled SettledFunc) {
	logger := d.logger.With().Str("deployment_id", dep.ID).Str("fqdn", dep.Address.FQDN).Logger()
	metrics.RecordDispatch(string(command), "executed")

	// A confirmation that arrives after the timeout still wins: the module
	// is running at the address.
	changed, err := d.store.SetStatus(ctx, dep.ID, models.StatusDeployed, models.StatusDeploying, models.StatusErrored)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark deployment deployed")
		return
	}
	if !changed {
		logger.Warn().Msg("transaction executed for a deployment no longer awaiting it")
		return
	}
	metrics.RecordTransition(string(models.StatusDeployed))
	logging.BestEffort(logger, "record deployed event", func() error {
		return d.store.AddEvent(ctx, dep.ID, "deployed", string(command))
	})
	logger.Info().Msg("deployment deployed")

	if previous != nil && previous.ID != dep.ID {
		logging.BestEffort(logger, "delete previous occupant", func() error {
			return d.Delete(ctx, previous)
		})
	}
	if settled != nil {
		settled(models.StatusDeployed)
	}
}

func (d *Dispatcher) fail(ctx context.Context, dep, previous *models.Deployment, command Command, cause error, settled SettledFunc) {
	logger := d.logger.With().Str("deployment_id", dep.ID).Str("fqdn", dep.Address.FQDN).Logger()
	metrics.RecordDispatch(string(command), "error")
	logger.Warn().Err(cause).Msg("transaction failed")

	if previous != nil {
		logging.BestEffort(logger, "restore previous occupant", func() error {
			_, err := d.store.SetStatus(ctx, previous.ID, models.StatusDeployed, models.StatusUpdating)
			return err
		})
	}

	var changed bool
	logging.BestEffort(logger, "mark deployment errored", func() error {
		var err error
		changed, err = d.store.SetErrored(ctx, dep.ID, models.DeploymentError{
			Kind:    models.ErrorKindDispatch,
			Message: cause.Error(),
		}, models.PendingStatuses...)
		return err
	})
	if changed {
		metrics.RecordTransition(string(models.StatusErrored))
		logging.BestEffort(logger, "record errored event", func() error {
			return d.store.AddEvent(ctx, dep.ID, "errored", cause.Error())
		})
	}
	if settled != nil {
		settled(models.StatusErrored)
	}
}

// Deactivate tears down the module running at dep's address.
func (d *Dispatcher) Deactivate(ctx context.Context, dep *models.Deployment) error {
	logger := d.logger.With().Str("deployment_id", dep.ID).Str("fqdn", dep.Address.FQDN).Logger()

	changed, err := d.store.SetStatus(ctx, dep.ID, models.StatusTerminating, models.StatusDeployed, models.StatusUpdating)
	if err != nil {
		return fmt.Errorf("failed to mark deployment terminating: %w", err)
	}
	if !changed {
		return fmt.Errorf("%w: cannot terminate a %s deployment", models.ErrInvalidTransition, dep.Status)
	}
	metrics.RecordTransition(string(models.StatusTerminating))

	bg := context.WithoutCancel(ctx)
	tx := Transaction{
		Name:     TransactionName(DeactivateInstance, dep.ID),
		Contract: d.contract,
		Command:  DeactivateInstance,
		Payload:  DeactivatePayload{AppID: dep.ApplicationID, FQDN: dep.Address.FQDN},
	}

	// Failures leave the deployment terminating; the stuck-transient sweep
	// errors it eventually.
	err = d.transport.Send(ctx, tx, Callbacks{
		OnExecuted: func() {
			metrics.RecordDispatch(string(DeactivateInstance), "executed")
			logging.BestEffort(logger, "mark deployment terminated", func() error {
				changed, err := d.store.SetStatus(bg, dep.ID, models.StatusTerminated, models.StatusTerminating)
				if err == nil && changed {
					metrics.RecordTransition(string(models.StatusTerminated))
					return d.store.AddEvent(bg, dep.ID, "terminated", "")
				}
				return err
			})
		},
		OnError: func(err error) {
			metrics.RecordDispatch(string(DeactivateInstance), "error")
			logger.Warn().Err(err).Msg("deactivation failed")
		},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to send deactivation")
	}
	return nil
}

// Delete removes a deployment record. It is the single deletion path for
// replaced occupants, pruned duplicates and expired records.
func (d *Dispatcher) Delete(ctx context.Context, dep *models.Deployment) error {
	if err := d.store.DeleteDeployment(ctx, dep.ID); err != nil {
		return fmt.Errorf("failed to delete deployment %s: %w", dep.ID, err)
	}
	logging.BestEffort(d.logger, "record deleted event", func() error {
		return d.store.AddEvent(ctx, dep.ID, "deleted", dep.Address.FQDN)
	})
	d.logger.Info().Str("deployment_id", dep.ID).Str("fqdn", dep.Address.FQDN).Msg("deployment deleted")
	return nil
}
