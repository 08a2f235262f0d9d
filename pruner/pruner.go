package pruner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/db"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/metrics"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

const (
	PassStuckTransient = "stuck_transient"
	PassDuplicates     = "duplicates"
	PassExpired        = "expired"
	PassStuckUpdate    = "stuck_update"

	msgTimedOut = "Deployment timed out"
)

// Dispatcher is the deletion and teardown path shared with the dispatcher.
type Dispatcher interface {
	Deactivate(ctx context.Context, dep *models.Deployment) error
	Delete(ctx context.Context, dep *models.Deployment) error
}

type Pruner struct {
	store      db.Store
	dispatcher Dispatcher
	cfg        config.PrunerConfig
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Pruner)

// WithClock overrides the time source the sweeps measure age against.
func WithClock(now func() time.Time) Option {
	return func(p *Pruner) {
		p.now = now
	}
}

func New(store db.Store, dispatcher Dispatcher, cfg config.PrunerConfig, logger zerolog.Logger, opts ...Option) *Pruner {
	p := &Pruner{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With().Str("component", "pruner").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs a sweep every interval until Stop is called or ctx ends.
func (p *Pruner) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		p.logger.Info().Dur("interval", p.cfg.Interval).Msg("pruner started")
		for {
			select {
			case <-ctx.Done():
				p.logger.Info().Msg("pruner stopped")
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	}(p.done)
}

// Stop ends the loop and waits for a running sweep to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Report counts the records each pass repaired.
type Report map[string]int

// RunOnce performs every pass once. A failing pass is logged and does not
// keep the others from running.
func (p *Pruner) RunOnce(ctx context.Context) Report {
	report := Report{}
	passes := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{PassStuckTransient, p.stuckTransient},
		{PassDuplicates, p.duplicates},
		{PassExpired, p.expired},
		{PassStuckUpdate, p.stuckUpdate},
	}
	for _, pass := range passes {
		n, err := p.run(ctx, pass.name, pass.run)
		if err != nil {
			metrics.RecordPrunerError(pass.name)
			p.logger.Error().Err(err).Str("pass", pass.name).Msg("pruner pass failed")
		}
		if n > 0 {
			metrics.RecordPrunerRepairs(pass.name, n)
			p.logger.Info().Str("pass", pass.name).Int("repaired", n).Msg("pruner pass repaired deployments")
		}
		report[pass.name] = n
	}
	return report
}

func (p *Pruner) run(ctx context.Context, name string, fn func(context.Context) (int, error)) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pass %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// stuckTransient errors deployments an abandoned pipeline left in flight.
func (p *Pruner) stuckTransient(ctx context.Context) (int, error) {
	stale, err := p.store.FindStale(ctx, p.now().Add(-p.cfg.StuckAfter), models.TransientStatuses...)
	if err != nil {
		return 0, fmt.Errorf("failed to find stuck deployments: %w", err)
	}

	repaired := 0
	for _, dep := range stale {
		derr := models.DeploymentError{Kind: models.ErrorKindTimeout, Message: msgTimedOut}
		changed, err := p.store.SetErrored(ctx, dep.ID, derr, dep.Status)
		if err != nil {
			p.itemFailed(PassStuckTransient, &dep, err)
			continue
		}
		if changed {
			repaired++
			metrics.RecordTransition(string(models.StatusErrored))
		}
	}
	return repaired, nil
}

// duplicates keeps the newest short-lived deployed record per address.
func (p *Pruner) duplicates(ctx context.Context) (int, error) {
	groups, err := p.store.GroupByAddressWithCount(ctx, models.LifeShort, models.StatusDeployed)
	if err != nil {
		return 0, fmt.Errorf("failed to group deployments by address: %w", err)
	}

	removed := 0
	for _, g := range groups {
		deps, err := p.store.FindByAddressAndStatus(ctx, g.FQDN, models.StatusDeployed)
		if err != nil {
			p.logger.Warn().Err(err).Str("fqdn", g.FQDN).Msg("failed to list address occupants")
			continue
		}

		kept := false
		for i := range deps {
			if deps[i].Life != models.LifeShort {
				continue
			}
			if !kept {
				kept = true
				continue
			}
			if err := p.dispatcher.Delete(ctx, &deps[i]); err != nil {
				p.itemFailed(PassDuplicates, &deps[i], err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// expired tears down deployed records past their expiry and deletes the rest.
func (p *Pruner) expired(ctx context.Context) (int, error) {
	deps, err := p.store.FindExpired(ctx, p.now(), models.LifeShort, models.StatusDeployed, models.StatusErrored)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired deployments: %w", err)
	}

	handled := 0
	for i := range deps {
		dep := &deps[i]
		if dep.Status == models.StatusDeployed {
			err = p.dispatcher.Deactivate(ctx, dep)
		} else {
			err = p.dispatcher.Delete(ctx, dep)
		}
		if err != nil {
			p.itemFailed(PassExpired, dep, err)
			continue
		}
		handled++
	}
	return handled, nil
}

// stuckUpdate restores occupants whose replacement never completed.
func (p *Pruner) stuckUpdate(ctx context.Context) (int, error) {
	stale, err := p.store.FindStale(ctx, p.now().Add(-p.cfg.UpdatingAfter), models.StatusUpdating)
	if err != nil {
		return 0, fmt.Errorf("failed to find updating deployments: %w", err)
	}

	restored := 0
	for _, dep := range stale {
		changed, err := p.store.SetStatus(ctx, dep.ID, models.StatusDeployed, models.StatusUpdating)
		if err != nil {
			p.itemFailed(PassStuckUpdate, &dep, err)
			continue
		}
		if changed {
			restored++
			metrics.RecordTransition(string(models.StatusDeployed))
		}
	}
	return restored, nil
}

func (p *Pruner) itemFailed(pass string, dep *models.Deployment, err error) {
	metrics.RecordPrunerError(pass)
	p.logger.Warn().Err(err).
		Str("pass", pass).
		Str("deployment_id", dep.ID).
		Str("fqdn", dep.Address.FQDN).
		Msg("failed to repair deployment")
}
