package pruner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/db"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/dispatch"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     *db.Database
	clock     *clock
	transport *dispatch.MemoryTransport
	pruner    *Pruner
}

func cfg() config.PrunerConfig {
	return config.PrunerConfig{
		Enabled:       true,
		Interval:      10 * time.Millisecond,
		StuckAfter:    5 * time.Minute,
		UpdatingAfter: 10 * time.Minute,
	}
}

func setup(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"), db.WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	transport := dispatch.NewMemoryTransport()
	dispatcher := dispatch.New(store, transport, "wasm-manager", zerolog.Nop())
	return &fixture{
		store:     store,
		clock:     c,
		transport: transport,
		pruner:    New(store, dispatcher, cfg(), zerolog.Nop(), WithClock(c.Now)),
	}
}

func (f *fixture) create(t *testing.T, fqdn string, status models.Status, life models.Life, expiresIn time.Duration) *models.Deployment {
	t.Helper()
	dep := &models.Deployment{
		ApplicationID: "app-1",
		Status:        status,
		Life:          life,
		ExpiresOn:     f.clock.Now().Add(expiresIn),
		Address:       models.DeploymentAddress{FQDN: fqdn},
	}
	require.NoError(t, f.store.CreateDeployment(context.Background(), dep))
	return dep
}

func (f *fixture) status(t *testing.T, id string) models.Status {
	t.Helper()
	dep, err := f.store.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	return dep.Status
}

func TestStuckTransientSweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var stuck []*models.Deployment
	for _, s := range models.TransientStatuses {
		stuck = append(stuck, f.create(t, "stuck-"+string(s)+".example.net", s, models.LifeShort, time.Hour))
	}
	settled := f.create(t, "deployed.example.net", models.StatusDeployed, models.LifeShort, time.Hour)

	f.clock.Advance(4 * time.Minute)
	fresh := f.create(t, "fresh.example.net", models.StatusDeploying, models.LifeShort, time.Hour)
	f.clock.Advance(2 * time.Minute)

	report := f.pruner.RunOnce(ctx)
	assert.Equal(t, len(models.TransientStatuses), report[PassStuckTransient])

	for _, dep := range stuck {
		got, err := f.store.GetDeployment(ctx, dep.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusErrored, got.Status, dep.Address.FQDN)
		require.NotNil(t, got.Error)
		assert.Equal(t, models.ErrorKindTimeout, got.Error.Kind)
		assert.Equal(t, "Deployment timed out", got.Error.Message)
	}
	assert.Equal(t, models.StatusDeploying, f.status(t, fresh.ID))
	assert.Equal(t, models.StatusDeployed, f.status(t, settled.ID))
}

func TestDuplicateSweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	fqdn := "main.a1b2c3d4.widget.acme.example.net"

	oldest := f.create(t, fqdn, models.StatusDeployed, models.LifeShort, time.Hour)
	f.clock.Advance(time.Second)
	older := f.create(t, fqdn, models.StatusDeployed, models.LifeShort, time.Hour)
	f.clock.Advance(time.Second)
	newest := f.create(t, fqdn, models.StatusDeployed, models.LifeShort, time.Hour)
	release := f.create(t, fqdn, models.StatusDeployed, models.LifeLong, time.Hour)
	single := f.create(t, "other.example.net", models.StatusDeployed, models.LifeShort, time.Hour)

	report := f.pruner.RunOnce(ctx)
	assert.Equal(t, 2, report[PassDuplicates])

	for _, id := range []string{oldest.ID, older.ID} {
		_, err := f.store.GetDeployment(ctx, id)
		assert.ErrorIs(t, err, db.ErrNotFound)
	}
	for _, id := range []string{newest.ID, release.ID, single.ID} {
		assert.Equal(t, models.StatusDeployed, f.status(t, id))
	}

	events, err := f.store.ListEvents(ctx, oldest.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "deleted", events[len(events)-1].EventType)
}

func TestExpirySweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	running := f.create(t, "running.example.net", models.StatusDeployed, models.LifeShort, time.Minute)
	broken := f.create(t, "broken.example.net", models.StatusErrored, models.LifeShort, time.Minute)
	current := f.create(t, "current.example.net", models.StatusDeployed, models.LifeShort, time.Hour)
	released := f.create(t, "release.example.net", models.StatusDeployed, models.LifeLong, time.Minute)

	f.clock.Advance(2 * time.Minute)
	report := f.pruner.RunOnce(ctx)
	assert.Equal(t, 2, report[PassExpired])

	_, err := f.store.GetDeployment(ctx, broken.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.Eventually(t, func() bool {
		return f.status(t, running.ID) == models.StatusTerminated
	}, 5*time.Second, 10*time.Millisecond)

	executed := f.transport.Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, dispatch.DeactivateInstance, executed[0].Command)

	assert.Equal(t, models.StatusDeployed, f.status(t, current.ID))
	assert.Equal(t, models.StatusDeployed, f.status(t, released.ID))
}

func TestStuckUpdateSweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	abandoned := f.create(t, "abandoned.example.net", models.StatusUpdating, models.LifeShort, time.Hour)
	f.clock.Advance(8 * time.Minute)
	recent := f.create(t, "recent.example.net", models.StatusUpdating, models.LifeShort, time.Hour)
	f.clock.Advance(3 * time.Minute)

	report := f.pruner.RunOnce(ctx)
	assert.Equal(t, 1, report[PassStuckUpdate])
	assert.Equal(t, models.StatusDeployed, f.status(t, abandoned.ID))
	assert.Equal(t, models.StatusUpdating, f.status(t, recent.ID))
}

type faultyStore struct {
	db.Store
}

func (s faultyStore) FindStale(ctx context.Context, olderThan time.Time, statuses ...models.Status) ([]models.Deployment, error) {
	return nil, errors.New("database is locked")
}

func (s faultyStore) GroupByAddressWithCount(ctx context.Context, life models.Life, status models.Status) ([]models.AddressGroup, error) {
	panic("unexpected query")
}

func TestPassesAreIsolated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	broken := f.create(t, "broken.example.net", models.StatusErrored, models.LifeShort, time.Minute)
	f.clock.Advance(2 * time.Minute)

	dispatcher := dispatch.New(f.store, f.transport, "wasm-manager", zerolog.Nop())
	p := New(faultyStore{Store: f.store}, dispatcher, cfg(), zerolog.Nop(), WithClock(f.clock.Now))

	report := p.RunOnce(ctx)
	assert.Equal(t, 0, report[PassStuckTransient])
	assert.Equal(t, 0, report[PassDuplicates])
	assert.Equal(t, 1, report[PassExpired])
	assert.Equal(t, 0, report[PassStuckUpdate])

	_, err := f.store.GetDeployment(ctx, broken.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	f := setup(t)
	abandoned := f.create(t, "abandoned.example.net", models.StatusUpdating, models.LifeShort, time.Hour)
	f.clock.Advance(11 * time.Minute)

	f.pruner.Start(context.Background())
	f.pruner.Start(context.Background())

	assert.Eventually(t, func() bool {
		return f.status(t, abandoned.ID) == models.StatusDeployed
	}, 5*time.Second, 10*time.Millisecond)

	f.pruner.Stop()
	f.pruner.Stop()
}
