package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestDB(t *testing.T) (*Database, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	db, err := New(filepath.Join(t.TempDir(), "test.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db, clock
}

func newDeployment(fqdn string, status models.Status) *models.Deployment {
	return &models.Deployment{
		ApplicationID: "app-1",
		Set:           "set-1",
		Branch:        "main",
		Build:         "b2c3d4e5",
		Status:        status,
		Life:          models.LifeShort,
		ExpiresOn:     time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
		Address:       models.DeploymentAddress{FQDN: fqdn},
	}
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := New(dbPath)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.NoError(t, db.Ping())
}

func TestNewInvalidPath(t *testing.T) {
	db, err := New("/invalid/path/test.db")
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestMigrate(t *testing.T) {
	db, _ := setupTestDB(t)

	for _, table := range []string{"deployments", "deployment_addresses", "deployment_events", "applications", "domains"} {
		var count int
		err := db.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, table)
	}

	// migrating twice is harmless
	assert.NoError(t, db.migrate())
}

func TestCreateAndGetDeployment(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	dep := newDeployment("main.3f2a9c1e.widget.acme.sta.example.net", models.StatusCreated)
	require.NoError(t, db.CreateDeployment(ctx, dep))
	assert.NotEmpty(t, dep.ID)
	assert.NotEmpty(t, dep.Address.ID)

	got, err := db.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, dep.ID, got.ID)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Equal(t, models.LifeShort, got.Life)
	assert.Equal(t, "main.3f2a9c1e.widget.acme.sta.example.net", got.Address.FQDN)
	assert.True(t, dep.ExpiresOn.Equal(got.ExpiresOn))
	assert.Empty(t, got.Wasm)
	assert.Nil(t, got.Error)
	assert.Equal(t, []string{}, got.ContractFunctions)

	_, err = db.GetDeployment(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDeploymentRequiresAddress(t *testing.T) {
	db, _ := setupTestDB(t)

	err := db.CreateDeployment(context.Background(), newDeployment("", models.StatusCreated))
	assert.Error(t, err)
}

func TestSaveArtifactAndBuildOutput(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	dep := newDeployment("widget.sta.example.net", models.StatusCreated)
	require.NoError(t, db.CreateDeployment(ctx, dep))

	manifest := models.DependenciesManifest{
		"as-json": {Version: "1.0.2", Digests: map[string]string{"node_modules/as-json/index.ts": "abc"}},
	}
	require.NoError(t, db.SaveBuildOutput(ctx, dep.ID, "compiled", "warning", manifest))

	wasm := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	require.NoError(t, db.SaveArtifact(ctx, dep.ID, &models.BuildOutput{
		Wasm:              wasm,
		Dts:               "export declare function ping(): void;",
		ContractFunctions: []string{"ping"},
		Signature:         &models.SignatureBundle{Algorithm: "ed25519", Signature: "sig"},
	}))

	got, err := db.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, wasm, got.Wasm)
	assert.Equal(t, "compiled", got.Stdout)
	assert.Equal(t, "warning", got.Stderr)
	assert.Equal(t, []string{"ping"}, got.ContractFunctions)
	assert.Equal(t, "1.0.2", got.DependenciesManifest["as-json"].Version)
	require.NotNil(t, got.Signature)
	assert.Equal(t, "ed25519", got.Signature.Algorithm)
}

func TestSetStatusConditional(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	dep := newDeployment("widget.sta.example.net", models.StatusCreated)
	require.NoError(t, db.CreateDeployment(ctx, dep))

	clock.Advance(time.Minute)
	changed, err := db.SetStatus(ctx, dep.ID, models.StatusCompiled, models.StatusCreated)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.SetStatus(ctx, dep.ID, models.StatusCompiled, models.StatusCreated)
	require.NoError(t, err)
	assert.False(t, changed, "transition from a status the record no longer holds")

	changed, err = db.SetStatus(ctx, dep.ID, models.StatusDeploying)
	require.NoError(t, err)
	assert.True(t, changed, "unconditional transition")

	got, err := db.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeploying, got.Status)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestSetErrored(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	dep := newDeployment("widget.sta.example.net", models.StatusDeploying)
	require.NoError(t, db.CreateDeployment(ctx, dep))

	changed, err := db.SetErrored(ctx, dep.ID, models.DeploymentError{Kind: models.ErrorKindTimeout, Message: "Deployment timed out"},
		models.PendingStatuses...)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := db.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusErrored, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Deployment timed out", got.Error.Message)

	changed, err = db.SetErrored(ctx, dep.ID, models.DeploymentError{Message: "again"}, models.PendingStatuses...)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFindActiveByAddress(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()
	fqdn := "widget.sta.example.net"

	active, err := db.FindActiveByAddress(ctx, fqdn)
	require.NoError(t, err)
	assert.Nil(t, active)

	errored := newDeployment(fqdn, models.StatusErrored)
	require.NoError(t, db.CreateDeployment(ctx, errored))

	clock.Advance(time.Second)
	deployed := newDeployment(fqdn, models.StatusDeployed)
	require.NoError(t, db.CreateDeployment(ctx, deployed))

	clock.Advance(time.Second)
	other := newDeployment("other.sta.example.net", models.StatusDeployed)
	require.NoError(t, db.CreateDeployment(ctx, other))

	active, err = db.FindActiveByAddress(ctx, fqdn)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, deployed.ID, active.ID)
}

func TestDeleteDeployment(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	dep := newDeployment("widget.sta.example.net", models.StatusDeployed)
	require.NoError(t, db.CreateDeployment(ctx, dep))

	require.NoError(t, db.DeleteDeployment(ctx, dep.ID))

	_, err := db.GetDeployment(ctx, dep.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteDeployment(ctx, dep.ID), ErrNotFound)

	list, err := db.FindByAddressAndStatus(ctx, "widget.sta.example.net")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGroupByAddressWithCount(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		require.NoError(t, db.CreateDeployment(ctx, newDeployment("dup.sta.example.net", models.StatusDeployed)))
	}
	require.NoError(t, db.CreateDeployment(ctx, newDeployment("single.sta.example.net", models.StatusDeployed)))

	long := newDeployment("long.sta.example.net", models.StatusDeployed)
	long.Life = models.LifeLong
	require.NoError(t, db.CreateDeployment(ctx, long))
	long2 := newDeployment("long.sta.example.net", models.StatusDeployed)
	long2.Life = models.LifeLong
	require.NoError(t, db.CreateDeployment(ctx, long2))

	groups, err := db.GroupByAddressWithCount(ctx, models.LifeShort, models.StatusDeployed)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, models.AddressGroup{FQDN: "dup.sta.example.net", Count: 3}, groups[0])

	list, err := db.FindByAddressAndStatus(ctx, "dup.sta.example.net", models.StatusDeployed)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].CreatedAt.After(list[2].CreatedAt), "newest first")
}

func TestFindExpiredAndStale(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	expired := newDeployment("a.sta.example.net", models.StatusDeployed)
	expired.ExpiresOn = clock.Now().Add(-time.Hour)
	require.NoError(t, db.CreateDeployment(ctx, expired))

	fresh := newDeployment("b.sta.example.net", models.StatusDeployed)
	fresh.ExpiresOn = clock.Now().Add(time.Hour)
	require.NoError(t, db.CreateDeployment(ctx, fresh))

	stuck := newDeployment("c.sta.example.net", models.StatusDeploying)
	stuck.ExpiresOn = clock.Now().Add(time.Hour)
	require.NoError(t, db.CreateDeployment(ctx, stuck))

	found, err := db.FindExpired(ctx, clock.Now(), models.LifeShort, models.StatusDeployed, models.StatusErrored)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, expired.ID, found[0].ID)

	clock.Advance(6 * time.Minute)
	stale, err := db.FindStale(ctx, clock.Now().Add(-5*time.Minute), models.TransientStatuses...)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)
}

func TestListDeploymentsAndEvents(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		require.NoError(t, db.CreateDeployment(ctx, newDeployment("widget.sta.example.net", models.StatusDeployed)))
	}

	deployments, total, err := db.ListDeployments(ctx, "app-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, deployments, 2)

	require.NoError(t, db.AddEvent(ctx, deployments[0].ID, "created", "build b2c3d4e5"))
	require.NoError(t, db.AddEvent(ctx, deployments[0].ID, "deployed", ""))

	events, err := db.ListEvents(ctx, deployments[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "created", events[0].EventType)
	assert.Equal(t, "build b2c3d4e5", events[0].Details)
}

func TestCatalog(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	app := &models.Application{Slug: "widget", Owner: "acme", Repo: "widget", OrgSlug: "acme", DeployCommitLedgers: true}
	require.NoError(t, db.CreateApplication(ctx, app))
	assert.NotEmpty(t, app.ID)

	duplicate := &models.Application{Slug: "widget", Owner: "acme", Repo: "widget", OrgSlug: "acme"}
	assert.Error(t, db.CreateApplication(ctx, duplicate))

	got, err := db.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.True(t, got.DeployCommitLedgers)

	apps, err := db.ListApplicationsByRepo(ctx, "acme", "widget")
	require.NoError(t, err)
	require.Len(t, apps, 1)

	require.NoError(t, db.AddDomain(ctx, &models.Domain{ApplicationID: app.ID, FQDN: "widget.acme.com", Verified: true}))
	require.NoError(t, db.AddDomain(ctx, &models.Domain{ApplicationID: app.ID, FQDN: "pending.acme.com"}))

	verified, err := db.ListDomains(ctx, app.ID, true)
	require.NoError(t, err)
	require.Len(t, verified, 1)
	assert.Equal(t, "widget.acme.com", verified[0].FQDN)

	all, err := db.ListDomains(ctx, app.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
