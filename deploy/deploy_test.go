package deploy

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/db"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/dispatch"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

const (
	commitA1 = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"
	commitB2 = "b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2"
	appID    = "a1b2c3d4-1111-2222-3333-444455556666"
)

type builderFunc func(ctx context.Context, req models.BuildRequest) models.BuildResult

func (f builderFunc) Build(ctx context.Context, req models.BuildRequest) models.BuildResult {
	return f(ctx, req)
}

func succeeding(wasm []byte) builderFunc {
	return func(ctx context.Context, req models.BuildRequest) models.BuildResult {
		return models.BuildResult{
			Success: true,
			Output: &models.BuildOutput{
				Wasm:              wasm,
				Dts:               "export declare function ping(): i32;\n",
				ContractFunctions: []string{"ping"},
			},
			DependenciesManifest: models.DependenciesManifest{
				"@wasm-deploy/sdk": {Version: "1.2.0", Digests: map[string]string{"index.ts": "abcd"}},
			},
			Stdout: "compiled index.ts",
		}
	}
}

type fakeSource struct {
	files      map[string]string
	compared   []string
	compareErr error
	committed  []string
}

func (s *fakeSource) GetContent(ctx context.Context, owner, repo, filePath, ref string) ([]byte, error) {
	if data, ok := s.files[filePath]; ok {
		return []byte(data), nil
	}
	return nil, nil
}

func (s *fakeSource) ListDir(ctx context.Context, owner, repo, dir, ref string) ([]string, error) {
	return nil, nil
}

func (s *fakeSource) CompareCommits(ctx context.Context, owner, repo, before, after string) ([]string, error) {
	return s.compared, s.compareErr
}

func (s *fakeSource) GetCommit(ctx context.Context, owner, repo, sha string) ([]string, error) {
	return s.committed, nil
}

func (s *fakeSource) Checkout(ctx context.Context, owner, repo, ref, dir string) error {
	return errors.New("not supported")
}

type harness struct {
	store     *db.Database
	transport *dispatch.MemoryTransport
	source    *fakeSource
	deployer  *Deployer
	app       models.Application
}

func newHarness(t *testing.T, builder Builder, confirm time.Duration) *harness {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	app := models.Application{ID: appID, Slug: "widget", Owner: "acme", Repo: "widget", OrgSlug: "acme", DefaultBranch: "main"}
	require.NoError(t, store.CreateApplication(context.Background(), &app))

	transport := dispatch.NewMemoryTransport()
	source := &fakeSource{files: map[string]string{}}
	d := New(store, store, source, builder, dispatch.New(store, transport, "wasm-manager", zerolog.Nop()), Options{
		BaseDomain:     "sta.example.net",
		ReleaseDomain:  "sta.example.net",
		ConfigFile:     "wasm-deploy.json",
		ConfirmTimeout: confirm,
		ShortLife:      336 * time.Hour,
		LongLife:       8760 * time.Hour,
	}, zerolog.Nop())

	return &harness{store: store, transport: transport, source: source, deployer: d, app: app}
}

func (h *harness) occupant(t *testing.T, fqdn string, status models.Status) *models.Deployment {
	t.Helper()
	dep := &models.Deployment{
		ApplicationID: appID,
		Set:           "old-set",
		Branch:        "main",
		Build:         "a1a1a1a1",
		Status:        status,
		Life:          models.LifeShort,
		ExpiresOn:     time.Now().Add(time.Hour),
		Address:       models.DeploymentAddress{FQDN: fqdn},
		Wasm:          []byte("\x00asm-old"),
	}
	require.NoError(t, h.store.CreateDeployment(context.Background(), dep))
	return dep
}

func (h *harness) get(t *testing.T, id string) *models.Deployment {
	t.Helper()
	dep, err := h.store.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	return dep
}

func request() models.BuildRequest {
	return models.BuildRequest{Owner: "acme", Repo: "widget", Before: commitA1, After: commitB2}
}

func TestDeployHappyPath(t *testing.T) {
	h := newHarness(t, succeeding([]byte("\x00asm-new")), 5*time.Second)
	ctx := context.Background()
	previous := h.occupant(t, "widget.sta.example.net", models.StatusDeployed)

	ids := h.deployer.Deploy(ctx, h.app, request(), "main", []string{"widget.sta.example.net"})
	h.deployer.Wait()

	require.Len(t, ids, 1)
	dep := h.get(t, ids[0])
	assert.Equal(t, models.StatusDeployed, dep.Status)
	assert.Equal(t, []byte("\x00asm-new"), dep.Wasm)
	assert.Equal(t, "b2b2b2b2", dep.Build)
	assert.Equal(t, models.LifeShort, dep.Life)
	assert.Equal(t, []string{"ping"}, dep.ContractFunctions)
	assert.Equal(t, "compiled index.ts", dep.Stdout)
	assert.Equal(t, "1.2.0", dep.DependenciesManifest["@wasm-deploy/sdk"].Version)

	_, err := h.store.GetDeployment(ctx, previous.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	events, err := h.store.ListEvents(ctx, dep.ID)
	require.NoError(t, err)
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.EventType)
	}
	assert.Equal(t, []string{"created", "compiled", "deployed"}, kinds)

	executed := h.transport.Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, dispatch.DeployInstance, executed[0].Command)
}

func TestDeployCompileFailure(t *testing.T) {
	builder := builderFunc(func(ctx context.Context, req models.BuildRequest) models.BuildResult {
		return models.BuildFailed("compile", "ERROR TS2304: Cannot find name 'foo'", nil, "compiling", "index.ts(3,1)")
	})
	h := newHarness(t, builder, 5*time.Second)
	previous := h.occupant(t, "widget.sta.example.net", models.StatusDeployed)

	ids := h.deployer.Deploy(context.Background(), h.app, request(), "main", []string{"widget.sta.example.net"})
	h.deployer.Wait()

	dep := h.get(t, ids[0])
	assert.Equal(t, models.StatusErrored, dep.Status)
	assert.Empty(t, dep.Wasm)
	assert.Equal(t, "compiling", dep.Stdout)
	assert.Equal(t, "index.ts(3,1)", dep.Stderr)
	require.NotNil(t, dep.Error)
	assert.Equal(t, models.ErrorKindBuild, dep.Error.Kind)
	assert.Contains(t, dep.Error.Message, "TS2304")

	assert.Zero(t, h.transport.Sends())
	assert.Equal(t, models.StatusDeployed, h.get(t, previous.ID).Status)
}

func TestDeployEmptyArtifact(t *testing.T) {
	h := newHarness(t, succeeding(nil), 5*time.Second)

	ids := h.deployer.Deploy(context.Background(), h.app, request(), "main", []string{"widget.sta.example.net"})
	h.deployer.Wait()

	dep := h.get(t, ids[0])
	assert.Equal(t, models.StatusErrored, dep.Status)
	require.NotNil(t, dep.Error)
	assert.Equal(t, models.ErrorKindEmpty, dep.Error.Kind)
	assert.Equal(t, "Empty wasm", dep.Error.Message)
	assert.Zero(t, h.transport.Sends())
}

func TestDeployDispatchTimeout(t *testing.T) {
	h := newHarness(t, succeeding([]byte("\x00asm-new")), 50*time.Millisecond)
	h.transport.Hold()
	previous := h.occupant(t, "widget.sta.example.net", models.StatusDeployed)

	ids := h.deployer.Deploy(context.Background(), h.app, request(), "main", []string{"widget.sta.example.net"})
	h.deployer.Wait()

	dep := h.get(t, ids[0])
	assert.Equal(t, models.StatusErrored, dep.Status)
	require.NotNil(t, dep.Error)
	assert.Equal(t, models.ErrorKindTimeout, dep.Error.Kind)
	assert.Equal(t, "Deployment timed out", dep.Error.Message)
	assert.Equal(t, models.StatusDeployed, h.get(t, previous.ID).Status)
	assert.Equal(t, []string{"deploy-" + dep.ID}, h.transport.Pending())
}

func TestDeployTargetsAreIsolated(t *testing.T) {
	var calls int32
	ok := succeeding([]byte("\x00asm"))
	builder := builderFunc(func(ctx context.Context, req models.BuildRequest) models.BuildResult {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("compiler crashed")
		}
		return ok(ctx, req)
	})
	h := newHarness(t, builder, 5*time.Second)

	targets := []string{"main.a1b2c3d4.widget.widget.io", "main.a1b2c3d4.widget.acme.sta.example.net"}
	ids := h.deployer.Deploy(context.Background(), h.app, request(), "main", targets)
	h.deployer.Wait()

	require.Len(t, ids, 2)
	var statuses []string
	for _, id := range ids {
		require.NotEmpty(t, id)
		dep := h.get(t, id)
		statuses = append(statuses, string(dep.Status))
		if dep.Status == models.StatusErrored {
			assert.Equal(t, models.ErrorKindInternal, dep.Error.Kind)
		}
	}
	sort.Strings(statuses)
	assert.Equal(t, []string{"deployed", "errored"}, statuses)
}

func TestDeployLeavesInFlightOccupantAlone(t *testing.T) {
	h := newHarness(t, succeeding([]byte("\x00asm")), 5*time.Second)
	inflight := h.occupant(t, "widget.sta.example.net", models.StatusDeploying)

	h.deployer.Deploy(context.Background(), h.app, request(), "main", []string{"widget.sta.example.net"})
	h.deployer.Wait()

	assert.Equal(t, models.StatusDeploying, h.get(t, inflight.ID).Status)
}
