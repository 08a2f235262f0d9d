package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Classification(t *testing.T) {
	tests := []struct {
		status    Status
		valid     bool
		transient bool
		settled   bool
	}{
		{StatusCreated, true, true, false},
		{StatusCompiled, true, true, false},
		{StatusDeploying, true, true, false},
		{StatusDeployed, true, false, true},
		{StatusUpdating, true, false, false},
		{StatusTerminating, true, true, false},
		{StatusTerminated, true, false, false},
		{StatusErrored, true, false, true},
		{Status("bogus"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
			assert.Equal(t, tt.transient, tt.status.IsTransient())
			assert.Equal(t, tt.settled, tt.status.IsSettled())
		})
	}
}

func TestDependenciesManifest_Merge(t *testing.T) {
	m := DependenciesManifest{
		"as-json": {Version: "1.0.0", Digests: map[string]string{"node_modules/as-json/index.ts": "aa"}},
	}
	m.Merge(DependenciesManifest{
		"as-json":  {Version: "1.0.1", Digests: map[string]string{"node_modules/as-json/util.ts": "bb"}},
		"@x/proto": {Version: "2.0.0", Digests: map[string]string{"node_modules/@x/proto/index.ts": "cc"}},
	})

	require.Len(t, m, 2)
	assert.Equal(t, "1.0.1", m["as-json"].Version)
	assert.Len(t, m["as-json"].Digests, 2)
	assert.Equal(t, "cc", m["@x/proto"].Digests["node_modules/@x/proto/index.ts"])
}

func TestBuildRequest_ShortBuild(t *testing.T) {
	assert.Equal(t, "b2c3d4e5", BuildRequest{After: "b2c3d4e5f6a7b8c9"}.ShortBuild())
	assert.Equal(t, "b2", BuildRequest{After: "b2"}.ShortBuild())
}

func TestBuildFailed_KeepsOutput(t *testing.T) {
	res := BuildFailed("install", "exit status 1", nil, "partial out", "partial err")

	assert.False(t, res.Success)
	assert.Nil(t, res.Output)
	require.NotNil(t, res.Error)
	assert.Equal(t, "install: exit status 1", res.Error.Error())
	assert.Equal(t, "partial out", res.Stdout)
	assert.Equal(t, "partial err", res.Stderr)
	assert.NotNil(t, res.DependenciesManifest)
}

func TestApplication_Prefix(t *testing.T) {
	app := Application{ID: "3f2a9c1e-7b4d-4c1a-9e2f-0a1b2c3d4e5f"}
	assert.Equal(t, "3f2a9c1e", app.Prefix())
}

func TestPushEvent_Helpers(t *testing.T) {
	e := PushEvent{Ref: "refs/heads/main", Before: "0000000000000000000000000000000000000000"}
	assert.Equal(t, "main", e.Branch())
	assert.False(t, e.HasBefore())

	e.Before = "a1b2c3d"
	assert.True(t, e.HasBefore())
}

func TestAppConfig_Owns(t *testing.T) {
	tests := []struct {
		name    string
		rootDir string
		changed string
		want    bool
	}{
		{"root owns everything", "", "src/index.ts", true},
		{"file inside root", "apps/widget", "apps/widget/index.ts", true},
		{"root itself", "apps/widget", "apps/widget", true},
		{"sibling with shared prefix", "apps/widget", "apps/widgets/index.ts", false},
		{"outside root", "apps/widget", "README.md", false},
		{"leading slash in config", "/apps/widget/", "apps/widget/index.ts", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AppConfig{RootDir: tt.rootDir}.Owns(tt.changed))
		})
	}
}

func TestPackageJSON_Versions(t *testing.T) {
	tests := []struct {
		name string
		data string
		want map[string]string
	}{
		{
			name: "dependencies win over every other section",
			data: `{"dependencies":{"a":"3"},"devDependencies":{"a":"2","b":"2"},"peerDependencies":{"b":"1","c":"1"},"optionalDependencies":{"c":"0","d":"0"}}`,
			want: map[string]string{"a": "3", "b": "2", "c": "1", "d": "0"},
		},
		{
			name: "dev dependencies only",
			data: `{"devDependencies":{"@wasm-deploy/sdk":"1.4.0"}}`,
			want: map[string]string{"@wasm-deploy/sdk": "1.4.0"},
		},
		{
			name: "no sections",
			data: `{"name":"widget"}`,
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg, err := ParsePackageJSON([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, pkg.Versions())
		})
	}

	_, err := ParsePackageJSON([]byte("{"))
	assert.Error(t, err)
}

func TestParseRepoConfig(t *testing.T) {
	t.Run("json document", func(t *testing.T) {
		cfg, err := ParseRepoConfig([]byte(`{"applications":[{"slug":"widget","rootDir":"apps/widget","version":"0.1.0"}]}`))
		require.NoError(t, err)
		require.Len(t, cfg.Applications, 1)
		assert.Equal(t, "apps/widget", cfg.Applications[0].RootDir)

		idx, app := cfg.Find("widget")
		assert.Equal(t, 0, idx)
		require.NotNil(t, app)
		assert.Equal(t, "0.1.0", app.Version)
	})

	t.Run("yaml document", func(t *testing.T) {
		cfg, err := ParseRepoConfig([]byte("applications:\n  - slug: api\n    rootDir: services/api\n    strategy: workspace\n"))
		require.NoError(t, err)
		assert.Equal(t, StrategyWorkspace, cfg.Applications[0].Strategy)
	})

	t.Run("no applications", func(t *testing.T) {
		_, err := ParseRepoConfig([]byte(`{"applications":[]}`))
		assert.Error(t, err)
	})

	t.Run("duplicate slugs", func(t *testing.T) {
		_, err := ParseRepoConfig([]byte(`{"applications":[{"slug":"a"},{"slug":"a"}]}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be unique")
	})

	t.Run("root dir escaping repository", func(t *testing.T) {
		_, err := ParseRepoConfig([]byte(`{"applications":[{"slug":"a","rootDir":"../other"}]}`))
		require.Error(t, err)
		var verrs ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Equal(t, "RootDir", verrs[0].Field)
	})
}

func TestValidatePushEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   PushEvent
		wantErr bool
	}{
		{"valid", PushEvent{Owner: "acme", Repo: "widget", After: "b2c3d4e5f6"}, false},
		{"missing after", PushEvent{Owner: "acme", Repo: "widget"}, true},
		{"non hex after", PushEvent{Owner: "acme", Repo: "widget", After: "zzzzzzzz"}, true},
		{"bad owner", PushEvent{Owner: "acme/evil", Repo: "widget", After: "b2c3d4e5"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePushEvent(&tt.event)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateBuildRequest(t *testing.T) {
	req := BuildRequest{Owner: "acme", Repo: "widget", After: "b2c3d4e5", Strategy: "docker"}
	err := ValidateBuildRequest(&req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be one of")

	req.Strategy = StrategyContent
	assert.NoError(t, ValidateBuildRequest(&req))
}
