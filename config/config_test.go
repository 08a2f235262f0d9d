package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		env         map[string]string
		expectError bool
		validate    func(t *testing.T, cfg *Config)
	}{
		{
			name: "complete valid config",
			configYAML: `
server:
  port: 8080
  api_keys:
    - name: "test-key"
      key: "test-secret"
    - name: "prod-key"
      key: "prod-secret"

database:
  path: "/tmp/test.db"

logging:
  level: "debug"
  format: "console"

source:
  base_url: "https://git.example.com"
  username: "deployer"
  token: "tok"

resolver:
  cdn_url: "https://cdn.example.com"
  cache_dir: "/tmp/cache"
  stubs_enabled: false

compiler:
  command: ["node", "/opt/compiler/host.js"]
  read_timeout: 2s
  compile_timeout: 90s

dispatcher:
  url: "nats://nats:4222"
  contract: "manager"

deploy:
  base_domain: "apps.example.net"
  confirm_timeout: 45s

pruner:
  enabled: false
  interval: 1m
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Len(t, cfg.Server.APIKeys, 2)
				assert.Equal(t, "test-key", cfg.Server.APIKeys[0].Name)
				assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
				assert.Equal(t, "console", cfg.Logging.Format)
				assert.Equal(t, "https://git.example.com", cfg.Source.BaseURL)
				assert.Equal(t, "https://cdn.example.com", cfg.Resolver.CDNURL)
				assert.False(t, cfg.StubsEnabled())
				assert.Equal(t, []string{"node", "/opt/compiler/host.js"}, cfg.Compiler.Command)
				assert.Equal(t, 2*time.Second, cfg.Compiler.ReadTimeout)
				assert.Equal(t, 90*time.Second, cfg.Compiler.CompileTimeout)
				assert.Equal(t, "nats://nats:4222", cfg.Dispatcher.URL)
				assert.Equal(t, "manager", cfg.Dispatcher.Contract)
				assert.Equal(t, "apps.example.net", cfg.Deploy.BaseDomain)
				assert.Equal(t, "apps.example.net", cfg.Deploy.ReleaseDomain)
				assert.Equal(t, 45*time.Second, cfg.Deploy.ConfirmTimeout)
				assert.False(t, cfg.Pruner.Enabled)
				assert.Equal(t, time.Minute, cfg.Pruner.Interval)
			},
		},
		{
			name: "config with environment variables",
			configYAML: `
server:
  port: ${TEST_PORT}
  api_keys:
    - name: "test"
      key: "${TEST_API_KEY}"

source:
  token: "${TEST_TOKEN}"
`,
			env: map[string]string{
				"TEST_PORT":    "9090",
				"TEST_API_KEY": "env-secret",
				"TEST_TOKEN":   "envtoken",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, "env-secret", cfg.Server.APIKeys[0].Key)
				assert.Equal(t, "envtoken", cfg.Source.Token)
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  port: 8080
  invalid: [unclosed
`,
			expectError: true,
		},
		{
			name:       "empty config file",
			configYAML: "",
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "/data/deployments.db", cfg.Database.Path)
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.Equal(t, "json", cfg.Logging.Format)
				assert.Equal(t, "https://unpkg.com", cfg.Resolver.CDNURL)
				assert.True(t, cfg.StubsEnabled())
				assert.Equal(t, 5*time.Second, cfg.Compiler.ReadTimeout)
				assert.Equal(t, 3*time.Second, cfg.Dispatcher.ReconnectWait)
				assert.Equal(t, 60*time.Second, cfg.Deploy.ConfirmTimeout)
				assert.Equal(t, 14*24*time.Hour, cfg.Deploy.ShortLife)
				assert.Equal(t, 365*24*time.Hour, cfg.Deploy.LongLife)
				assert.Equal(t, "wasm-deploy.json", cfg.Deploy.ConfigFile)
				assert.True(t, cfg.Pruner.Enabled)
				assert.Equal(t, 5*time.Minute, cfg.Pruner.StuckAfter)
				assert.Equal(t, 10*time.Minute, cfg.Pruner.UpdatingAfter)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			configFile := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(configFile, []byte(tt.configYAML), 0644))

			cfg, err := Load(configFile)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
			} else {
				assert.NoError(t, err)
				require.NotNil(t, cfg)
				if tt.validate != nil {
					tt.validate(t, cfg)
				}
			}
		})
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/non/existent/path/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{name: "dispatcher configured", url: "nats://nats:4222"},
		{name: "missing dispatcher url", wantErr: "dispatcher.url is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Dispatcher: DispatcherConfig{URL: tt.url}}
			cfg.ApplyDefaults()

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateAPIKey(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			APIKeys: []APIKey{
				{Name: "test1", Key: "secret1"},
				{Name: "test2", Key: "secret2"},
			},
		},
	}

	assert.True(t, cfg.ValidateAPIKey("secret1"))
	assert.True(t, cfg.ValidateAPIKey("secret2"))
	assert.False(t, cfg.ValidateAPIKey("invalid-key"))
	assert.False(t, cfg.ValidateAPIKey(""))
}
