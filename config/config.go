package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Source     SourceConfig     `yaml:"source"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Compiler   CompilerConfig   `yaml:"compiler"`
	Signing    SigningConfig    `yaml:"signing"`
	Registry   RegistryConfig   `yaml:"registry"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Deploy     DeployConfig     `yaml:"deploy"`
	Pruner     PrunerConfig     `yaml:"pruner"`
}

type ServerConfig struct {
	Port    int      `yaml:"port"`
	APIKeys []APIKey `yaml:"api_keys"`
}

type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json", "console"
}

// SourceConfig points at the git host serving application repositories.
type SourceConfig struct {
	BaseURL  string `yaml:"base_url"` // repositories are cloned from <base_url>/<owner>/<repo>.git
	Username string `yaml:"username"`
	Token    string `yaml:"token"`
	CloneDir string `yaml:"clone_dir"`
}

type ResolverConfig struct {
	CDNURL       string        `yaml:"cdn_url"`
	CacheDir     string        `yaml:"cache_dir"`
	ProxyURL     string        `yaml:"proxy_url"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	StubsEnabled *bool         `yaml:"stubs_enabled"`
}

type CompilerConfig struct {
	Command        []string      `yaml:"command"` // external compiler speaking the worker protocol on stdio
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	WorkDir        string        `yaml:"work_dir"`
}

type SigningConfig struct {
	KeyPath string `yaml:"key_path"` // PEM encoded PKCS#8 ed25519 key
}

type RegistryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Type            string `yaml:"type"` // "docker", "ecr"
	Repository      string `yaml:"repository"`
	Region          string `yaml:"region"`
	AccountID       string `yaml:"account_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
}

type DispatcherConfig struct {
	URL            string        `yaml:"url"`
	Subject        string        `yaml:"subject"`
	Contract       string        `yaml:"contract"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
}

type DeployConfig struct {
	BaseDomain     string        `yaml:"base_domain"`
	ReleaseDomain  string        `yaml:"release_domain"`
	ConfigFile     string        `yaml:"config_file"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	ShortLife      time.Duration `yaml:"short_life"`
	LongLife       time.Duration `yaml:"long_life"`
}

type PrunerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	StuckAfter    time.Duration `yaml:"stuck_after"`
	UpdatingAfter time.Duration `yaml:"updating_after"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	dataStr := os.ExpandEnv(string(data))

	cfg := Config{Pruner: PrunerConfig{Enabled: true}}
	if err := yaml.Unmarshal([]byte(dataStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Path == "" {
		c.Database.Path = "/data/deployments.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Source.BaseURL == "" {
		c.Source.BaseURL = "https://github.com"
	}
	if c.Source.CloneDir == "" {
		c.Source.CloneDir = "/data/workspaces"
	}

	if c.Resolver.CDNURL == "" {
		c.Resolver.CDNURL = "https://unpkg.com"
	}
	if c.Resolver.CacheDir == "" {
		c.Resolver.CacheDir = "/data/cdn-cache"
	}
	if c.Resolver.FetchTimeout == 0 {
		c.Resolver.FetchTimeout = 30 * time.Second
	}
	if c.Resolver.StubsEnabled == nil {
		enabled := true
		c.Resolver.StubsEnabled = &enabled
	}

	if c.Compiler.ReadTimeout == 0 {
		c.Compiler.ReadTimeout = 5 * time.Second
	}
	if c.Compiler.CompileTimeout == 0 {
		c.Compiler.CompileTimeout = 5 * time.Minute
	}
	if c.Compiler.WorkDir == "" {
		c.Compiler.WorkDir = os.TempDir()
	}

	if c.Registry.Type == "" {
		c.Registry.Type = "docker"
	}

	if c.Dispatcher.Subject == "" {
		c.Dispatcher.Subject = "execution.transactions"
	}
	if c.Dispatcher.Contract == "" {
		c.Dispatcher.Contract = "wasm-manager"
	}
	if c.Dispatcher.RequestTimeout == 0 {
		c.Dispatcher.RequestTimeout = 2 * time.Minute
	}
	if c.Dispatcher.ReconnectWait == 0 {
		c.Dispatcher.ReconnectWait = 3 * time.Second
	}

	if c.Deploy.BaseDomain == "" {
		c.Deploy.BaseDomain = "sta.example.net"
	}
	if c.Deploy.ReleaseDomain == "" {
		c.Deploy.ReleaseDomain = c.Deploy.BaseDomain
	}
	if c.Deploy.ConfigFile == "" {
		c.Deploy.ConfigFile = "wasm-deploy.json"
	}
	if c.Deploy.ConfirmTimeout == 0 {
		c.Deploy.ConfirmTimeout = 60 * time.Second
	}
	if c.Deploy.ShortLife == 0 {
		c.Deploy.ShortLife = 14 * 24 * time.Hour
	}
	if c.Deploy.LongLife == 0 {
		c.Deploy.LongLife = 365 * 24 * time.Hour
	}

	if c.Pruner.Interval == 0 {
		c.Pruner.Interval = 30 * time.Second
	}
	if c.Pruner.StuckAfter == 0 {
		c.Pruner.StuckAfter = 5 * time.Minute
	}
	if c.Pruner.UpdatingAfter == 0 {
		c.Pruner.UpdatingAfter = 10 * time.Minute
	}
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	if c.Dispatcher.URL == "" {
		return fmt.Errorf("dispatcher.url is required: deployments cannot be confirmed without the execution network")
	}
	return nil
}

func (c *Config) ValidateAPIKey(key string) bool {
	for _, ak := range c.Server.APIKeys {
		if ak.Key == key {
			return true
		}
	}
	return false
}

// StubsEnabled reports whether the resolver falls back to built-in stubs.
func (c *Config) StubsEnabled() bool {
	return c.Resolver.StubsEnabled == nil || *c.Resolver.StubsEnabled
}
