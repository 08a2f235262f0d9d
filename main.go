package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/api"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/build"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/compiler"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/db"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/deploy"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/dispatch"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/git"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/logging"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/metrics"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/pruner"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/registry"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/resolver"
)

func main() {
	configPath := flag.String("config", "/etc/wasm-deploy/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.New(config.LoggingConfig{}, "wasm-deploy")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.Logging, "wasm-deploy")
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()
	logger.Info().Str("path", cfg.Database.Path).Msg("database initialized")

	source := git.NewClient(cfg.Source.BaseURL, cfg.Source.Username, cfg.Source.Token)

	orchestrator, err := newOrchestrator(cfg, source, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize build orchestrator")
	}

	transport, shutdownTransport := newTransport(ctx, cfg.Dispatcher, logger)
	defer shutdownTransport()
	dispatcher := dispatch.New(database, transport, cfg.Dispatcher.Contract, logging.Component(logger, "dispatcher"))

	opts := deploy.Options{
		BaseDomain:     cfg.Deploy.BaseDomain,
		ReleaseDomain:  cfg.Deploy.ReleaseDomain,
		ConfigFile:     cfg.Deploy.ConfigFile,
		ConfirmTimeout: cfg.Deploy.ConfirmTimeout,
		ShortLife:      cfg.Deploy.ShortLife,
		LongLife:       cfg.Deploy.LongLife,
	}
	var artifacts api.Artifacts
	if cfg.Registry.Enabled {
		reg, err := registry.New(ctx, cfg.Registry)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize registry client")
		}
		opts.Publisher = reg
		artifacts = reg
		logger.Info().Str("type", cfg.Registry.Type).Str("repository", cfg.Registry.Repository).Msg("artifact publishing enabled")
	}

	deployer := deploy.New(database, database, source, orchestrator, dispatcher, opts, logging.Component(logger, "deployer"))

	var p *pruner.Pruner
	if cfg.Pruner.Enabled {
		p = pruner.New(database, dispatcher, cfg.Pruner, logger)
		p.Start(ctx)
	}

	server := api.NewServer(cfg, database, deployer, dispatcher, artifacts, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()
	logger.Info().Str("version", api.Version).Msg("wasm-deploy started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown failed")
	}
	if p != nil {
		p.Stop()
	}

	done := make(chan struct{})
	go func() {
		deployer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("deployments still in flight at shutdown")
	}
}

func newOrchestrator(cfg *config.Config, source git.SourceProvider, logger zerolog.Logger) (*build.Orchestrator, error) {
	cache, err := resolver.NewDiskCache(cfg.Resolver.CacheDir)
	if err != nil {
		return nil, err
	}
	client, err := resolver.NewHTTPClient(cfg.Resolver.ProxyURL, cfg.Resolver.FetchTimeout)
	if err != nil {
		return nil, err
	}
	rcfg := resolver.Config{CDNURL: cfg.Resolver.CDNURL, HTTPClient: client, Cache: cache}
	if cfg.StubsEnabled() {
		rcfg.Stubs = resolver.DefaultStubs()
	}

	opts := build.Options{
		Resolver: rcfg,
		Host: compiler.NewHost(compiler.Options{
			ReadTimeout:    cfg.Compiler.ReadTimeout,
			CompileTimeout: cfg.Compiler.CompileTimeout,
		}, logging.Component(logger, "compiler")),
		CompilerCommand: cfg.Compiler.Command,
		WorkDir:         cfg.Compiler.WorkDir,
		CloneDir:        cfg.Source.CloneDir,
	}
	if cfg.Signing.KeyPath != "" {
		signer, err := build.LoadSigner(cfg.Signing.KeyPath)
		if err != nil {
			return nil, err
		}
		opts.Signer = signer
	}
	return build.New(source, opts, logging.Component(logger, "build")), nil
}

// newTransport connects to the execution network.
func newTransport(ctx context.Context, cfg config.DispatcherConfig, logger zerolog.Logger) (dispatch.Transport, func()) {
	t := dispatch.NewNATSTransport(cfg, logging.Component(logger, "nats"))
	if err := t.Initialize(ctx); err != nil {
		logger.Fatal().Err(err).Str("url", cfg.URL).Msg("failed to connect to dispatcher")
	}
	return t, t.Stop
}
