package deploy

import (
	"context"
	"fmt"
	"path"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

// HandlePush schedules a deployment for every registered application the
// push touches and returns their ids. Deployments run in the background.
func (d *Deployer) HandlePush(ctx context.Context, ev models.PushEvent) ([]string, error) {
	if err := models.ValidatePushEvent(&ev); err != nil {
		return nil, err
	}
	logger := d.logger.With().Str("owner", ev.Owner).Str("repo", ev.Repo).Str("after", ev.After).Logger()

	changed := d.changedFiles(ctx, ev)
	if len(changed) == 0 && !ev.ForceDeploy {
		logger.Info().Msg("push changed no files, nothing to deploy")
		return nil, nil
	}

	data, err := d.source.GetContent(ctx, ev.Owner, ev.Repo, d.opts.ConfigFile, ev.After)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.opts.ConfigFile, err)
	}
	if data == nil {
		return nil, fmt.Errorf("repository has no %s", d.opts.ConfigFile)
	}
	cfg, err := models.ParseRepoConfig(data)
	if err != nil {
		return nil, err
	}

	apps, err := d.catalog.ListApplicationsByRepo(ctx, ev.Owner, ev.Repo)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	var scheduled []string
	for _, app := range apps {
		index, appCfg := cfg.Find(app.Slug)
		if appCfg == nil {
			logger.Debug().Str("slug", app.Slug).Msg("application not in repository config")
			continue
		}
		if !ev.ForceDeploy && !d.touches(*appCfg, changed) {
			logger.Debug().Str("slug", app.Slug).Msg("push does not touch application")
			continue
		}

		branch := ev.Branch()
		if branch == "" {
			branch = app.DefaultBranch
		}
		domains, err := d.catalog.ListDomains(ctx, app.ID, true)
		if err != nil {
			logger.Error().Err(err).Str("slug", app.Slug).Msg("failed to list domains, skipping application")
			continue
		}

		req := models.BuildRequest{
			Owner:        ev.Owner,
			Repo:         ev.Repo,
			Before:       ev.Before,
			After:        ev.After,
			RootDir:      appCfg.RootDir,
			Entry:        appCfg.Index,
			AppIndex:     index,
			Version:      appCfg.Version,
			Dependencies: d.declaredDependencies(ctx, ev, appCfg.RootDir),
			Strategy:     appCfg.Strategy,
		}
		if !ev.HasBefore() {
			req.Before = ""
		}
		targets := ComposeTargets(app, domains, branch, req.ShortBuild(), d.opts.BaseDomain)

		logger.Info().Str("slug", app.Slug).Strs("targets", targets).Msg("deploying application")
		scheduled = append(scheduled, app.ID)

		d.pending.Add(1)
		go func() {
			defer d.pending.Done()
			d.Deploy(bg, app, req, branch, targets)
		}()
	}
	return scheduled, nil
}

// changedFiles compares the pushed range, falling back to the files of the
// head commit when there is no usable base or the comparison fails.
func (d *Deployer) changedFiles(ctx context.Context, ev models.PushEvent) []string {
	if ev.HasBefore() {
		files, err := d.source.CompareCommits(ctx, ev.Owner, ev.Repo, ev.Before, ev.After)
		if err == nil && len(files) > 0 {
			return files
		}
		if err != nil {
			d.logger.Warn().Err(err).Msg("failed to compare commits, using head commit")
		}
	}

	files, err := d.source.GetCommit(ctx, ev.Owner, ev.Repo, ev.After)
	if err != nil {
		d.logger.Warn().Err(err).Str("after", ev.After).Msg("failed to read commit")
		return nil
	}
	return files
}

func (d *Deployer) touches(app models.AppConfig, changed []string) bool {
	for _, f := range changed {
		if f == d.opts.ConfigFile || app.Owns(f) {
			return true
		}
	}
	return false
}

// declaredDependencies reads the version ranges an application pins in its
// package.json so dependency files resolve at those versions.
func (d *Deployer) declaredDependencies(ctx context.Context, ev models.PushEvent, rootDir string) map[string]string {
	data, err := d.source.GetContent(ctx, ev.Owner, ev.Repo, path.Join(rootDir, "package.json"), ev.After)
	if err != nil || data == nil {
		return nil
	}
	pkg, err := models.ParsePackageJSON(data)
	if err != nil {
		d.logger.Debug().Err(err).Str("root_dir", rootDir).Msg("ignoring unreadable package.json")
		return nil
	}
	return pkg.Versions()
}
