package deploy

import (
	"regexp"
	"strings"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

var invalidLabelChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Label turns s into a DNS label: lowercase alphanumerics and dashes, at
// most 63 characters.
func Label(s string) string {
	label := invalidLabelChars.ReplaceAllString(strings.ToLower(s), "-")
	label = strings.Trim(label, "-")
	if len(label) > 63 {
		label = strings.TrimRight(label[:63], "-")
	}
	return label
}

// ComposeTargets lists the addresses a build of branch is deployed to: one
// per verified custom domain, the generated organisation address and, when
// the application keeps a ledger of commits, an address per build.
func ComposeTargets(app models.Application, domains []models.Domain, branch, build, baseDomain string) []string {
	branch = Label(branch)
	prefix := app.Prefix()

	var targets []string
	for _, d := range domains {
		if !d.Verified {
			continue
		}
		targets = append(targets, join(branch, prefix, app.Slug, d.FQDN))
	}
	targets = append(targets, join(branch, prefix, app.Slug, app.OrgSlug, baseDomain))
	if app.DeployCommitLedgers && build != "" {
		targets = append(targets, join(Label(build), prefix, app.Slug, app.OrgSlug, baseDomain))
	}
	return dedupe(targets)
}

// ReleaseTargets lists the permanent addresses a release is promoted to.
func ReleaseTargets(app models.Application, domains []models.Domain, releaseDomain string) []string {
	prefix := app.Prefix()

	var targets []string
	for _, d := range domains {
		if !d.Verified {
			continue
		}
		targets = append(targets, join(app.Slug, d.FQDN), join(prefix, d.FQDN))
	}
	targets = append(targets, join(app.Slug, releaseDomain), join(prefix, releaseDomain))
	return dedupe(targets)
}

func join(labels ...string) string {
	parts := labels[:0:0]
	for _, l := range labels {
		if l = strings.Trim(strings.ToLower(l), "."); l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, ".")
}

func dedupe(targets []string) []string {
	seen := make(map[string]bool, len(targets))
	out := targets[:0]
	for _, t := range targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
