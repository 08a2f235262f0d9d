package models

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Application is a deployable unit registered against a source repository.
type Application struct {
	ID                  string    `json:"id"`
	Slug                string    `json:"slug" binding:"required" validate:"required,fqdn_label"`
	Owner               string    `json:"owner" binding:"required" validate:"required,repo_name"`
	Repo                string    `json:"repo" binding:"required" validate:"required,repo_name"`
	OrgSlug             string    `json:"org_slug" binding:"required" validate:"required,fqdn_label"`
	DefaultBranch       string    `json:"default_branch,omitempty"`
	DeployCommitLedgers bool      `json:"deploy_commit_ledgers"`
	CreatedAt           time.Time `json:"created_at"`
}

// Prefix is the short identifier used in generated host names.
func (a Application) Prefix() string {
	prefix, _, _ := strings.Cut(a.ID, "-")
	return prefix
}

// Domain is a custom domain attached to an application.
type Domain struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	FQDN          string    `json:"fqdn" binding:"required" validate:"required,fqdn"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// PushEvent is a validated change notification for a repository.
type PushEvent struct {
	Owner       string `json:"owner" binding:"required" validate:"required,repo_name"`
	Repo        string `json:"repo" binding:"required" validate:"required,repo_name"`
	Ref         string `json:"ref"`
	Before      string `json:"before" validate:"omitempty,commit_sha"`
	After       string `json:"after" binding:"required" validate:"required,commit_sha"`
	ForceDeploy bool   `json:"force_deploy"`
}

// Branch returns the short branch name of the pushed ref.
func (e PushEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// HasBefore reports whether the push carries a usable base commit.
func (e PushEvent) HasBefore() bool {
	return e.Before != "" && strings.Trim(e.Before, "0") != ""
}

// RepoConfig is the repository-owned description of its applications,
// read from the configured file at the pushed commit.
type RepoConfig struct {
	Applications []AppConfig `yaml:"applications" json:"applications" validate:"required,min=1,dive"`
}

// AppConfig locates one application inside the repository.
type AppConfig struct {
	Slug     string   `yaml:"slug" json:"slug" validate:"required,fqdn_label"`
	RootDir  string   `yaml:"rootDir" json:"rootDir" validate:"rootdir"`
	Version  string   `yaml:"version,omitempty" json:"version,omitempty"`
	Index    string   `yaml:"index,omitempty" json:"index,omitempty"`
	Strategy Strategy `yaml:"strategy,omitempty" json:"strategy,omitempty" validate:"omitempty,oneof=content workspace"`
}

// Owns reports whether a changed repository path belongs to this application.
func (a AppConfig) Owns(changed string) bool {
	root := strings.Trim(path.Clean("/"+a.RootDir), "/")
	if root == "" {
		return true
	}
	changed = strings.TrimPrefix(changed, "/")
	return changed == root || strings.HasPrefix(changed, root+"/")
}

// Find returns the application configured with the given slug.
func (c *RepoConfig) Find(slug string) (int, *AppConfig) {
	for i := range c.Applications {
		if c.Applications[i].Slug == slug {
			return i, &c.Applications[i]
		}
	}
	return -1, nil
}

// ParseRepoConfig decodes a repository config file. JSON documents are
// accepted since they are valid YAML.
func ParseRepoConfig(data []byte) (*RepoConfig, error) {
	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse repository config: %w", err)
	}
	if err := ValidateRepoConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PackageJSON holds the dependency sections of a package.json.
type PackageJSON struct {
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

// ParsePackageJSON decodes the dependency sections of a package.json.
func ParsePackageJSON(data []byte) (*PackageJSON, error) {
	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse package.json: %w", err)
	}
	return &pkg, nil
}

// Versions merges every dependency section into one name to version range
// map. Later sections win: optional, peer, dev, then dependencies.
func (p *PackageJSON) Versions() map[string]string {
	versions := map[string]string{}
	for _, section := range []map[string]string{p.OptionalDependencies, p.PeerDependencies, p.DevDependencies, p.Dependencies} {
		for name, version := range section {
			versions[name] = version
		}
	}
	return versions
}
