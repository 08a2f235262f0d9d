package git

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// SourceProvider reads repository content at a given commit.
// GetContent returns (nil, nil) when the path does not exist at ref.
type SourceProvider interface {
	GetContent(ctx context.Context, owner, repo, filePath, ref string) ([]byte, error)
	ListDir(ctx context.Context, owner, repo, dir, ref string) ([]string, error)
	CompareCommits(ctx context.Context, owner, repo, before, after string) ([]string, error)
	GetCommit(ctx context.Context, owner, repo, sha string) ([]string, error)
	Checkout(ctx context.Context, owner, repo, ref, dir string) error
}

// Opener produces the repository object for owner/repo.
type Opener func(ctx context.Context, owner, repo string) (*git.Repository, error)

type Client struct {
	baseURL  string
	username string
	token    string
	open     Opener

	mu    sync.Mutex
	repos map[string]*cachedRepo
}

type cachedRepo struct {
	mu   sync.RWMutex
	repo *git.Repository
}

// NewClient returns a provider cloning repositories from
// <baseURL>/<owner>/<repo>.git into memory on first use.
func NewClient(baseURL, username, token string) *Client {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		token:    token,
		repos:    make(map[string]*cachedRepo),
	}
	c.open = c.cloneMemory
	return c
}

// NewClientWithOpener returns a provider that obtains repositories from open.
func NewClientWithOpener(open Opener) *Client {
	return &Client{open: open, repos: make(map[string]*cachedRepo)}
}

func (c *Client) RepositoryURL(owner, repo string) string {
	return fmt.Sprintf("%s/%s/%s.git", c.baseURL, owner, repo)
}

func (c *Client) auth() *http.BasicAuth {
	if c.token == "" {
		return nil
	}
	return &http.BasicAuth{
		Username: c.username,
		Password: c.token,
	}
}

func (c *Client) cloneMemory(ctx context.Context, owner, repo string) (*git.Repository, error) {
	opts := &git.CloneOptions{
		URL:        c.RepositoryURL(owner, repo),
		NoCheckout: true,
		Tags:       git.NoTags,
	}
	if auth := c.auth(); auth != nil {
		opts.Auth = auth
	}

	r, err := git.CloneContext(ctx, memory.NewStorage(), nil, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s/%s: %w", owner, repo, err)
	}
	return r, nil
}

func (c *Client) repository(ctx context.Context, owner, repo string) (*cachedRepo, error) {
	key := owner + "/" + repo

	c.mu.Lock()
	entry, ok := c.repos[key]
	if !ok {
		entry = &cachedRepo{}
		c.repos[key] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.repo == nil {
		r, err := c.open(ctx, owner, repo)
		if err != nil {
			return nil, err
		}
		entry.repo = r
	}
	return entry, nil
}

// commit resolves ref, fetching once from the remote when it is unknown.
func (c *Client) commit(ctx context.Context, owner, repo, ref string) (*object.Commit, error) {
	entry, err := c.repository(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	commit, err := entry.resolve(ref)
	if err == nil {
		return commit, nil
	}

	if fetchErr := entry.fetch(ctx, c.auth()); fetchErr != nil {
		return nil, fmt.Errorf("failed to resolve %s in %s/%s: %w", ref, owner, repo, err)
	}
	commit, err = entry.resolve(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s in %s/%s: %w", ref, owner, repo, err)
	}
	return commit, nil
}

func (r *cachedRepo) resolve(ref string) (*object.Commit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if plumbing.IsHash(ref) {
		return r.repo.CommitObject(plumbing.NewHash(ref))
	}

	for _, rev := range []string{ref, "origin/" + ref} {
		hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
		if err == nil {
			return r.repo.CommitObject(*hash)
		}
	}
	return nil, plumbing.ErrReferenceNotFound
}

func (r *cachedRepo) fetch(ctx context.Context, auth *http.BasicAuth) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	opts := &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Force:      true,
	}
	if auth != nil {
		opts.Auth = auth
	}

	err := r.repo.FetchContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

func (c *Client) GetContent(ctx context.Context, owner, repo, filePath, ref string) ([]byte, error) {
	commit, err := c.commit(ctx, owner, repo, ref)
	if err != nil {
		return nil, err
	}

	f, err := commit.File(cleanPath(filePath))
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	return []byte(contents), nil
}

// ListDir returns the entry names of dir at ref. Directories carry a
// trailing slash.
func (c *Client) ListDir(ctx context.Context, owner, repo, dir, ref string) ([]string, error) {
	commit, err := c.commit(ctx, owner, repo, ref)
	if err != nil {
		return nil, err
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree: %w", err)
	}
	if p := cleanPath(dir); p != "" {
		tree, err = tree.Tree(p)
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
		}
	}

	names := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.Mode == filemode.Dir {
			names = append(names, e.Name+"/")
			continue
		}
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names, nil
}

// CompareCommits lists every path added, modified or removed between the two commits.
func (c *Client) CompareCommits(ctx context.Context, owner, repo, before, after string) ([]string, error) {
	from, err := c.commit(ctx, owner, repo, before)
	if err != nil {
		return nil, err
	}
	to, err := c.commit(ctx, owner, repo, after)
	if err != nil {
		return nil, err
	}
	return diffCommits(ctx, from, to)
}

// GetCommit lists the paths touched by a single commit.
func (c *Client) GetCommit(ctx context.Context, owner, repo, sha string) ([]string, error) {
	commit, err := c.commit(ctx, owner, repo, sha)
	if err != nil {
		return nil, err
	}

	if commit.NumParents() == 0 {
		tree, err := commit.Tree()
		if err != nil {
			return nil, fmt.Errorf("failed to read tree: %w", err)
		}
		var files []string
		err = tree.Files().ForEach(func(f *object.File) error {
			files = append(files, f.Name)
			return nil
		})
		sort.Strings(files)
		return files, err
	}

	parent, err := commit.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read parent of %s: %w", sha, err)
	}
	return diffCommits(ctx, parent, commit)
}

func diffCommits(ctx context.Context, from, to *object.Commit) ([]string, error) {
	fromTree, err := from.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree: %w", err)
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree: %w", err)
	}

	changes, err := fromTree.DiffContext(ctx, toTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	seen := make(map[string]bool)
	var files []string
	for _, change := range changes {
		for _, name := range []string{change.From.Name, change.To.Name} {
			if name != "" && !seen[name] {
				seen[name] = true
				files = append(files, name)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Checkout clones owner/repo into dir and hard resets the worktree to ref.
func (c *Client) Checkout(ctx context.Context, owner, repo, ref, dir string) error {
	opts := &git.CloneOptions{URL: c.RepositoryURL(owner, repo)}
	if auth := c.auth(); auth != nil {
		opts.Auth = auth
	}

	r, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	hash, err := r.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", ref, err)
	}

	w, err := r.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.Reset(&git.ResetOptions{Commit: *hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", ref, err)
	}
	return nil
}

func cleanPath(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
