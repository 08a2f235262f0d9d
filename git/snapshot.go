package git

import (
	"context"
	"path"
)

// Snapshot is a read-only view of one application directory at one commit.
type Snapshot struct {
	provider SourceProvider
	owner    string
	repo     string
	ref      string
	root     string
}

func NewSnapshot(provider SourceProvider, owner, repo, ref, root string) *Snapshot {
	return &Snapshot{
		provider: provider,
		owner:    owner,
		repo:     repo,
		ref:      ref,
		root:     cleanPath(root),
	}
}

// GetContent reads filePath relative to the application root.
func (s *Snapshot) GetContent(ctx context.Context, filePath string) ([]byte, error) {
	return s.provider.GetContent(ctx, s.owner, s.repo, path.Join(s.root, cleanPath(filePath)), s.ref)
}

// List returns the entries of dir relative to the application root.
func (s *Snapshot) List(ctx context.Context, dir string) ([]string, error) {
	return s.provider.ListDir(ctx, s.owner, s.repo, path.Join(s.root, cleanPath(dir)), s.ref)
}

func (s *Snapshot) Ref() string {
	return s.ref
}
