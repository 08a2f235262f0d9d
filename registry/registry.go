// Package registry publishes compiled modules as OCI artifacts and lists
// what has been published.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

const (
	WasmLayerMediaType  types.MediaType = "application/vnd.wasm.content.layer.v1+wasm"
	WasmConfigMediaType types.MediaType = "application/vnd.wasm.config.v0+json"

	AnnotationCreated   = "org.opencontainers.image.created"
	AnnotationRevision  = "org.opencontainers.image.revision"
	AnnotationSignature = "dev.wasm-deploy.signature"
	AnnotationKeyID     = "dev.wasm-deploy.key-id"
)

type Client struct {
	repository string
	auth       authn.Authenticator
	now        func() time.Time
}

// New builds a client for cfg.Repository. ECR repositories exchange AWS
// credentials for a registry token; otherwise basic credentials are used
// when configured, falling back to the docker keychain.
func New(ctx context.Context, cfg config.RegistryConfig) (*Client, error) {
	if _, err := name.NewRepository(cfg.Repository); err != nil {
		return nil, fmt.Errorf("invalid repository: %w", err)
	}

	c := &Client{repository: cfg.Repository, now: time.Now}
	switch {
	case cfg.Type == "ecr":
		api, err := newECRClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		auth, err := ecrAuthenticator(ctx, api)
		if err != nil {
			return nil, err
		}
		c.auth = auth
	case cfg.Username != "" && cfg.Password != "":
		c.auth = &authn.Basic{Username: cfg.Username, Password: cfg.Password}
	}
	return c, nil
}

func (c *Client) options(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if c.auth != nil {
		return append(opts, remote.WithAuth(c.auth))
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

// Tag is the artifact tag for one build of an application.
func Tag(applicationID, build string) string {
	return applicationID + "-" + build
}

// Publish pushes wasm as a single-layer OCI artifact tagged tag and returns
// its manifest digest.
func (c *Client) Publish(ctx context.Context, tag string, wasm []byte, sig *models.SignatureBundle, revision string) (string, error) {
	ref, err := name.NewTag(c.repository + ":" + tag)
	if err != nil {
		return "", fmt.Errorf("invalid tag: %w", err)
	}

	img, err := mutate.AppendLayers(empty.Image, static.NewLayer(wasm, WasmLayerMediaType))
	if err != nil {
		return "", fmt.Errorf("failed to assemble artifact: %w", err)
	}
	img = mutate.MediaType(img, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, WasmConfigMediaType)

	annotations := map[string]string{
		AnnotationCreated:  c.now().UTC().Format(time.RFC3339),
		AnnotationRevision: revision,
	}
	if sig != nil {
		annotations[AnnotationSignature] = sig.Signature
		annotations[AnnotationKeyID] = sig.KeyID
	}
	img = mutate.Annotations(img, annotations).(v1.Image)

	if err := remote.Write(ref, img, c.options(ctx)...); err != nil {
		return "", fmt.Errorf("failed to push artifact: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("failed to compute digest: %w", err)
	}
	return digest.String(), nil
}

// ListArtifacts returns the artifacts whose tag starts with prefix, newest
// first, up to limit (0 means all).
func (c *Client) ListArtifacts(ctx context.Context, prefix string, limit int) ([]models.Artifact, error) {
	repo, err := name.NewRepository(c.repository)
	if err != nil {
		return nil, fmt.Errorf("invalid repository: %w", err)
	}

	opts := c.options(ctx)
	tags, err := remote.List(repo, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}

	artifacts := []models.Artifact{}
	for _, tag := range tags {
		if !strings.HasPrefix(tag, prefix) || strings.HasPrefix(tag, "sha256-") {
			continue
		}

		img, err := remote.Image(repo.Tag(tag), opts...)
		if err != nil {
			continue
		}
		digest, err := img.Digest()
		if err != nil {
			continue
		}
		manifest, err := img.Manifest()
		if err != nil {
			continue
		}

		artifact := models.Artifact{Tag: tag, Digest: digest.String()}
		if created, err := time.Parse(time.RFC3339, manifest.Annotations[AnnotationCreated]); err == nil {
			artifact.CreatedAt = created
		}
		artifacts = append(artifacts, artifact)
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
	})
	if limit > 0 && len(artifacts) > limit {
		artifacts = artifacts[:limit]
	}
	return artifacts, nil
}

func (c *Client) TagExists(ctx context.Context, tag string) (bool, error) {
	ref, err := name.NewTag(c.repository + ":" + tag)
	if err != nil {
		return false, fmt.Errorf("invalid reference: %w", err)
	}

	_, err = remote.Head(ref, c.options(ctx)...)
	if err != nil {
		if strings.Contains(err.Error(), "MANIFEST_UNKNOWN") || strings.Contains(err.Error(), "NOT_FOUND") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
