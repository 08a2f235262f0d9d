// Package resolver answers compiler file reads from layered origins: the
// application repository, a public package CDN backed by a content-addressed
// cache, and a table of built-in stubs.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/metrics"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

const dependencyDir = "node_modules/"

// Origin serves files from the application's own source tree. It returns
// (nil, nil) for paths that do not exist.
type Origin interface {
	GetContent(ctx context.Context, path string) ([]byte, error)
}

type Config struct {
	CDNURL     string
	HTTPClient *http.Client
	Cache      Cache
	Stubs      map[string][]byte
}

// Resolver is scoped to a single build; it accumulates the dependency
// manifest and diagnostics for that build.
type Resolver struct {
	cdn    *url.URL
	client *http.Client
	cache  Cache
	stubs  map[string][]byte
	origin Origin
	deps   map[string]string
	logger zerolog.Logger

	mu          sync.Mutex
	manifest    models.DependenciesManifest
	diagnostics []string
}

func New(cfg Config, origin Origin, deps map[string]string, logger zerolog.Logger) (*Resolver, error) {
	cdn, err := url.Parse(strings.TrimSuffix(cfg.CDNURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid CDN URL: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	if deps == nil {
		deps = map[string]string{}
	}

	return &Resolver{
		cdn:      cdn,
		client:   client,
		cache:    cache,
		stubs:    cfg.Stubs,
		origin:   origin,
		deps:     deps,
		logger:   logger,
		manifest: models.DependenciesManifest{},
	}, nil
}

// NewHTTPClient returns a client for CDN fetches, routed through proxyURL
// when it is set.
func NewHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// Resolve returns the content of p and true, or false when no origin has it.
// Failures of individual origins are recorded as diagnostics and never abort
// the lookup.
func (r *Resolver) Resolve(ctx context.Context, p string) ([]byte, bool) {
	p = normalize(p)
	if p == "" {
		return nil, false
	}

	var errs []string

	if !strings.Contains(p, dependencyDir) && r.origin != nil {
		data, err := r.origin.GetContent(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Sprintf("source: %s: %v", p, err))
		} else if data != nil {
			metrics.RecordResolve("source")
			return data, true
		}
	}

	if idx := strings.LastIndex(p, dependencyDir); idx >= 0 {
		pkg, file := splitPackage(p[idx+len(dependencyDir):])
		if pkg != "" && file != "" {
			data, err := r.fetchDependency(ctx, pkg, file)
			if err != nil {
				errs = append(errs, fmt.Sprintf("cdn: %s/%s: %v", pkg, file, err))
			} else if data != nil {
				return data, true
			}
		}
	}

	if data, ok := r.stubs[p]; ok {
		metrics.RecordResolve("stub")
		return data, true
	}

	metrics.RecordResolve("miss")
	if len(errs) > 0 {
		r.mu.Lock()
		r.diagnostics = append(r.diagnostics, errs...)
		r.mu.Unlock()
		r.logger.Debug().Str("path", p).Strs("errors", errs).Msg("content unresolved")
	} else {
		r.logger.Debug().Str("path", p).Msg("content unresolved")
	}
	return nil, false
}

func (r *Resolver) fetchDependency(ctx context.Context, pkg, file string) ([]byte, error) {
	requested := r.deps[pkg]
	target := r.cdn.String() + "/" + pkg
	if requested != "" {
		target += "@" + url.PathEscape(requested)
	}
	target += "/" + file

	key := CacheKey(target)
	if entry, ok := r.cache.Get(key); ok {
		version, data := decodeEntry(entry)
		metrics.RecordResolve("cache")
		r.record(pkg, version, file, data)
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	version := r.effectiveVersion(resp.Request.URL)
	if version == "" {
		version = requested
	}
	if version == "" {
		version = "*"
	}

	if err := r.cache.Put(key, encodeEntry(version, data)); err != nil {
		r.logger.Warn().Err(err).Str("url", target).Msg("failed to cache dependency file")
	}

	metrics.RecordResolve("cdn")
	r.record(pkg, version, file, data)
	return data, nil
}

// effectiveVersion extracts the version the CDN redirected to from the final
// request URL, e.g. /@scope/name@1.2.3/index.ts.
func (r *Resolver) effectiveVersion(final *url.URL) string {
	if final == nil {
		return ""
	}
	rest := strings.TrimPrefix(final.Path, r.cdn.Path)
	name, _ := splitPackage(strings.TrimPrefix(rest, "/"))
	if at := strings.LastIndex(name, "@"); at > 0 {
		return name[at+1:]
	}
	return ""
}

func (r *Resolver) record(pkg, version, file string, data []byte) {
	sum := sha256.Sum256(data)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.manifest[pkg]
	if !ok {
		entry = models.PackageDigests{Version: version, Digests: map[string]string{}}
	}
	entry.Digests[file] = hex.EncodeToString(sum[:])
	r.manifest[pkg] = entry
}

// Manifest returns a copy of the dependencies resolved so far.
func (r *Resolver) Manifest() models.DependenciesManifest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(models.DependenciesManifest, len(r.manifest))
	for pkg, entry := range r.manifest {
		digests := make(map[string]string, len(entry.Digests))
		for k, v := range entry.Digests {
			digests[k] = v
		}
		out[pkg] = models.PackageDigests{Version: entry.Version, Digests: digests}
	}
	return out
}

// Diagnostics returns origin failures accumulated for unresolved paths.
func (r *Resolver) Diagnostics() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.diagnostics, "\n")
}

// CacheKey is the hex sha256 of a resolved URL.
func CacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

func encodeEntry(version string, data []byte) []byte {
	out := make([]byte, 0, len(version)+1+len(data))
	out = append(out, version...)
	out = append(out, '\n')
	return append(out, data...)
}

func decodeEntry(entry []byte) (string, []byte) {
	for i, b := range entry {
		if b == '\n' {
			return string(entry[:i]), entry[i+1:]
		}
	}
	return "", entry
}

// splitPackage separates "name/file" or "@scope/name/file" into the package
// name and the path inside it.
func splitPackage(rest string) (string, string) {
	parts := strings.Split(rest, "/")
	n := 1
	if strings.HasPrefix(parts[0], "@") {
		n = 2
	}
	if len(parts) < n || parts[0] == "" {
		return "", ""
	}
	return strings.Join(parts[:n], "/"), strings.Join(parts[n:], "/")
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}
