package metadata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/halvardsh/pax/internal/cache"
	"github.com/halvardsh/pax/internal/fingerprint"
	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/pep508"
	"github.com/halvardsh/pax/internal/registry"
	"github.com/halvardsh/pax/internal/resolver"
)

// Registry is the subset of internal/registry.Registry the provider needs
// to locate the Candidate backing a (name, version) pair, since
// resolver.MetadataProvider's contract is keyed by RequirementSource rather
// than a concrete Candidate.
type Registry interface {
	Versions(ctx context.Context, name names.PackageName) ([]registry.Candidate, error)
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithCache wires the C2 artifact store for metadata sidecar caching.
func WithCache(store *cache.Store) Option {
	return func(p *Provider) { p.cache = store }
}

// WithGitSource wires C3's git checkout helper for Git-sourced metadata.
func WithGitSource(g *registry.GitSource) Option {
	return func(p *Provider) { p.git = g }
}

// WithPythonBin sets the interpreter used to run build backend hooks when
// build isolation is disabled (spec §4.4 "Build isolation may be disabled
// per-package by configuration, in which case the host environment is
// used").
func WithPythonBin(bin string) Option {
	return func(p *Provider) {
		if bin != "" {
			p.pythonBin = bin
		}
	}
}

// WithBuildIsolation toggles whether PEP 517 builds run in an ephemeral
// BuildEnv (true, the default) or the host interpreter (false).
func WithBuildIsolation(enabled bool) Option {
	return func(p *Provider) { p.buildIsolation = enabled }
}

// WithSeeder wires the resolve-then-install callback used to populate an
// isolated build environment's `build-system.requires`.
func WithSeeder(seed Seeder) Option {
	return func(p *Provider) { p.seed = seed }
}

// Provider implements C4 over a registry lookup, an HTTP client for PEP
// 658/range-request metadata acquisition, and PEP 517 build backend
// invocation for source distributions and directories.
type Provider struct {
	reg            Registry
	httpClient     *http.Client
	cache          *cache.Store
	git            *registry.GitSource
	pythonBin      string
	buildIsolation bool
	seed           Seeder
	logger         *slog.Logger

	buildMu    sync.Mutex
	inProgress map[fingerprint.Key]bool
}

var _ resolver.MetadataProvider = (*Provider)(nil)

// New constructs a Provider backed by reg for candidate lookup.
func New(reg Registry, opts ...Option) *Provider {
	p := &Provider{
		reg:            reg,
		httpClient:     http.DefaultClient,
		pythonBin:      "python3",
		buildIsolation: true,
		logger:         slog.Default(),
		inProgress:     map[fingerprint.Key]bool{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Metadata implements resolver.MetadataProvider, dispatching to the
// acquisition strategy spec §4.4 prescribes for source's kind.
func (p *Provider) Metadata(ctx context.Context, name names.PackageName, version pep440.Version, source pep508.RequirementSource) (resolver.Metadata, error) {
	switch source.Kind {
	case pep508.SourceGit:
		return p.metadataForGit(ctx, name, version, source)
	case pep508.SourcePath:
		return p.metadataForLocal(ctx, name, version, source, "sdist")
	case pep508.SourceDirectory:
		return p.metadataForLocal(ctx, name, version, source, "directory")
	case pep508.SourceDirectURL:
		return p.metadataForURL(ctx, name, version, source.URL)
	default:
		return p.metadataForRegistry(ctx, name, version)
	}
}

func (p *Provider) metadataForRegistry(ctx context.Context, name names.PackageName, version pep440.Version) (resolver.Metadata, error) {
	candidates, err := p.reg.Versions(ctx, name)
	if err != nil {
		return resolver.Metadata{}, fmt.Errorf("locating %s==%s: %w", name, version, err)
	}

	var chosen *registry.Candidate

	for i := range candidates {
		if candidates[i].Version.Equal(version) && (chosen == nil || candidates[i].IsWheel) {
			c := candidates[i]
			chosen = &c
		}
	}

	if chosen == nil {
		return resolver.Metadata{}, fmt.Errorf("no candidate for %s==%s in registry", name, version)
	}

	key := fingerprint.Of(func(h *fingerprint.Hasher) {
		h.String(string(name)).String(version.String()).String(chosen.URL)
	})

	if p.cache != nil {
		if dir, _, ok := p.cache.Lookup(cache.BucketWheels, key, cache.FreshnessCheck{}); ok {
			raw, err := os.ReadFile(filepath.Join(dir, "METADATA"))
			if err == nil {
				return ParseCoreMetadata(raw)
			}
		}
	}

	var raw []byte

	switch {
	case chosen.IsWheel && chosen.MetadataAvailable:
		raw, err = p.fetchSidecarMetadata(ctx, chosen.URL)
	case chosen.IsWheel:
		raw, err = ExtractWheelMetadata(ctx, p.httpClient, chosen.URL)
	default:
		return p.metadataForSdistURL(ctx, name, version, chosen.URL, key)
	}

	if err != nil {
		return resolver.Metadata{}, fmt.Errorf("fetching metadata for %s==%s: %w", name, version, err)
	}

	md, err := ParseCoreMetadata(raw)
	if err != nil {
		return resolver.Metadata{}, fmt.Errorf("parsing metadata for %s==%s: %w", name, version, err)
	}

	if p.cache != nil {
		_ = p.cache.Publish(cache.BucketWheels, key, map[string]io.Reader{"METADATA": bytes.NewReader(raw)}, cache.Sidecar{})
	}

	return md, nil
}

// fetchSidecarMetadata fetches the PEP 658 `.metadata` sidecar published
// alongside a wheel, the cheapest acquisition strategy (spec §4.4
// strategy 1).
func (p *Provider) fetchSidecarMetadata(ctx context.Context, wheelURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wheelURL+".metadata", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s.metadata: status %d", wheelURL, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func (p *Provider) metadataForURL(ctx context.Context, name names.PackageName, version pep440.Version, url string) (resolver.Metadata, error) {
	if _, _, _, err := registry.ParseWheelFilename(filepath.Base(url)); err == nil {
		raw, err := ExtractWheelMetadata(ctx, p.httpClient, url)
		if err != nil {
			return resolver.Metadata{}, err
		}

		return ParseCoreMetadata(raw)
	}

	key := fingerprint.Of(func(h *fingerprint.Hasher) { h.String(url) })

	return p.metadataForSdistURL(ctx, name, version, url, key)
}

// metadataForSdistURL downloads an sdist archive and runs the PEP 517
// `prepare_metadata_for_build_wheel` hook (spec §4.4 strategy 3).
func (p *Provider) metadataForSdistURL(ctx context.Context, name names.PackageName, version pep440.Version, url string, key fingerprint.Key) (resolver.Metadata, error) {
	if p.cache != nil {
		if dir, _, ok := p.cache.Lookup(cache.BucketSdists, key, cache.FreshnessCheck{}); ok {
			if raw, err := os.ReadFile(filepath.Join(dir, "METADATA")); err == nil {
				return ParseCoreMetadata(raw)
			}
		}
	}

	workDir, err := os.MkdirTemp("", "pax-sdist-*")
	if err != nil {
		return resolver.Metadata{}, fmt.Errorf("creating working directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	archivePath := filepath.Join(workDir, filepath.Base(url))
	if err := downloadTo(ctx, p.httpClient, url, archivePath); err != nil {
		return resolver.Metadata{}, fmt.Errorf("downloading %s: %w", url, err)
	}

	projectDir := filepath.Join(workDir, "src")
	if err := extractArchive(archivePath, projectDir); err != nil {
		return resolver.Metadata{}, fmt.Errorf("extracting %s: %w", archivePath, err)
	}

	raw, err := p.buildMetadata(ctx, projectDir)
	if err != nil {
		return resolver.Metadata{}, fmt.Errorf("building metadata for %s==%s: %w", name, version, err)
	}

	md, err := ParseCoreMetadata(raw)
	if err != nil {
		return resolver.Metadata{}, err
	}

	md.Source = "direct-url"

	if p.cache != nil {
		_ = p.cache.Publish(cache.BucketSdists, key, map[string]io.Reader{"METADATA": bytes.NewReader(raw)}, cache.Sidecar{})
	}

	return md, nil
}

func (p *Provider) metadataForGit(ctx context.Context, name names.PackageName, version pep440.Version, source pep508.RequirementSource) (resolver.Metadata, error) {
	if p.git == nil {
		return resolver.Metadata{}, fmt.Errorf("git source configured for %s but no GitSource wired", name)
	}

	commit := source.Precise

	if commit == "" {
		c, err := p.git.Resolve(ctx, source.URL, source.Reference)
		if err != nil {
			return resolver.Metadata{}, fmt.Errorf("resolving git ref for %s: %w", name, err)
		}

		commit = c
	}

	key := fingerprint.Of(func(h *fingerprint.Hasher) { h.String(source.URL).String(commit) })

	if p.cache != nil {
		if dir, _, ok := p.cache.Lookup(cache.BucketGit, key, cache.FreshnessCheck{}); ok {
			if raw, err := os.ReadFile(filepath.Join(dir, "METADATA")); err == nil {
				return ParseCoreMetadata(raw)
			}
		}
	}

	workDir, err := os.MkdirTemp("", "pax-git-*")
	if err != nil {
		return resolver.Metadata{}, err
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	if err := p.git.Checkout(ctx, source.URL, commit, workDir); err != nil {
		return resolver.Metadata{}, fmt.Errorf("checking out %s@%s: %w", source.URL, commit, err)
	}

	projectDir := workDir
	if source.Subdirectory != "" {
		projectDir = filepath.Join(workDir, source.Subdirectory)
	}

	raw, err := p.buildMetadata(ctx, projectDir)
	if err != nil {
		return resolver.Metadata{}, err
	}

	md, err := ParseCoreMetadata(raw)
	if err != nil {
		return resolver.Metadata{}, err
	}

	md.Source = "git"

	if p.cache != nil {
		_ = p.cache.Publish(cache.BucketGit, key, map[string]io.Reader{"METADATA": bytes.NewReader(raw)}, cache.Sidecar{})
	}

	return md, nil
}

// metadataForLocal handles Path (a local sdist archive) and Directory (a
// source tree, possibly editable) sources (spec §4.4 strategy 3/4). Its
// cache key is the recursive mtime fingerprint of the source tree for
// directories, or the archive's own path for a fixed Path source.
func (p *Provider) metadataForLocal(ctx context.Context, name names.PackageName, version pep440.Version, source pep508.RequirementSource, kind string) (resolver.Metadata, error) {
	projectDir := source.Path

	if kind == "sdist" {
		workDir, err := os.MkdirTemp("", "pax-local-*")
		if err != nil {
			return resolver.Metadata{}, err
		}
		defer func() { _ = os.RemoveAll(workDir) }()

		projectDir = filepath.Join(workDir, "src")
		if err := extractArchive(source.Path, projectDir); err != nil {
			return resolver.Metadata{}, fmt.Errorf("extracting %s: %w", source.Path, err)
		}
	}

	key, err := localSourceFingerprint(source.Path, kind)
	if err != nil {
		return resolver.Metadata{}, err
	}

	if p.cache != nil {
		if dir, _, ok := p.cache.Lookup(cache.BucketSdists, key, cache.FreshnessCheck{}); ok {
			if raw, err := os.ReadFile(filepath.Join(dir, "METADATA")); err == nil {
				return ParseCoreMetadata(raw)
			}
		}
	}

	raw, err := p.buildMetadata(ctx, projectDir)
	if err != nil {
		return resolver.Metadata{}, fmt.Errorf("building metadata for %s: %w", name, err)
	}

	md, err := ParseCoreMetadata(raw)
	if err != nil {
		return resolver.Metadata{}, err
	}

	md.Source = "path"
	if kind == "directory" {
		md.Source = "directory"
	}

	if p.cache != nil {
		_ = p.cache.Publish(cache.BucketSdists, key, map[string]io.Reader{"METADATA": bytes.NewReader(raw)}, cache.Sidecar{})
	}

	return md, nil
}

// buildMetadata runs `prepare_metadata_for_build_wheel`, falling back to a
// full `build_wheel` when the backend does not implement the former (spec
// §4.4 strategy 3 "if unsupported, fall back to building a full wheel").
// When build isolation is enabled it first seeds an ephemeral BuildEnv with
// the backend's declared requirements, guarding against recursive builds of
// the same requirement set via its fingerprint (spec §4.4 "cycle detection
// by build-requirement fingerprint").
func (p *Provider) buildMetadata(ctx context.Context, projectDir string) ([]byte, error) {
	pythonPath := p.pythonBin

	backend := NewBuildBackend(pythonPath, "")

	if p.buildIsolation && p.seed != nil {
		requires, err := backend.GetRequiresForBuildWheel(ctx, projectDir)
		if err == nil && len(requires) > 0 {
			buildKey := BuildRequirementsFingerprint(requires)

			p.buildMu.Lock()
			cyclic := p.inProgress[buildKey]
			if !cyclic {
				p.inProgress[buildKey] = true
			}
			p.buildMu.Unlock()

			if cyclic {
				return nil, fmt.Errorf("cyclic build requirement set detected (fingerprint %x)", buildKey)
			}

			defer func() {
				p.buildMu.Lock()
				delete(p.inProgress, buildKey)
				p.buildMu.Unlock()
			}()

			envDir, err := os.MkdirTemp("", "pax-buildenv-*")
			if err == nil {
				defer func() { _ = os.RemoveAll(envDir) }()

				if be, err := NewBuildEnv(ctx, p.pythonBin, envDir); err == nil {
					defer func() { _ = be.Close() }()

					if err := p.seed(ctx, requires, be); err == nil {
						pythonPath = be.PythonPath()
						backend = NewBuildBackend(pythonPath, "")
					} else {
						p.logger.Warn("build isolation seeding failed, using host interpreter", slog.String("error", err.Error()))
					}
				}
			}
		}
	}

	outDir, err := os.MkdirTemp("", "pax-metadata-*")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(outDir) }()

	distInfoDir, err := backend.PrepareMetadataForBuildWheel(ctx, projectDir, outDir)
	if err != nil {
		wheelPath, buildErr := backend.BuildWheel(ctx, projectDir, outDir)
		if buildErr != nil {
			return nil, fmt.Errorf("prepare_metadata_for_build_wheel failed (%v) and build_wheel fallback failed: %w", err, buildErr)
		}

		return extractLocalWheelMetadata(wheelPath)
	}

	return os.ReadFile(filepath.Join(distInfoDir, "METADATA"))
}
