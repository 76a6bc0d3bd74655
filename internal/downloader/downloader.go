// Package downloader implements C2's network-facing half: fetching a
// registry.Candidate's artifact bytes, verifying them against its declared
// hashes, and publishing the result into the content-addressed
// internal/cache.Store (spec §4.2). Candidate selection and hash parsing
// are internal/registry's job; this package only moves bytes.
package downloader

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halvardsh/pax/internal/cache"
	"github.com/halvardsh/pax/internal/fingerprint"
	"github.com/halvardsh/pax/internal/registry"
)

const maxRetries = 3

// retryableError wraps errors that are transient and can be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error  { return e.err }

// Downloader defines the interface for downloading resolved packages.
type Downloader interface {
	Download(ctx context.Context, requests []Request) ([]Result, error)
}

// Request describes one artifact to fetch: the candidate carries the URL,
// filename, and expected hashes (internal/registry.Candidate.Hashes), and
// Bucket selects where the cache stores it — callers pass cache.BucketWheels
// for a resolved wheel or cache.BucketSdists for a source distribution.
type Request struct {
	Name      string
	Version   string
	Candidate registry.Candidate
	Bucket    cache.Bucket
}

// Result represents the outcome of fetching a single artifact.
type Result struct {
	Name     string
	Version  string
	FilePath string // path of the cached payload file
	Size     int64
	Cached   bool // true if an existing cache entry was reused
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxWorkers sets the maximum number of concurrent download workers.
// Defaults to runtime.GOMAXPROCS(0).
func WithMaxWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxWorkers = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager manages concurrent artifact downloads using errgroup, publishing
// each fetched artifact into a cache.Store.
type Manager struct {
	store      *cache.Store
	maxWorkers int
	httpClient *http.Client
	logger     *slog.Logger
}

// compile-time proof that Manager implements Downloader.
var _ Downloader = (*Manager)(nil)

// New creates a download manager that publishes artifacts into store.
func New(store *cache.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		maxWorkers: runtime.GOMAXPROCS(0),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Download fetches all requested artifacts concurrently, each verified
// against its candidate's declared hashes. Returns the list of cached
// files, or the first error encountered.
func (m *Manager) Download(ctx context.Context, requests []Request) ([]Result, error) {
	results := make([]Result, len(requests))

	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxWorkers)

	for i, req := range requests {
		g.Go(func() error {
			m.logger.Debug("fetching artifact",
				slog.String("package", req.Name),
				slog.String("url", req.Candidate.URL))

			result, err := m.fetch(ctx, req)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", req.Name, err)
			}

			mu.Lock()
			results[i] = result
			mu.Unlock()

			m.logger.Debug("artifact ready",
				slog.String("package", req.Name),
				slog.Int64("size", result.Size),
				slog.Bool("cached", result.Cached),
			)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// artifactKey fingerprints a candidate's canonical URL, the cache key an
// artifact is addressed by regardless of which package/version requested
// it (two requirements pinning the same URL share one cache entry).
func artifactKey(url string) fingerprint.Key {
	return fingerprint.Of(func(h *fingerprint.Hasher) { h.String(registry.CanonicalURL(url)) })
}

func (m *Manager) fetch(ctx context.Context, req Request) (Result, error) {
	bucket := req.Bucket
	if bucket == "" {
		bucket = cache.BucketWheels
	}

	key := artifactKey(req.Candidate.URL)

	if _, _, ok := m.store.Lookup(bucket, key, cache.FreshnessCheck{}); ok {
		path := m.store.PayloadPath(bucket, key, req.Candidate.Filename)
		if info, err := os.Stat(path); err == nil {
			return Result{Name: req.Name, Version: req.Version, FilePath: path, Size: info.Size(), Cached: true}, nil
		}
	}

	lock, err := m.store.Lock(bucket, key)
	if err != nil {
		return Result{}, fmt.Errorf("locking cache entry: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	// Re-check after acquiring the lock: another process may have published
	// this entry while we waited.
	if _, _, ok := m.store.Lookup(bucket, key, cache.FreshnessCheck{}); ok {
		path := m.store.PayloadPath(bucket, key, req.Candidate.Filename)
		if info, err := os.Stat(path); err == nil {
			return Result{Name: req.Name, Version: req.Version, FilePath: path, Size: info.Size(), Cached: true}, nil
		}
	}

	data, err := m.downloadWithRetry(ctx, req)
	if err != nil {
		return Result{}, err
	}

	if err := verifyHashes(data, req.Candidate.Hashes); err != nil {
		return Result{}, fmt.Errorf("%s: %w", req.Candidate.Filename, err)
	}

	if err := m.store.Publish(bucket, key, map[string]io.Reader{req.Candidate.Filename: bytes.NewReader(data)}, cache.Sidecar{}); err != nil {
		return Result{}, fmt.Errorf("publishing %s to cache: %w", req.Candidate.Filename, err)
	}

	path := m.store.PayloadPath(bucket, key, req.Candidate.Filename)

	return Result{Name: req.Name, Version: req.Version, FilePath: path, Size: int64(len(data)), Cached: false}, nil
}

// downloadWithRetry attempts to fetch a file up to maxRetries times with
// exponential backoff between attempts, returning the full body.
func (m *Manager) downloadWithRetry(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond
			m.logger.Debug("retrying download",
				slog.String("package", req.Name),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("download canceled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		data, err := m.doDownload(ctx, req)
		if err == nil {
			return data, nil
		}

		// Only retry transient errors (5xx, network). Permanent errors
		// (4xx, hash mismatch) fail immediately.
		var re *retryableError
		if !errors.As(err, &re) {
			return nil, err
		}

		lastErr = err
		m.logger.Debug("download attempt failed",
			slog.String("package", req.Name),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

// doDownload performs a single HTTP GET, returning the full response body.
func (m *Manager) doDownload(ctx context.Context, req Request) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Candidate.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient and retryable.
		return nil, &retryableError{err: fmt.Errorf("requesting %s: %w", req.Candidate.URL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.Candidate.URL)

		// 5xx errors are transient; 4xx are permanent.
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &retryableError{err: err}
		}

		return nil, err
	}

	return io.ReadAll(resp.Body)
}

// verifyHashes checks data against every algorithm registry.Candidate
// declared a digest for (spec §4.2/§7 HashMismatch), skipping algorithms
// this build does not implement rather than treating them as failures —
// a registry index may report any subset of md5/sha256/blake2b.
func verifyHashes(data []byte, hashes map[string]string) error {
	for algo, want := range hashes {
		var h hash.Hash

		switch algo {
		case "sha256":
			h = sha256.New()
		case "md5":
			h = md5.New()
		default:
			continue
		}

		h.Write(data)

		got := hex.EncodeToString(h.Sum(nil))
		if got != want {
			return fmt.Errorf("%s hash mismatch: expected %s, got %s", algo, want, got)
		}
	}

	return nil
}
