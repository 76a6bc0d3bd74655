// Package cache implements C2: a filesystem-backed, content-addressed
// artifact store for downloaded archives, built wheels, extracted
// metadata, Git checkouts, and interpreter probes (spec §4.2).
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"

	"github.com/halvardsh/pax/internal/fingerprint"
)

// Bucket names an artifact class. The version suffix encodes the
// serialization schema; a schema change uses a new bucket number, and old
// buckets are left for external eviction tooling (spec §4.2 "not by the
// core").
type Bucket string

const (
	BucketWheels      Bucket = "wheels-v1"
	BucketSdists      Bucket = "sdists-v1"
	BucketGit         Bucket = "git-v1"
	BucketInterpreter Bucket = "interpreter-v1"
	BucketSimple      Bucket = "simple-v1"
	BucketArchive     Bucket = "archive-v1"
)

const schemaVersion = 1

// shardWidth is how many hex digits of the fingerprint form the first-level
// shard directory (spec §4.2 "partitioned by a prefix of the fingerprint").
const shardWidth = 2

// Sidecar is the freshness metadata stored alongside every cached entry
// (spec §4.2 "Entry freshness").
type Sidecar struct {
	Fingerprint   fingerprint.Key `json:"fingerprint"`
	SchemaVersion int             `json:"schema_version"`
	SourceMtime   *time.Time      `json:"source_mtime,omitempty"`
	ETag          string          `json:"etag,omitempty"`
	LastModified  string          `json:"last_modified,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithDir sets the cache root directory, overriding the platform default.
func WithDir(dir string) Option {
	return func(s *Store) {
		if dir != "" {
			s.root = dir
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is the C2 Artifact Store.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a Store rooted at the configured or platform-default
// directory, creating it if necessary.
func New(opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}

	for _, opt := range opts {
		opt(s)
	}

	if s.root == "" {
		s.root = defaultCacheDir()
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", s.root, err)
	}

	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// entryDir is the directory holding one fingerprinted entry's payload,
// sidecar, and lock file (spec §6 "Cache on-disk layout").
func (s *Store) entryDir(bucket Bucket, key fingerprint.Key) string {
	shard := fmt.Sprintf("%016x", uint64(key))[:shardWidth]

	return filepath.Join(s.root, string(bucket), shard, fmt.Sprintf("%016x", uint64(key)))
}

func (s *Store) lockPath(bucket Bucket, key fingerprint.Key) string {
	return filepath.Join(s.entryDir(bucket, key), ".lock")
}

func (s *Store) payloadPath(bucket Bucket, key fingerprint.Key, name string) string {
	return filepath.Join(s.entryDir(bucket, key), name)
}

func (s *Store) sidecarPath(bucket Bucket, key fingerprint.Key) string {
	return filepath.Join(s.entryDir(bucket, key), "sidecar.json")
}

// Lock acquires the per-entry (or, when multiple files must publish
// together, per-directory) advisory file lock for an entry. The lock is an
// OS-level advisory lock via gofrs/flock, so it survives process crashes
// and is blocking with no timeout (spec §4.2). Callers must Unlock the
// returned handle.
func (s *Store) Lock(bucket Bucket, key fingerprint.Key) (*flock.Flock, error) {
	dir := s.entryDir(bucket, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating entry directory %s: %w", dir, err)
	}

	fl := flock.New(s.lockPath(bucket, key))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring cache lock %s: %w", fl.Path(), err)
	}

	return fl, nil
}

// FreshnessCheck supplies the information spec §4.2 uses to decide whether
// an existing entry is still fresh: the source's local mtime (if any), and
// a conditional-HTTP revalidation callback (if the source is remote).
type FreshnessCheck struct {
	SourceMtime  *time.Time
	Revalidate   func(etag, lastModified string) (notModified bool, err error)
}

// Lookup returns the entry directory and sidecar for (bucket, key) if the
// entry is present and fresh. A fingerprint or schema mismatch, or a
// sidecar that fails to parse, is treated as corruption: the entry is
// removed and Lookup reports a miss (spec §4.2 "Failure semantics").
func (s *Store) Lookup(bucket Bucket, key fingerprint.Key, fresh FreshnessCheck) (dir string, sc Sidecar, ok bool) {
	dir = s.entryDir(bucket, key)

	raw, err := os.ReadFile(s.sidecarPath(bucket, key))
	if err != nil {
		return "", Sidecar{}, false
	}

	if err := json.Unmarshal(raw, &sc); err != nil {
		s.logger.Warn("corrupt cache sidecar, evicting", slog.String("dir", dir), slog.String("error", err.Error()))
		s.evict(bucket, key)

		return "", Sidecar{}, false
	}

	if sc.Fingerprint != key || sc.SchemaVersion != schemaVersion {
		s.logger.Debug("cache fingerprint/schema mismatch, treating as miss",
			slog.String("dir", dir))
		s.evict(bucket, key)

		return "", Sidecar{}, false
	}

	if !s.isFresh(sc, fresh) {
		return "", Sidecar{}, false
	}

	return dir, sc, true
}

func (s *Store) isFresh(sc Sidecar, check FreshnessCheck) bool {
	if check.SourceMtime != nil {
		if sc.SourceMtime == nil || sc.SourceMtime.Before(*check.SourceMtime) {
			return false
		}

		return true
	}

	if check.Revalidate != nil {
		notModified, err := check.Revalidate(sc.ETag, sc.LastModified)
		if err != nil {
			s.logger.Debug("revalidation failed, treating as stale", slog.String("error", err.Error()))
			return false
		}

		return notModified
	}

	// No freshness signal supplied: a matching fingerprint and schema is
	// sufficient (content-addressed entries never change in place).
	return true
}

// Publish atomically writes one or more named payload files plus the
// sidecar into the entry directory: each file is written to a sibling temp
// file in the same directory, then renamed into place (spec §4.2 "Readers
// may proceed without locks provided they read atomically-published
// files"). Callers that need multiple files published together must hold
// the directory-level Lock for the duration.
func (s *Store) Publish(bucket Bucket, key fingerprint.Key, payload map[string]io.Reader, sc Sidecar) error {
	dir := s.entryDir(bucket, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating entry directory %s: %w", dir, err)
	}

	sc.Fingerprint = key
	sc.SchemaVersion = schemaVersion

	for name, r := range payload {
		if err := s.publishOne(dir, name, r); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshaling sidecar: %w", err)
	}

	if err := s.publishOne(dir, "sidecar.json", bytesReader(raw)); err != nil {
		return err
	}

	s.logger.Debug("published cache entry", slog.String("bucket", string(bucket)), slog.String("dir", dir))

	return nil
}

func (s *Store) publishOne(dir, name string, r io.Reader) error {
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp file %s: %w", tmp, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)

		return fmt.Errorf("writing %s: %w", name, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s into place: %w", name, err)
	}

	return nil
}

// PayloadPath returns the path of a named payload file within an entry,
// for callers that already hold a directory from Lookup/Publish.
func (s *Store) PayloadPath(bucket Bucket, key fingerprint.Key, name string) string {
	return s.payloadPath(bucket, key, name)
}

// evict removes a corrupted entry directory so the caller falls through to
// a cache miss (spec §4.2 "logged and removed... proceeds as a cache
// miss").
func (s *Store) evict(bucket Bucket, key fingerprint.Key) {
	_ = os.RemoveAll(s.entryDir(bucket, key))
}

// IOError distinguishes a genuine I/O failure (propagated) from a plain
// cache miss (not an error) per spec §4.2's "I/O errors other than NotFound
// are surfaced".
func IOError(err error) bool {
	return err != nil && !errors.Is(err, os.ErrNotExist)
}

func bytesReader(b []byte) io.Reader {
	return &byteReader{b: b}
}

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}

	n := copy(p, r.b[r.i:])
	r.i += n

	return n, nil
}

// defaultCacheDir returns the platform-appropriate cache directory.
// Priority: PAX_CACHE_DIR env var > platform default.
func defaultCacheDir() string {
	if dir := os.Getenv("PAX_CACHE_DIR"); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pax")
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Caches", "pax")
	}

	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "pax")
	}

	return filepath.Join(home, ".cache", "pax")
}
