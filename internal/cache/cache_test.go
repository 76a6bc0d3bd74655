package cache_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvardsh/pax/internal/cache"
	"github.com/halvardsh/pax/internal/fingerprint"
)

func key(s string) fingerprint.Key {
	return fingerprint.Of(func(h *fingerprint.Hasher) { h.String(s) })
}

func TestPublishAndLookup(t *testing.T) {
	s, err := cache.New(cache.WithDir(t.TempDir()))
	require.NoError(t, err)

	k := key("foo-1.0.0")

	err = s.Publish(cache.BucketWheels, k, map[string]io.Reader{"payload": strings.NewReader("wheel bytes")}, cache.Sidecar{})
	require.NoError(t, err)

	dir, sc, ok := s.Lookup(cache.BucketWheels, k, cache.FreshnessCheck{})
	require.True(t, ok)
	assert.Equal(t, k, sc.Fingerprint)

	data, err := os.ReadFile(filepath.Join(dir, "payload"))
	require.NoError(t, err)
	assert.Equal(t, "wheel bytes", string(data))
}

func TestLookupMissWhenAbsent(t *testing.T) {
	s, err := cache.New(cache.WithDir(t.TempDir()))
	require.NoError(t, err)

	_, _, ok := s.Lookup(cache.BucketWheels, key("absent"), cache.FreshnessCheck{})
	assert.False(t, ok)
}

func TestLookupEvictsCorruptSidecar(t *testing.T) {
	dir := t.TempDir()
	s, err := cache.New(cache.WithDir(dir))
	require.NoError(t, err)

	k := key("corrupt")

	err = s.Publish(cache.BucketWheels, k, map[string]io.Reader{"payload": strings.NewReader("x")}, cache.Sidecar{})
	require.NoError(t, err)

	// Corrupt the sidecar directly.
	entryDir := filepath.Dir(mustSidecarPath(t, s, k))
	require.NoError(t, os.WriteFile(filepath.Join(entryDir, "sidecar.json"), []byte("{not json"), 0o644))

	_, _, ok := s.Lookup(cache.BucketWheels, k, cache.FreshnessCheck{})
	assert.False(t, ok, "corrupt sidecar must be treated as a miss")

	_, err = os.Stat(entryDir)
	assert.True(t, os.IsNotExist(err), "corrupt entry must be evicted from disk")
}

func TestFreshnessBySourceMtime(t *testing.T) {
	s, err := cache.New(cache.WithDir(t.TempDir()))
	require.NoError(t, err)

	k := key("mtime-entry")
	published := time.Now()

	err = s.Publish(cache.BucketArchive, k, map[string]io.Reader{"payload": strings.NewReader("x")}, cache.Sidecar{SourceMtime: &published})
	require.NoError(t, err)

	older := published.Add(-time.Hour)
	_, _, ok := s.Lookup(cache.BucketArchive, k, cache.FreshnessCheck{SourceMtime: &older})
	assert.True(t, ok, "entry newer than source mtime must be fresh")

	newer := published.Add(time.Hour)
	_, _, ok = s.Lookup(cache.BucketArchive, k, cache.FreshnessCheck{SourceMtime: &newer})
	assert.False(t, ok, "entry older than source mtime must be stale")
}

func TestFreshnessByHTTPRevalidation(t *testing.T) {
	s, err := cache.New(cache.WithDir(t.TempDir()))
	require.NoError(t, err)

	k := key("etag-entry")

	err = s.Publish(cache.BucketSimple, k, map[string]io.Reader{"payload": strings.NewReader("x")}, cache.Sidecar{ETag: `"abc"`})
	require.NoError(t, err)

	_, _, ok := s.Lookup(cache.BucketSimple, k, cache.FreshnessCheck{
		Revalidate: func(etag, _ string) (bool, error) { return etag == `"abc"`, nil },
	})
	assert.True(t, ok)

	_, _, ok = s.Lookup(cache.BucketSimple, k, cache.FreshnessCheck{
		Revalidate: func(string, string) (bool, error) { return false, nil },
	})
	assert.False(t, ok)
}

func TestLockSerializesWriters(t *testing.T) {
	s, err := cache.New(cache.WithDir(t.TempDir()))
	require.NoError(t, err)

	k := key("locked-entry")

	var (
		mu      sync.Mutex
		order   []int
		active  int
		wg      sync.WaitGroup
		started = make(chan struct{})
	)

	for i := range 5 {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			fl, err := s.Lock(cache.BucketWheels, k)
			require.NoError(t, err)

			mu.Lock()
			active++
			assert.Equal(t, 1, active, "another writer held the entry lock at the same time")
			order = append(order, n)
			mu.Unlock()

			if n == 0 {
				close(started)
			}

			mu.Lock()
			active--
			mu.Unlock()

			_ = fl.Unlock()
		}(i)
	}

	wg.Wait()
	<-started
	assert.Len(t, order, 5, "every locker eventually acquires the lock")
}

func TestNewCreatesRootDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")

	_, err := cache.New(cache.WithDir(dir))
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewRespectsEnvVar(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "env-cache")
	t.Setenv("PAX_CACHE_DIR", dir)

	s, err := cache.New()
	require.NoError(t, err)
	assert.Equal(t, dir, s.Root())
}

func mustSidecarPath(t *testing.T, s *cache.Store, k fingerprint.Key) string {
	t.Helper()

	dir, _, ok := s.Lookup(cache.BucketWheels, k, cache.FreshnessCheck{})
	if !ok {
		// Lookup with no freshness signal should succeed right after
		// Publish; if it didn't, fall back to computing the path via a
		// second Publish no-op is not possible, so fail loudly.
		t.Fatalf("expected entry for %x to exist", uint64(k))
	}

	return filepath.Join(dir, "sidecar.json")
}
