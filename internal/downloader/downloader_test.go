package downloader_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvardsh/pax/internal/cache"
	"github.com/halvardsh/pax/internal/downloader"
	"github.com/halvardsh/pax/internal/registry"
)

func newTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()

	store, err := cache.New(cache.WithDir(t.TempDir()))
	require.NoError(t, err)

	return store
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)

	return hex.EncodeToString(h[:])
}

func TestDownloadSingle(t *testing.T) {
	content := []byte("fake wheel content for testing")
	hash := sha256Hex(content)

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))

	store := newTestStore(t)
	mgr := downloader.New(store, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:    "testpkg",
			Version: "1.0.0",
			Candidate: registry.Candidate{
				Filename: "testpkg-1.0.0-py3-none-any.whl",
				URL:      srv.URL + "/testpkg-1.0.0-py3-none-any.whl",
				Hashes:   map[string]string{"sha256": hash},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "testpkg", results[0].Name)
	assert.Equal(t, "1.0.0", results[0].Version)
	assert.Equal(t, int64(len(content)), results[0].Size)
	assert.False(t, results[0].Cached)

	got, err := os.ReadFile(results[0].FilePath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadConcurrent(t *testing.T) {
	packages := []struct {
		name    string
		content []byte
	}{
		{"pkg-a", []byte("content of package a")},
		{"pkg-b", []byte("content of package b")},
		{"pkg-c", []byte("content of package c")},
	}

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range packages {
			if r.URL.Path == "/"+p.name+".whl" {
				_, _ = w.Write(p.content)

				return
			}
		}
		http.NotFound(w, r)
	}))

	store := newTestStore(t)
	mgr := downloader.New(store, downloader.WithHTTPClient(srv.Client()), downloader.WithMaxWorkers(3))

	var requests []downloader.Request
	for _, p := range packages {
		requests = append(requests, downloader.Request{
			Name:    p.name,
			Version: "1.0.0",
			Candidate: registry.Candidate{
				Filename: p.name + "-1.0.0-py3-none-any.whl",
				URL:      srv.URL + "/" + p.name + ".whl",
				Hashes:   map[string]string{"sha256": sha256Hex(p.content)},
			},
		})
	}

	results, err := mgr.Download(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, packages[i].name, r.Name)
	}
}

func TestDownloadHashMismatch(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("actual content"))
	}))

	store := newTestStore(t)
	mgr := downloader.New(store, downloader.WithHTTPClient(srv.Client()))

	_, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:    "badpkg",
			Version: "1.0.0",
			Candidate: registry.Candidate{
				Filename: "badpkg-1.0.0-py3-none-any.whl",
				URL:      srv.URL + "/badpkg.whl",
				Hashes:   map[string]string{"sha256": "0000000000000000000000000000000000000000000000000000000000000000"},
			},
		},
	})
	require.Error(t, err)
}

func TestDownloadEmptyHashesSkips(t *testing.T) {
	content := []byte("some content no hash check")

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))

	store := newTestStore(t)
	mgr := downloader.New(store, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:    "nohash",
			Version: "1.0.0",
			Candidate: registry.Candidate{
				Filename: "nohash-1.0.0-py3-none-any.whl",
				URL:      srv.URL + "/nohash.whl",
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestDownloadRetry(t *testing.T) {
	content := []byte("retry success content")
	hash := sha256Hex(content)

	var attempts atomic.Int32

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		_, _ = w.Write(content)
	}))

	store := newTestStore(t)
	mgr := downloader.New(store, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:    "retrypkg",
			Version: "1.0.0",
			Candidate: registry.Candidate{
				Filename: "retrypkg-1.0.0-py3-none-any.whl",
				URL:      srv.URL + "/retrypkg.whl",
				Hashes:   map[string]string{"sha256": hash},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDownloadRetriesExhausted(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	store := newTestStore(t)
	mgr := downloader.New(store, downloader.WithHTTPClient(srv.Client()))

	_, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:    "failpkg",
			Version: "1.0.0",
			Candidate: registry.Candidate{
				Filename: "failpkg-1.0.0-py3-none-any.whl",
				URL:      srv.URL + "/failpkg.whl",
			},
		},
	})
	require.Error(t, err)
}

func TestDownloadContextCanceled(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))

	store := newTestStore(t)
	mgr := downloader.New(store, downloader.WithHTTPClient(srv.Client()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mgr.Download(ctx, []downloader.Request{
		{
			Name:    "canceled",
			Version: "1.0.0",
			Candidate: registry.Candidate{
				Filename: "canceled-1.0.0-py3-none-any.whl",
				URL:      srv.URL + "/canceled.whl",
			},
		},
	})
	require.Error(t, err)
}

func TestDownloadHTTPNotFound(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	store := newTestStore(t)
	mgr := downloader.New(store, downloader.WithHTTPClient(srv.Client()))

	_, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:    "missing",
			Version: "1.0.0",
			Candidate: registry.Candidate{
				Filename: "missing-1.0.0-py3-none-any.whl",
				URL:      srv.URL + "/missing.whl",
			},
		},
	})
	require.Error(t, err)
}

func TestDownloadEmptyRequests(t *testing.T) {
	store := newTestStore(t)
	mgr := downloader.New(store)

	results, err := mgr.Download(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDownloadCacheHit(t *testing.T) {
	content := []byte("cached wheel data")
	hash := sha256Hex(content)

	var fetches atomic.Int32

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(content)
	}))

	store := newTestStore(t)
	mgr := downloader.New(store, downloader.WithHTTPClient(srv.Client()))

	req := downloader.Request{
		Name:    "cached",
		Version: "1.0.0",
		Candidate: registry.Candidate{
			Filename: "cached-1.0.0-py3-none-any.whl",
			URL:      srv.URL + "/cached.whl",
			Hashes:   map[string]string{"sha256": hash},
		},
	}

	first, err := mgr.Download(context.Background(), []downloader.Request{req})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.False(t, first[0].Cached)

	second, err := mgr.Download(context.Background(), []downloader.Request{req})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].Cached)
	assert.Equal(t, first[0].FilePath, second[0].FilePath)

	assert.Equal(t, int32(1), fetches.Load(), "second download must reuse the cache, not refetch")
}
