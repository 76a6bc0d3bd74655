package metadata

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestWheel(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := zip.NewWriter(&buf)

	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	return buf.Bytes()
}

func rangeServingHandler(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)

			return
		}

		rng := r.Header.Get("Range")
		if rng == "" {
			_, _ = w.Write(data)

			return
		}

		var start, end int

		_, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		if err != nil || end >= len(data) {
			end = len(data) - 1
		}

		w.Header().Set("Content-Range", rng)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[start : end+1])
	}
}

func TestNewRangeReaderRejectsNoRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewRangeReader(context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
}

func TestExtractWheelMetadataReadsOnlyCentralDirectory(t *testing.T) {
	wheel := buildTestWheel(t, map[string]string{
		"pkg/__init__.py":                "# pkg\n",
		"pkg-1.0.0.dist-info/METADATA":   "Name: pkg\nVersion: 1.0.0\n",
		"pkg-1.0.0.dist-info/RECORD":     "",
	})

	srv := httptest.NewServer(rangeServingHandler(wheel))
	defer srv.Close()

	data, err := ExtractWheelMetadata(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Name: pkg")
}

func TestExtractWheelMetadataMissingEntryErrors(t *testing.T) {
	wheel := buildTestWheel(t, map[string]string{
		"pkg/__init__.py": "# pkg\n",
	})

	srv := httptest.NewServer(rangeServingHandler(wheel))
	defer srv.Close()

	_, err := ExtractWheelMetadata(context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
}
