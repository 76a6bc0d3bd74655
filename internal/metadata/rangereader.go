package metadata

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// RangeReader is an io.ReaderAt over an HTTP resource accessed via `Range`
// requests, letting archive/zip.NewReader read only a wheel's central
// directory instead of downloading the whole file (SPEC_FULL.md §3
// supplement 2, spec §4.4 acquisition strategy 2).
type RangeReader struct {
	ctx    context.Context
	client *http.Client
	url    string
	size   int64
}

// NewRangeReader probes url with a HEAD request to learn its size and range
// support, and fails if the server does not advertise `Accept-Ranges: bytes`.
func NewRangeReader(ctx context.Context, client *http.Client, url string) (*RangeReader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building HEAD request for %s: %w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") {
		return nil, fmt.Errorf("%s does not advertise range-request support", url)
	}

	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing Content-Length for %s: %w", url, err)
	}

	return &RangeReader{ctx: ctx, client: client, url: url, size: size}, nil
}

// Size returns the full resource length, as required by zip.NewReader.
func (r *RangeReader) Size() int64 { return r.size }

// ReadAt implements io.ReaderAt via a single-range HTTP GET.
func (r *RangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ranged GET %s: %w", r.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("%s did not honor range request (status %d)", r.url, resp.StatusCode)
	}

	n, err := io.ReadFull(resp.Body, p[:end-off+1])
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, err
	}

	return n, nil
}

// ExtractWheelMetadata opens a wheel purely via its central directory (no
// full download) and returns the raw bytes of its `*.dist-info/METADATA`
// entry.
func ExtractWheelMetadata(ctx context.Context, client *http.Client, wheelURL string) ([]byte, error) {
	rr, err := NewRangeReader(ctx, client, wheelURL)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(rr, rr.Size())
	if err != nil {
		return nil, fmt.Errorf("reading central directory of %s: %w", wheelURL, err)
	}

	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".dist-info/METADATA") {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", f.Name, err)
			}
			defer func() { _ = rc.Close() }()

			return io.ReadAll(rc)
		}
	}

	return nil, fmt.Errorf("no *.dist-info/METADATA entry found in %s", wheelURL)
}
