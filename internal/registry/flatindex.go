package registry

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"github.com/halvardsh/pax/internal/names"
)

// FlatIndex is a `--find-links` source: a local directory or an HTTP page
// listing bare archive filenames (spec §4.3 "Flat index").
type FlatIndex struct {
	location   string // directory path or HTTP URL
	httpClient *http.Client
	priority   int
}

// NewFlatIndex constructs a FlatIndex over a directory path or URL.
func NewFlatIndex(location string, priority int, httpClient *http.Client) *FlatIndex {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &FlatIndex{location: location, httpClient: httpClient, priority: priority}
}

// Fetch lists every archive in the flat index matching name, unfiltered by
// version (the caller narrows by allowed range downstream).
func (f *FlatIndex) Fetch(ctx context.Context, name names.PackageName) ([]Candidate, error) {
	var entries []struct{ filename, url string }

	var err error

	if isHTTPURL(f.location) {
		entries, err = f.fetchHTTP(ctx)
	} else {
		entries, err = f.fetchDir()
	}

	if err != nil {
		return nil, err
	}

	var candidates []Candidate

	for _, e := range entries {
		base, _, _ := strings.Cut(strings.TrimSuffix(e.filename, filepath.Ext(e.filename)), "-")
		if !strings.EqualFold(names.Normalize(base), string(name)) && !filenameBelongsTo(e.filename, name) {
			continue
		}

		c, ok := fileToCandidate(name, e.filename, e.url, nil, "")
		if !ok {
			continue
		}

		c.IndexPriority = f.priority
		candidates = append(candidates, c)
	}

	return candidates, nil
}

// filenameBelongsTo checks the PEP 503-normalized first hyphen-separated
// segment of filename against name. A multi-word name matches only when
// that segment spells it whole, as wheel filenames do with underscores
// (e.g. "scikit_learn-1.4.0-..."); "scikit-learn-1.4.0.tar.gz" does not.
func filenameBelongsTo(filename string, name names.PackageName) bool {
	trimmed := filename

	for _, ext := range []string{".whl", ".tar.gz", ".tar.bz2", ".zip"} {
		trimmed = strings.TrimSuffix(trimmed, ext)
	}

	parts := strings.Split(trimmed, "-")
	if len(parts) < 2 {
		return false
	}

	return names.Normalize(parts[0]) == string(name)
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (f *FlatIndex) fetchDir() ([]struct{ filename, url string }, error) {
	dirEntries, err := os.ReadDir(f.location)
	if err != nil {
		return nil, err
	}

	out := make([]struct{ filename, url string }, 0, len(dirEntries))

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}

		out = append(out, struct{ filename, url string }{
			filename: de.Name(),
			url:      "file://" + filepath.Join(f.location, de.Name()),
		})
	}

	return out, nil
}

func (f *FlatIndex) fetchHTTP(ctx context.Context) ([]struct{ filename, url string }, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.location, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	base, _ := url.Parse(f.location)

	var out []struct{ filename, url string }

	var walk func(*html.Node)

	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key != "href" {
					continue
				}

				resolved := a.Val
				if base != nil {
					if u, err := base.Parse(a.Val); err == nil {
						resolved = u.String()
					}
				}

				withoutQuery, _, _ := strings.Cut(resolved, "#")
				withoutQuery, _, _ = strings.Cut(withoutQuery, "?")
				segments := strings.Split(withoutQuery, "/")

				out = append(out, struct{ filename, url string }{
					filename: segments[len(segments)-1],
					url:      withoutQuery,
				})
			}
		}

		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}

	walk(doc)

	return out, nil
}
