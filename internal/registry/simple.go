package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
)

// SimpleIndex talks to a single PEP 503/691 simple-index endpoint. Its
// request path is adapted from the teacher's pypi.Service.fetch,
// generalized here to a project-agnostic index URL rather than a hardcoded
// PyPI base. Fetch makes one request per call: transport failures, 5xx
// responses and body read errors come back wrapped in retryableError, and
// nothing in this module retries them.
type SimpleIndex struct {
	baseURL    string
	httpClient *http.Client
	priority   int
}

// NewSimpleIndex constructs a SimpleIndex client for baseURL (e.g.
// "https://pypi.org/simple"), at the given index-priority rank.
func NewSimpleIndex(baseURL string, priority int, httpClient *http.Client) *SimpleIndex {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &SimpleIndex{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient, priority: priority}
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Fetch retrieves and parses the per-package listing, preferring the PEP 691
// JSON representation via content negotiation and falling back to PEP 503
// HTML when the server does not support it.
func (idx *SimpleIndex) Fetch(ctx context.Context, name names.PackageName) ([]Candidate, error) {
	reqURL := fmt.Sprintf("%s/%s/", idx.baseURL, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", reqURL, err)
	}

	req.Header.Set("Accept", "application/vnd.pypi.simple.v1+json, text/html;q=0.5")

	resp, err := idx.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("requesting %s: %w", reqURL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &retryableError{err: fmt.Errorf("server error %d from %s", resp.StatusCode, reqURL)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, reqURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("reading %s: %w", reqURL, err)}
	}

	contentType := resp.Header.Get("Content-Type")

	var candidates []Candidate

	if strings.Contains(contentType, "application/vnd.pypi.simple") && strings.Contains(contentType, "json") {
		candidates, err = parseSimpleJSON(name, body)
	} else {
		candidates, err = parseSimpleHTML(name, reqURL, body)
	}

	if err != nil {
		return nil, fmt.Errorf("parsing index response for %s: %w", name, err)
	}

	for i := range candidates {
		candidates[i].IndexPriority = idx.priority
	}

	return candidates, nil
}

// simpleJSONFile mirrors a single "files[]" entry of the PEP 691 response.
type simpleJSONFile struct {
	Filename          string            `json:"filename"`
	URL               string            `json:"url"`
	Hashes            map[string]string `json:"hashes"`
	RequiresPython    *string           `json:"requires-python"`
	Yanked            json.RawMessage   `json:"yanked"`
	CoreMetadata      json.RawMessage   `json:"core-metadata"`
	DistInfoMetadata  json.RawMessage   `json:"dist-info-metadata"`
}

type simpleJSONResponse struct {
	Files []simpleJSONFile `json:"files"`
}

func parseSimpleJSON(name names.PackageName, body []byte) ([]Candidate, error) {
	var resp simpleJSONResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(resp.Files))

	for _, f := range resp.Files {
		c, ok := fileToCandidate(name, f.Filename, f.URL, f.Hashes, derefStr(f.RequiresPython))
		if !ok {
			continue
		}

		c.Yanked, c.YankedReason = parseYankedJSON(f.Yanked)
		c.MetadataAvailable = truthyJSON(f.CoreMetadata) || truthyJSON(f.DistInfoMetadata)

		candidates = append(candidates, c)
	}

	return candidates, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

// parseYankedJSON handles the PEP 691 `yanked` field, which is either
// `false` (not yanked) or a string giving the yank reason.
func parseYankedJSON(raw json.RawMessage) (yanked bool, reason string) {
	if len(raw) == 0 {
		return false, ""
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return true, s
	}

	return false, ""
}

func truthyJSON(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "false" && string(raw) != "null"
}

// parseSimpleHTML implements spec §4.3's HTML parsing rules: filename from
// the final path segment of href with `?query` stripped (per DESIGN.md open
// question 1, `;params` are left untouched) and percent-decoded; hashes
// from the URL fragment (`#sha256=<hex>`); requires-python from
// data-requires-python; yank reason from data-yanked; metadata
// availability preferring data-core-metadata over data-dist-info-metadata.
func parseSimpleHTML(name names.PackageName, baseURL string, body []byte) ([]Candidate, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	base, _ := url.Parse(baseURL)

	var candidates []Candidate

	var walk func(*html.Node)

	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if c, ok := anchorToCandidate(name, base, n); ok {
				candidates = append(candidates, c)
			}
		}

		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}

	walk(doc)

	return candidates, nil
}

func anchorToCandidate(name names.PackageName, base *url.URL, n *html.Node) (Candidate, bool) {
	attrs := map[string]string{}
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}

	href, ok := attrs["href"]
	if !ok {
		return Candidate{}, false
	}

	resolved := href

	if base != nil {
		if u, err := base.Parse(href); err == nil {
			resolved = u.String()
		}
	}

	withoutQuery, fragment, _ := strings.Cut(resolved, "#")
	withoutQuery, _, _ = strings.Cut(withoutQuery, "?")

	segments := strings.Split(withoutQuery, "/")
	filename := segments[len(segments)-1]

	if decoded, err := url.PathUnescape(filename); err == nil {
		filename = decoded
	}

	hashes := map[string]string{}

	if algo, digest, found := strings.Cut(fragment, "="); found {
		hashes[algo] = digest
	}

	c, ok := fileToCandidate(name, filename, withoutQuery, hashes, attrs["data-requires-python"])
	if !ok {
		return Candidate{}, false
	}

	if reason, yanked := attrs["data-yanked"]; yanked {
		c.Yanked = true
		c.YankedReason = reason
	}

	if _, ok := attrs["data-core-metadata"]; ok {
		c.MetadataAvailable = true
	} else if _, ok := attrs["data-dist-info-metadata"]; ok {
		c.MetadataAvailable = true
	}

	return c, true
}

// fileToCandidate classifies a filename as a wheel or sdist and parses the
// embedded version, returning ok=false for filenames that are not a wheel
// or sdist with a parseable version. It does not check the filename's
// distribution segment against name; the candidate takes name as given.
func fileToCandidate(name names.PackageName, filename, urlStr string, hashes map[string]string, requiresPython string) (Candidate, bool) {
	var (
		version pep440.Version
		isWheel bool
		tag     WheelTag
	)

	switch {
	case strings.HasSuffix(filename, ".whl"):
		_, verStr, parsedTag, err := ParseWheelFilename(filename)
		if err != nil {
			return Candidate{}, false
		}

		v, err := pep440.Parse(verStr)
		if err != nil {
			return Candidate{}, false
		}

		version, isWheel, tag = v, true, parsedTag
	case strings.HasSuffix(filename, ".tar.gz"), strings.HasSuffix(filename, ".zip"), strings.HasSuffix(filename, ".tar.bz2"):
		verStr, ok := sdistVersion(filename)
		if !ok {
			return Candidate{}, false
		}

		v, err := pep440.Parse(verStr)
		if err != nil {
			return Candidate{}, false
		}

		version = v
	default:
		return Candidate{}, false
	}

	var spec pep440.Specifier

	if requiresPython != "" {
		if s, err := pep440.ParseSpecifier(requiresPython); err == nil {
			spec = s
		}
	}

	return Candidate{
		Name:           name,
		Version:        version,
		Filename:       filename,
		URL:            urlStr,
		Hashes:         hashes,
		RequiresPython: spec,
		IsWheel:        isWheel,
		Tag:            tag,
	}, true
}

// sdistVersion strips the known archive extensions and the leading
// `{distribution}-` prefix per spec §6's source-distribution filename rule.
func sdistVersion(filename string) (string, bool) {
	for _, ext := range []string{".tar.gz", ".tar.bz2", ".zip"} {
		if trimmed, ok := strings.CutSuffix(filename, ext); ok {
			idx := strings.IndexByte(trimmed, '-')
			if idx < 0 {
				return "", false
			}

			return trimmed[idx+1:], true
		}
	}

	return "", false
}
