// Package registry implements C3: a uniform view over heterogeneous
// package sources (PEP 503/691 simple indexes, flat `--find-links`
// listings, direct URLs, Git repositories, local paths and source
// trees), producing ordered Candidate lists for C5 and single-candidate
// Distributions for C4 (spec §4.3).
package registry

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/pep508"
)

// WheelTag is a PEP 425 compatibility tag triple, generalized from the
// teacher's downloader.WheelTag (kept here since C3 is now responsible for
// tag-compatibility ordering, spec §4.3 "Ordering").
type WheelTag struct {
	Python   string
	ABI      string
	Platform string
}

// Matches reports whether a wheel's tag satisfies a compatibility tag,
// honoring compound dot-separated values (e.g. "py2.py3").
func (wheel WheelTag) Matches(compat WheelTag) bool {
	return fieldMatches(wheel.Python, compat.Python) &&
		fieldMatches(wheel.ABI, compat.ABI) &&
		fieldMatches(wheel.Platform, compat.Platform)
}

func fieldMatches(wheelField, compatValue string) bool {
	for _, w := range strings.Split(wheelField, ".") {
		if w == compatValue {
			return true
		}
	}

	return false
}

// ParseWheelFilename splits a PEP 427 wheel filename into its components.
func ParseWheelFilename(filename string) (name, version string, tag WheelTag, err error) {
	trimmed := strings.TrimSuffix(filename, ".whl")

	parts := strings.Split(trimmed, "-")
	if len(parts) < 5 {
		return "", "", WheelTag{}, fmt.Errorf("invalid wheel filename %q: expected at least 5 parts", filename)
	}

	tag = WheelTag{
		Python:   parts[len(parts)-3],
		ABI:      parts[len(parts)-2],
		Platform: parts[len(parts)-1],
	}

	return parts[0], parts[1], tag, nil
}

// Candidate is one entry in a per-package candidate list: enough identity
// and metadata to select and subsequently fetch the distribution (spec
// §4.3 "enough metadata to select and fetch it").
type Candidate struct {
	Name           names.PackageName
	Version        pep440.Version
	Filename       string
	URL            string
	Hashes         map[string]string // algorithm -> hex digest, from URL fragment or JSON "hashes"
	RequiresPython pep440.Specifier
	Yanked         bool
	YankedReason   string
	MetadataAvailable bool // PEP 658/714 sidecar advertised
	IsWheel        bool
	Tag            WheelTag // zero value for sdists
	IndexPriority  int      // position in the configured index list, lower wins
	Source         pep508.RequirementSource
}

// Less implements the spec §4.3 ordering: `(version desc, wheel-over-sdist,
// tag-compatibility, index-priority)`. compatTags is the caller's ordered
// compatibility-tag preference list (most preferred first); a wheel whose
// tag is absent from compatTags sorts after every wheel that does match.
func Less(a, b Candidate, compatTags []WheelTag) bool {
	if cmp := a.Version.Compare(b.Version); cmp != 0 {
		return cmp > 0 // version desc
	}

	if a.IsWheel != b.IsWheel {
		return a.IsWheel // wheel over sdist
	}

	if a.IsWheel && b.IsWheel {
		ra, rb := tagRank(a.Tag, compatTags), tagRank(b.Tag, compatTags)
		if ra != rb {
			return ra < rb
		}
	}

	return a.IndexPriority < b.IndexPriority
}

func tagRank(tag WheelTag, compatTags []WheelTag) int {
	for i, ct := range compatTags {
		if tag.Matches(ct) {
			return i
		}
	}

	return len(compatTags)
}

// CanonicalURL implements spec §4.6's "canonical URL equality": scheme-
// normalized, fragment-stripped, percent-decoded, case-insensitive host.
func CanonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if decodedPath, err := url.PathUnescape(u.Path); err == nil {
		u.Path = decodedPath
	}

	s := u.String()
	if escaped := u.EscapedPath(); escaped != u.Path {
		s = strings.Replace(s, escaped, u.Path, 1)
	}

	return s
}
