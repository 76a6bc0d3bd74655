// Package pep440 wraps github.com/aquasecurity/go-pep440-version with the
// structural contract spec.md §3 requires: ordered Version values, a
// VersionSpecifier type, and an interval translation satisfying the
// testable property `s.contains(v) == range(s).contains(v)` (spec §8).
package pep440

import (
	"fmt"
	"strings"

	upstream "github.com/aquasecurity/go-pep440-version"
)

// Version is a parsed PEP 440 version. Two Versions are equivalent for
// resolution iff they are equal including the local segment (spec §3).
type Version struct {
	raw   string
	inner upstream.Version
}

// Parse parses a PEP 440 version string.
func Parse(s string) (Version, error) {
	v, err := upstream.Parse(strings.TrimSpace(s))
	if err != nil {
		return Version{}, fmt.Errorf("parsing pep440 version %q: %w", s, err)
	}

	return Version{raw: s, inner: v}, nil
}

// MustParse parses s and panics on error; reserved for literal test fixtures.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return v
}

// String returns the original textual form.
func (v Version) String() string { return v.raw }

// Compare returns -1, 0, or 1 per the PEP 440 total order.
func (v Version) Compare(other Version) int {
	return v.inner.Compare(other.inner)
}

// Equal reports structural equality, including the local segment.
func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0 && v.inner.Local() == other.inner.Local()
}

// GreaterThan reports whether v sorts after other.
func (v Version) GreaterThan(other Version) bool {
	return v.inner.GreaterThan(other.inner)
}

// IsPreRelease reports whether the version carries a pre-release segment.
func (v Version) IsPreRelease() bool {
	return v.inner.IsPreRelease()
}

// Local returns the local version segment, or "" if absent.
func (v Version) Local() string {
	return v.inner.Local()
}

// HasLocal reports whether the version carries a local segment (spec §4.5
// local-segment promotion rule).
func (v Version) HasLocal() bool {
	return v.Local() != ""
}

// WithoutLocal returns the version with its local segment stripped, used
// when comparing a plain `==1.2.3` constraint against a `+local` pin for
// promotion purposes.
func (v Version) WithoutLocal() Version {
	if !v.HasLocal() {
		return v
	}

	base, _, _ := strings.Cut(v.raw, "+")

	w, err := Parse(base)
	if err != nil {
		return v
	}

	return w
}
