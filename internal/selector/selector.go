// Package selector implements C5: given a package name and an allowed
// version range, yield candidates in the order the resolution strategy
// dictates (spec §4.5).
//
// The ordering and pre-release filtering logic is a direct generalization
// of the teacher's former resolver/version.go (SortVersionsDesc,
// FindBestVersion): same "sort then filter" shape, now parameterized over
// strategy, preferences, and the local-segment promotion rule spec §4.5
// adds.
package selector

import (
	"context"
	"log/slog"
	"sort"

	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/registry"
	"github.com/halvardsh/pax/internal/resolver"
)

// PreReleaseMode controls when a pre-release candidate is eligible.
type PreReleaseMode int

const (
	// PreReleaseIfNecessary allows a pre-release only when the specifier
	// explicitly targets one, or no stable candidate satisfies the range
	// (spec §4.5 pre-release policy (a) and (b)).
	PreReleaseIfNecessary PreReleaseMode = iota
	// PreReleaseAllow allows pre-releases unconditionally (spec §4.5 (c):
	// "pre-releases are globally enabled for this run").
	PreReleaseAllow
)

// Registry is the subset of C3 the selector needs: the full candidate
// listing for a package name, across every configured source.
type Registry interface {
	Versions(ctx context.Context, name names.PackageName) ([]registry.Candidate, error)
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPreReleaseMode sets the global pre-release policy (spec §4.5 (c)).
func WithPreReleaseMode(m PreReleaseMode) Option {
	return func(s *Selector) { s.preRelease = m }
}

// Selector implements resolver.CandidateSelector over a registry.Registry.
type Selector struct {
	reg        Registry
	logger     *slog.Logger
	preRelease PreReleaseMode
}

var _ resolver.CandidateSelector = (*Selector)(nil)

// New constructs a Selector.
func New(reg Registry, opts ...Option) *Selector {
	s := &Selector{reg: reg, logger: slog.Default()}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Candidates implements resolver.CandidateSelector (spec §4.5).
func (s *Selector) Candidates(ctx context.Context, name names.PackageName, allowed pep440.Specifier, strategy resolver.Strategy, locked *pep440.Version) ([]pep440.Version, error) {
	all, err := s.reg.Versions(ctx, name)
	if err != nil {
		return nil, err
	}

	allowsPreRelease := s.preRelease == PreReleaseAllow || specifierTargetsPreRelease(allowed)

	var stable, pre []versionCandidate

	for _, c := range all {
		if c.Yanked && !pinsExact(allowed, c.Version) {
			continue // spec §4.3: "Yanked versions... only selected if explicitly pinned"
		}

		if !allowed.Empty() && !allowed.Contains(c.Version) && !promotedByLocalSegment(allowed, c.Version) {
			continue
		}

		entry := versionCandidate{version: c.Version, wheel: c.IsWheel}

		if c.Version.IsPreRelease() {
			pre = append(pre, entry)
		} else {
			stable = append(stable, entry)
		}
	}

	ascending := strategy == resolver.StrategyLowest
	sortCandidates(stable, ascending)
	sortCandidates(pre, ascending)

	var ordered []versionCandidate

	switch {
	case allowsPreRelease:
		ordered = mergeCandidates(stable, pre, ascending)
	case len(stable) == 0 && len(pre) > 0:
		// spec §4.5 (b): no non-pre-release candidate satisfies the range.
		ordered = pre
	default:
		ordered = stable
	}

	versions := make([]pep440.Version, 0, len(ordered))
	for _, c := range ordered {
		versions = append(versions, c.version)
	}

	return promoteLocked(versions, locked), nil
}

type versionCandidate struct {
	version pep440.Version
	wheel   bool
}

// sortCandidates orders by (version, wheel-over-sdist) per spec §4.5
// "prefer wheels over sdists at the same version".
func sortCandidates(c []versionCandidate, ascending bool) {
	sort.SliceStable(c, func(i, j int) bool {
		cmp := c[i].version.Compare(c[j].version)
		if cmp != 0 {
			if ascending {
				return cmp < 0
			}

			return cmp > 0
		}

		return c[i].wheel && !c[j].wheel
	})
}

func mergeCandidates(stable, pre []versionCandidate, ascending bool) []versionCandidate {
	all := append(append([]versionCandidate(nil), stable...), pre...)
	sortCandidates(all, ascending)

	return all
}

// promoteLocked moves a caller-supplied preference to the front if present
// in versions (spec §4.5 "Preferences").
func promoteLocked(versions []pep440.Version, locked *pep440.Version) []pep440.Version {
	if locked == nil {
		return versions
	}

	for i, v := range versions {
		if v.Equal(*locked) {
			out := append([]pep440.Version{v}, versions[:i]...)
			return append(out, versions[i+1:]...)
		}
	}

	return versions
}

func specifierTargetsPreRelease(s pep440.Specifier) bool {
	if s.Empty() {
		return false
	}

	r, err := s.Range()
	if err != nil {
		return false
	}

	iv := r.Interval

	return (iv.Lower != nil && iv.Lower.IsPreRelease()) || (iv.Upper != nil && iv.Upper.IsPreRelease())
}

// promotedByLocalSegment implements spec §4.5's local-version-segment
// promotion rule: a plain `==X.Y.Z` pin carries no local segment of its
// own, so a published build tagged with one (`torch==2.2.1+cu118`) would
// otherwise never satisfy it. If the pin exactly targets the candidate's
// public version once its local segment is stripped, the candidate is
// promoted into the eligible set rather than filtered out.
func promotedByLocalSegment(allowed pep440.Specifier, v pep440.Version) bool {
	if !v.HasLocal() {
		return false
	}

	return pinsExact(allowed, v.WithoutLocal())
}

func pinsExact(s pep440.Specifier, v pep440.Version) bool {
	r, err := s.Range()
	if err != nil {
		return false
	}

	iv := r.Interval

	return iv.Lower != nil && iv.Upper != nil && iv.Lower.Equal(*iv.Upper) && iv.Lower.Equal(v)
}
