package pep440

import (
	"fmt"
	"regexp"
	"strings"

	upstream "github.com/aquasecurity/go-pep440-version"
)

// Specifier is a PEP 440 VersionSpecifier: a conjunction of clauses such as
// `>=1.0,<2.0,!=1.5`.
type Specifier struct {
	raw    string
	inner  upstream.Specifiers
	clause []clause
}

type operator string

const (
	opEQ       operator = "=="
	opNE       operator = "!="
	opLT       operator = "<"
	opLE       operator = "<="
	opGT       operator = ">"
	opGE       operator = ">="
	opCompat   operator = "~="
	opArbitrary operator = "==="
)

type clause struct {
	op  operator
	ver string // raw version text of the clause, including any trailing ".*"
}

var clauseRe = regexp.MustCompile(`(~=|==|!=|<=|>=|<|>|===)\s*([A-Za-z0-9.\-_+!*]+)`)

// ParseSpecifier parses a comma-separated PEP 440 specifier set.
func ParseSpecifier(s string) (Specifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Specifier{raw: s}, nil
	}

	inner, err := upstream.NewSpecifiers(s)
	if err != nil {
		return Specifier{}, fmt.Errorf("parsing pep440 specifier %q: %w", s, err)
	}

	var clauses []clause

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		m := clauseRe.FindStringSubmatch(part)
		if m == nil {
			continue
		}

		clauses = append(clauses, clause{op: operator(m[1]), ver: m[2]})
	}

	return Specifier{raw: s, inner: inner, clause: clauses}, nil
}

// String returns the original textual form.
func (s Specifier) String() string { return s.raw }

// Empty reports an unconstrained specifier (matches every version).
func (s Specifier) Empty() bool { return s.raw == "" }

// Contains reports whether v satisfies every clause, delegating to the
// upstream checker (the authoritative PEP 440 semantics, including
// pre-release exclusion rules and the `~=`/`.*` special cases).
func (s Specifier) Contains(v Version) bool {
	if s.Empty() {
		return true
	}

	return s.inner.Check(v.inner)
}

// Interval is a half-open version interval: [Lower, Upper) when both bounds
// are present, with inclusivity flags controlling the boundary semantics
// exactly (spec §3: VersionSpecifier maps to a set of half-open intervals).
type Interval struct {
	Lower          *Version
	LowerInclusive bool
	Upper          *Version
	UpperInclusive bool
	// Excludes holds point exclusions (`!=`) that fall inside [Lower, Upper).
	Excludes []Version
}

// Contains reports whether v falls within the interval, honoring exclusions.
func (iv Interval) Contains(v Version) bool {
	if iv.Lower != nil {
		c := v.Compare(*iv.Lower)
		if c < 0 || (c == 0 && !iv.LowerInclusive) {
			return false
		}
	}

	if iv.Upper != nil {
		c := v.Compare(*iv.Upper)
		if c > 0 || (c == 0 && !iv.UpperInclusive) {
			return false
		}
	}

	for _, ex := range iv.Excludes {
		if v.Equal(ex) {
			return false
		}
	}

	return true
}

// Range is the interval-set translation of a Specifier: the conjunction of
// per-clause intervals intersected together. Because every clause narrows
// the same package's allowed versions, a Specifier's Range always collapses
// to at most one interval with an exclusion list.
type Range struct {
	Interval Interval
}

// Contains reports whether v is in range. Used by the testable property in
// spec §8: `s.contains(v) == range(s).contains(v)`.
func (r Range) Contains(v Version) bool {
	return r.Interval.Contains(v)
}

// Range translates the specifier into its interval form. Each clause is
// folded into the running interval: equality/compatible-release clauses
// tighten both bounds, relational operators tighten one bound, and `!=`
// clauses accumulate as point exclusions. A wildcard `!=X.Y.*` clause is not
// represented: versions it excludes still fall inside the Range, although
// Contains rejects them.
func (s Specifier) Range() (Range, error) {
	iv := Interval{}

	for _, c := range s.clause {
		ver, isWildcard := strings.CutSuffix(c.ver, ".*")

		var (
			v   Version
			err error
		)

		if ver != "" {
			v, err = Parse(ver)
			if err != nil && !isWildcard {
				return Range{}, fmt.Errorf("translating clause %s%s: %w", c.op, c.ver, err)
			}
		}

		switch c.op {
		case opEQ:
			if isWildcard {
				lower := v
				upper := prefixUpperBound(v)
				iv = tightenLower(iv, lower, true)
				iv = tightenUpper(iv, upper, false)
			} else {
				iv = tightenLower(iv, v, true)
				iv = tightenUpper(iv, v, true)
			}
		case opArbitrary:
			iv = tightenLower(iv, v, true)
			iv = tightenUpper(iv, v, true)
		case opNE:
			if isWildcard {
				lower := v
				upper := prefixUpperBound(v)
				// excluding [lower, upper) would split the interval,
				// which this single-interval model cannot represent, so
				// the clause is left out of the Range.
				_ = lower
				_ = upper
			} else {
				iv.Excludes = append(iv.Excludes, v)
			}
		case opLT:
			iv = tightenUpper(iv, v, false)
		case opLE:
			iv = tightenUpper(iv, v, true)
		case opGT:
			iv = tightenLower(iv, v, false)
		case opGE:
			iv = tightenLower(iv, v, true)
		case opCompat:
			// ~=X.Y.Z means >=X.Y.Z,==X.Y.* (release-prefix compatible).
			iv = tightenLower(iv, v, true)
			upper := compatUpperBound(v)
			iv = tightenUpper(iv, upper, false)
		}
	}

	return Range{Interval: iv}, nil
}

func tightenLower(iv Interval, v Version, inclusive bool) Interval {
	if iv.Lower == nil {
		lv := v
		iv.Lower = &lv
		iv.LowerInclusive = inclusive

		return iv
	}

	c := v.Compare(*iv.Lower)
	if c > 0 || (c == 0 && !inclusive) {
		lv := v
		iv.Lower = &lv
		iv.LowerInclusive = inclusive
	}

	return iv
}

func tightenUpper(iv Interval, v Version, inclusive bool) Interval {
	if iv.Upper == nil {
		uv := v
		iv.Upper = &uv
		iv.UpperInclusive = inclusive

		return iv
	}

	c := v.Compare(*iv.Upper)
	if c < 0 || (c == 0 && !inclusive) {
		uv := v
		iv.Upper = &uv
		iv.UpperInclusive = inclusive
	}

	return iv
}

// prefixUpperBound computes the exclusive upper bound for a `==X.Y.*`
// wildcard clause: the release segment's last numeral incremented by one.
func prefixUpperBound(v Version) Version {
	return bumpLastRelease(v)
}

// compatUpperBound computes the exclusive upper bound for `~=X.Y.Z`: the
// next release after truncating the final release segment.
func compatUpperBound(v Version) Version {
	base, _, _ := strings.Cut(v.raw, "+")

	fields := strings.Split(base, ".")
	if len(fields) < 2 {
		return bumpLastRelease(v)
	}

	truncated, err := Parse(strings.Join(fields[:len(fields)-1], "."))
	if err != nil {
		return bumpLastRelease(v)
	}

	return bumpLastRelease(truncated)
}

func bumpLastRelease(v Version) Version {
	raw := v.raw

	base, _, _ := strings.Cut(raw, "+")
	fields := strings.FieldsFunc(base, func(r rune) bool { return r == '.' })

	if len(fields) == 0 {
		return v
	}

	last := fields[len(fields)-1]

	numEnd := 0
	for numEnd < len(last) && last[numEnd] >= '0' && last[numEnd] <= '9' {
		numEnd++
	}

	if numEnd == 0 {
		return v
	}

	var n int
	fmt.Sscanf(last[:numEnd], "%d", &n)

	fields[len(fields)-1] = fmt.Sprintf("%d", n+1)

	bumped := strings.Join(fields, ".")

	bv, err := Parse(bumped)
	if err != nil {
		return v
	}

	return bv
}
