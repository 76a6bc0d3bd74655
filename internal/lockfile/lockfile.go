// Package lockfile implements the TOML lockfile codec of spec §6: a
// document whose top-level carries a `version` integer and an array of
// `package` tables, persisting the ResolutionGraph C6 produces for later
// runs to read back without re-resolving (spec §3 "ResolutionGraph is
// created by C6, persisted by an external lockfile layer... and consumed
// by C7").
//
// Grounded on uv's `uv.lock` shape (a `version` integer plus a
// `[[package]]` array, each entry naming a source and its dependencies)
// as referenced in original_source/crates/uv-resolver, expressed with
// BurntSushi/toml the way the rest of this pack's tooling repos read and
// write their own TOML configuration.
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
)

// CurrentVersion is the only `version` value this build understands.
// Spec §6: "an unknown version is a hard error."
const CurrentVersion = 1

// ErrUnknownVersion is the sentinel wrapped into the error returned when a
// lockfile's `version` field parses but names a schema this build does not
// understand.
var ErrUnknownVersion = errors.New("lockfile: unknown version")

// Document is the top-level lockfile shape (spec §6).
type Document struct {
	Version  int       `toml:"version"`
	Packages []Package `toml:"package"`
}

// Package records one resolved distribution: its identity, the source it
// was resolved from, the requirements it carries forward, and the
// artifact hashes observed when it was fetched.
type Package struct {
	Name         string       `toml:"name"`
	Version      string       `toml:"version"`
	Source       Source       `toml:"source"`
	Dependencies []Dependency `toml:"dependencies,omitempty"`
	Wheels       []Artifact   `toml:"wheels,omitempty"`
	Sdist        *Artifact    `toml:"sdist,omitempty"`
}

// Source is the tagged union mirroring pep508.RequirementSource, flattened
// for TOML: Kind selects which of the remaining fields are meaningful.
type Source struct {
	Kind         string `toml:"kind"` // registry | direct-url | git | path | directory
	URL          string `toml:"url,omitempty"`
	Path         string `toml:"path,omitempty"`
	CommitID     string `toml:"commit,omitempty"`
	Subdirectory string `toml:"subdirectory,omitempty"`
	Editable     bool   `toml:"editable,omitempty"`
}

// Dependency is an edge out of a package, narrow enough to round-trip
// through TOML: the target name, the extra/group it was pulled in under
// (if any), and the PEP 508 marker guarding it in canonical string form.
type Dependency struct {
	Name   string `toml:"name"`
	Extra  string `toml:"extra,omitempty"`
	Group  string `toml:"group,omitempty"`
	Marker string `toml:"marker,omitempty"`
}

// Artifact records one fetched file's identity and hash, the way spec §4.2
// requires every cache entry to carry a verifiable digest.
type Artifact struct {
	Filename string `toml:"filename"`
	URL      string `toml:"url,omitempty"`
	Hash     string `toml:"hash"`
}

// ParseError wraps a TOML syntax failure, kept distinct from
// ValidationError per spec §6 ("a distinct error from a parse failure").
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string { return fmt.Sprintf("lockfile: parse error: %s", e.Cause) }
func (e *ParseError) Unwrap() error  { return e.Cause }

// ValidationError reports a lockfile whose version this build recognizes
// but whose contents are nonetheless malformed: duplicate entries, a
// source missing the fields its kind requires, or an unparsable version
// string.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lockfile: invalid contents: %s", strings.Join(e.Problems, "; "))
}

// Load decodes a Document from r, returning a *ParseError on malformed
// TOML, an error wrapping ErrUnknownVersion if the version field names an
// unrecognized schema, and a *ValidationError if the version is
// recognized but the contents fail validation.
func Load(r io.Reader) (*Document, error) {
	var doc Document

	if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &ParseError{Cause: err}
	}

	if doc.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, doc.Version)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

// LoadFile opens path and decodes it via Load.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return Load(f)
}

// Validate checks doc's contents against the invariants spec §6 implies:
// every package has a name, a parseable PEP 440 version, a source whose
// kind carries the fields that kind requires, and no (name, version) pair
// repeated.
func (d *Document) Validate() error {
	var problems []string

	seen := make(map[string]bool, len(d.Packages))

	for i, p := range d.Packages {
		if p.Name == "" {
			problems = append(problems, fmt.Sprintf("package[%d]: missing name", i))
			continue
		}

		if p.Version == "" {
			problems = append(problems, fmt.Sprintf("package %q: missing version", p.Name))
		} else if _, err := pep440.Parse(p.Version); err != nil {
			problems = append(problems, fmt.Sprintf("package %q: invalid version %q: %s", p.Name, p.Version, err))
		}

		key := names.Normalize(p.Name) + "@" + p.Version
		if seen[key] {
			problems = append(problems, fmt.Sprintf("package %q==%s: duplicate entry", p.Name, p.Version))
		}
		seen[key] = true

		switch p.Source.Kind {
		case "registry":
			// no additional required fields
		case "direct-url":
			if p.Source.URL == "" {
				problems = append(problems, fmt.Sprintf("package %q: direct-url source missing url", p.Name))
			}
		case "git":
			if p.Source.URL == "" {
				problems = append(problems, fmt.Sprintf("package %q: git source missing url", p.Name))
			}
			if p.Source.CommitID == "" {
				problems = append(problems, fmt.Sprintf("package %q: git source missing commit", p.Name))
			}
		case "path":
			if p.Source.Path == "" {
				problems = append(problems, fmt.Sprintf("package %q: path source missing path", p.Name))
			}
		case "directory":
			if p.Source.Path == "" {
				problems = append(problems, fmt.Sprintf("package %q: directory source missing path", p.Name))
			}
		default:
			problems = append(problems, fmt.Sprintf("package %q: unrecognized source kind %q", p.Name, p.Source.Kind))
		}

		for _, dep := range p.Dependencies {
			if dep.Name == "" {
				problems = append(problems, fmt.Sprintf("package %q: dependency with empty name", p.Name))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	return nil
}

// Save encodes doc to w, with packages sorted by (name, version) so the
// output is stable across runs regardless of resolution order.
func Save(w io.Writer, doc *Document) error {
	sorted := *doc
	sorted.Packages = append([]Package(nil), doc.Packages...)
	sort.Slice(sorted.Packages, func(i, j int) bool {
		a, b := sorted.Packages[i], sorted.Packages[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})

	return toml.NewEncoder(w).Encode(&sorted)
}

// SaveFile writes doc to path atomically: encoded to a temp file in the
// same directory, then renamed into place, so a reader never observes a
// partially-written lockfile.
func SaveFile(path string, doc *Document) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".lockfile-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := Save(tmp, doc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return err
	}

	return nil
}
