package pep508

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
)

// SourceKind discriminates the five RequirementSource arms (spec §3). A
// closed tagged variant per the §9 design note: the set of source kinds is
// fixed by the ecosystem and every consumer must handle it exhaustively.
type SourceKind int

const (
	SourceRegistry SourceKind = iota
	SourceDirectURL
	SourceGit
	SourcePath
	SourceDirectory
)

func (k SourceKind) String() string {
	switch k {
	case SourceRegistry:
		return "registry"
	case SourceDirectURL:
		return "direct-url"
	case SourceGit:
		return "git"
	case SourcePath:
		return "path"
	case SourceDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// GitRef names a Git reference: exactly one of Branch, Tag, Rev is set, or
// none for "unspecified HEAD" (spec §3, SPEC_FULL.md §3 supplement 1).
type GitRef struct {
	Branch string
	Tag    string
	Rev    string
}

func (r GitRef) String() string {
	switch {
	case r.Branch != "":
		return "branch:" + r.Branch
	case r.Tag != "":
		return "tag:" + r.Tag
	case r.Rev != "":
		return "rev:" + r.Rev
	default:
		return "HEAD"
	}
}

// RequirementSource is the tagged variant of spec §3: Registry, DirectUrl,
// Git, Path, Directory. Exactly the fields for Kind are meaningful.
type RequirementSource struct {
	Kind SourceKind

	// Registry
	Specifier pep440.Specifier
	Index     string // optional index name, "" means default

	// DirectUrl, Git
	URL           string
	Subdirectory  string // optional, shared by DirectUrl/Git/Directory

	// Git
	Reference GitRef
	Precise   string // resolved commit sha, "" until resolved

	// Path, Directory
	Path     string
	Editable bool
}

// Requirement is a parsed PEP 508 dependency specifier (spec §3).
type Requirement struct {
	Name   names.PackageName
	Extras []names.ExtraName
	Marker Marker // nil means unconditional
	Source RequirementSource
	Origin string // e.g. "pyproject.toml:dependencies", "" if unknown
}

// HasExtra reports whether extra is requested.
func (r Requirement) HasExtra(extra names.ExtraName) bool {
	for _, e := range r.Extras {
		if e == extra {
			return true
		}
	}

	return false
}

// Matches reports whether marker passes for env, treating an absent marker
// as unconditionally true (spec §3 "absence means unconditional").
func (r Requirement) Matches(env Environment) bool {
	if r.Marker == nil {
		return true
	}

	return r.Marker.Eval(env)
}

var nonSpecifierOps = []string{"~=", "===", "==", "!=", "<=", ">=", "<", ">"}

// ParseRequirement parses a PEP 508 requirement string of the registry
// source form: `name[extra1,extra2] (specifier) ; marker`. URL-form
// requirements (`name @ url ; marker`, including `git+`/`file://` URLs) are
// routed to the DirectUrl/Git/Path/Directory arms.
func ParseRequirement(s string) (Requirement, error) {
	s = strings.TrimSpace(s)

	nameSpec, markerStr, _ := strings.Cut(s, ";")
	nameSpec = strings.TrimSpace(nameSpec)
	markerStr = strings.TrimSpace(markerStr)

	var marker Marker

	if markerStr != "" {
		m, err := ParseMarker(markerStr)
		if err != nil {
			return Requirement{}, fmt.Errorf("parsing marker in %q: %w", s, err)
		}

		marker = m
	}

	name, extras, rest := splitNameExtras(nameSpec)

	req := Requirement{
		Name:   names.NewPackageName(name),
		Extras: extras,
		Marker: marker,
	}

	rest = strings.TrimSpace(rest)

	if urlPart, ok := strings.CutPrefix(rest, "@"); ok {
		source, err := parseURLSource(strings.TrimSpace(urlPart))
		if err != nil {
			return Requirement{}, err
		}

		req.Source = source

		return req, nil
	}

	rest = strings.NewReplacer("(", "", ")", "").Replace(rest)
	rest = strings.TrimSpace(rest)

	spec, err := pep440.ParseSpecifier(rest)
	if err != nil {
		return Requirement{}, fmt.Errorf("parsing specifier in %q: %w", s, err)
	}

	req.Source = RequirementSource{Kind: SourceRegistry, Specifier: spec}

	return req, nil
}

func splitNameExtras(nameSpec string) (name string, extras []names.ExtraName, rest string) {
	idx := strings.IndexByte(nameSpec, '[')
	if idx < 0 {
		specStart := strings.IndexAny(nameSpec, "><=!~(@")
		if specStart < 0 {
			return strings.TrimSpace(nameSpec), nil, ""
		}

		return strings.TrimSpace(nameSpec[:specStart]), nil, nameSpec[specStart:]
	}

	name = strings.TrimSpace(nameSpec[:idx])

	end := strings.IndexByte(nameSpec[idx:], ']')
	if end < 0 {
		return name, nil, ""
	}

	end += idx

	for _, e := range strings.Split(nameSpec[idx+1:end], ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			extras = append(extras, names.NewExtraName(e))
		}
	}

	return name, extras, nameSpec[end+1:]
}

// parseURLSource classifies a `@ <url>` suffix into DirectUrl, Git, Path, or
// Directory, per spec §3's five-arm RequirementSource.
func parseURLSource(raw string) (RequirementSource, error) {
	subdir := ""
	base := raw

	if fragIdx := strings.IndexByte(raw, '#'); fragIdx >= 0 {
		base = raw[:fragIdx]
		subdir = parseFragmentSubdirectory(raw[fragIdx+1:])
	}

	switch {
	case strings.HasPrefix(base, "git+"):
		repoURL, ref := splitGitRefSuffix(strings.TrimPrefix(base, "git+"))

		return RequirementSource{
			Kind:         SourceGit,
			URL:          repoURL,
			Reference:    ref,
			Subdirectory: subdir,
		}, nil
	case strings.HasPrefix(base, "file://"):
		p := strings.TrimPrefix(base, "file://")
		if strings.HasSuffix(p, "/") {
			return RequirementSource{Kind: SourceDirectory, Path: p, Subdirectory: subdir}, nil
		}

		return RequirementSource{Kind: SourcePath, Path: p}, nil
	default:
		if _, err := url.ParseRequestURI(base); err != nil {
			// bare local path, not a URL
			return RequirementSource{Kind: SourcePath, Path: base}, nil
		}

		return RequirementSource{Kind: SourceDirectURL, URL: base, Subdirectory: subdir}, nil
	}
}

// parseFragmentSubdirectory resolves the §9 open question on dual-key
// fragments (see DESIGN.md open question 2) by parsing the fragment as
// `&`-separated key=value pairs and returning the `subdirectory` value; an
// `egg` value is parsed but not kept.
func parseFragmentSubdirectory(frag string) string {
	values := map[string]string{}

	for _, kv := range strings.Split(frag, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}

		values[k] = v
	}

	return values["subdirectory"]
}

func splitGitRefSuffix(urlAndRef string) (string, GitRef) {
	repo, ref, ok := strings.Cut(urlAndRef, "@")
	if !ok {
		return urlAndRef, GitRef{}
	}

	return repo, GitRef{Rev: ref}
}
