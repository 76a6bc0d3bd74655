package lockfile

import (
	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/pep508"
	"github.com/halvardsh/pax/internal/resolver"
)

// ArtifactLookup resolves the fetched-artifact hashes for one resolved
// package, so the lockfile can carry the verifiable digests spec §4.2
// requires every cache entry to have. Returns ok == false when no
// artifact was fetched (e.g. a local directory source installed
// editable).
type ArtifactLookup func(name names.PackageName, version pep440.Version) (wheels []Artifact, sdist *Artifact, ok bool)

// FromGraph converts a resolved Graph into a lockfile Document (spec §3:
// "ResolutionGraph is created by C6, persisted by an external lockfile
// layer... and consumed by C7"). sourceOf supplies the originating
// RequirementSource for each resolved package (the graph's own Node.Source
// field is a bare descriptive string, not enough to reconstruct a URL or
// pinned commit); artifacts may be nil if hash recording is not wanted.
func FromGraph(g *resolver.Graph, sourceOf func(names.PackageName) pep508.RequirementSource, artifacts ArtifactLookup) *Document {
	doc := &Document{Version: CurrentVersion}

	depsByNode := make(map[resolver.NodeID][]Dependency)
	for _, e := range g.Edges {
		to := g.Node(e.To)
		depsByNode[e.From] = append(depsByNode[e.From], Dependency{
			Name:  string(to.Name),
			Extra: string(to.Extra),
			Group: to.Group,
			Marker: markerString(e.Marker),
		})
	}

	emitted := make(map[string]bool)

	for id := range g.Nodes {
		nid := resolver.NodeID(id)
		if nid == resolver.RootID {
			continue
		}

		n := g.Node(nid)
		if n.Extra != "" || n.Group != "" {
			// virtual extra/group nodes carry no independent install
			// identity; their edges already attach to the base package.
			continue
		}

		key := string(n.Name) + "@" + n.Version.String()
		if emitted[key] {
			continue
		}
		emitted[key] = true

		pkg := Package{
			Name:         string(n.Name),
			Version:      n.Version.String(),
			Source:       sourceFor(sourceOf(n.Name)),
			Dependencies: depsByNode[nid],
		}

		if artifacts != nil {
			if wheels, sdist, ok := artifacts(n.Name, n.Version); ok {
				pkg.Wheels = wheels
				pkg.Sdist = sdist
			}
		}

		doc.Packages = append(doc.Packages, pkg)
	}

	return doc
}

func sourceFor(rs pep508.RequirementSource) Source {
	switch rs.Kind {
	case pep508.SourceDirectURL:
		return Source{Kind: "direct-url", URL: rs.URL, Subdirectory: rs.Subdirectory}
	case pep508.SourceGit:
		return Source{
			Kind:         "git",
			URL:          rs.URL,
			CommitID:     rs.Precise,
			Subdirectory: rs.Subdirectory,
		}
	case pep508.SourcePath:
		return Source{Kind: "path", Path: rs.Path, Editable: rs.Editable}
	case pep508.SourceDirectory:
		return Source{Kind: "directory", Path: rs.Path, Subdirectory: rs.Subdirectory, Editable: rs.Editable}
	default:
		return Source{Kind: "registry"}
	}
}

func markerString(m pep508.Marker) string {
	if m == nil {
		return ""
	}

	return m.String()
}
