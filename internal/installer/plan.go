package installer

import (
	"fmt"

	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/pep508"
	"github.com/halvardsh/pax/internal/registry"
)

// InstallTarget is one base-package node of a resolution graph paired with
// the registry.Candidate chosen for it, ready for download and install.
type InstallTarget struct {
	Name      names.PackageName
	Version   pep440.Version
	Candidate registry.Candidate
	WheelPath string // populated once C2 has fetched the artifact; empty until then
	Editable  bool
}

func (t InstallTarget) identity() string {
	switch t.Candidate.Source.Kind {
	case pep508.SourceRegistry, pep508.SourceKind(0):
		return "" // registry installs are compared by version alone
	case pep508.SourceGit:
		return "git+" + t.Candidate.Source.URL + "@" + t.Candidate.Source.Precise
	default:
		return registry.CanonicalURL(t.Candidate.URL)
	}
}

// ReplacePair is an installed distribution whose version or source identity
// no longer matches the target graph (spec §4.7 "Replace set").
type ReplacePair struct {
	Old EnvironmentEntry
	New InstallTarget
}

// Plan is the output of diffing a target resolution against an
// EnvironmentView: three disjoint sets executed uninstall-then-install
// (spec §4.7 "Execution ordering").
type Plan struct {
	Install   []InstallTarget
	Replace   []ReplacePair
	Uninstall []EnvironmentEntry
}

// ComputePlan diffs targets (the desired set, one per base-package node of a
// resolution graph) against installed (the current environment view),
// producing the minimal Install/Replace/Uninstall sets spec §4.7 requires.
// A target already installed at the identical version and source identity
// is elided from every set (already satisfied).
func ComputePlan(targets []InstallTarget, installed []EnvironmentEntry) *Plan {
	byName := make(map[names.PackageName]EnvironmentEntry, len(installed))
	for _, e := range installed {
		byName[e.Name] = e
	}

	wanted := make(map[names.PackageName]bool, len(targets))

	plan := &Plan{}

	for _, t := range targets {
		wanted[t.Name] = true

		cur, ok := byName[t.Name]
		if !ok {
			plan.Install = append(plan.Install, t)

			continue
		}

		if cur.Version == t.Version.String() && cur.SourceIdentity == t.identity() && cur.Editable == t.Editable {
			continue // already satisfied, nothing to do
		}

		plan.Replace = append(plan.Replace, ReplacePair{Old: cur, New: t})
	}

	for name, e := range byName {
		if !wanted[name] {
			plan.Uninstall = append(plan.Uninstall, e)
		}
	}

	return plan
}

// Summary renders a short human-readable description of the plan, in the
// style of the teacher's CLI progress messages.
func (p *Plan) Summary() string {
	return fmt.Sprintf("%d to install, %d to replace, %d to uninstall", len(p.Install), len(p.Replace), len(p.Uninstall))
}
