package installer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/registry"
)

func mustVersion(t *testing.T, raw string) pep440.Version {
	t.Helper()

	v, err := pep440.Parse(raw)
	require.NoError(t, err)

	return v
}

func TestComputePlanInstallsNewPackage(t *testing.T) {
	target := InstallTarget{Name: "requests", Version: mustVersion(t, "2.31.0")}

	plan := ComputePlan([]InstallTarget{target}, nil)

	require.Len(t, plan.Install, 1)
	assert.Empty(t, plan.Replace)
	assert.Empty(t, plan.Uninstall)
	assert.Equal(t, names.PackageName("requests"), plan.Install[0].Name)
}

func TestComputePlanElidesAlreadySatisfiedTarget(t *testing.T) {
	target := InstallTarget{Name: "requests", Version: mustVersion(t, "2.31.0")}
	installed := []EnvironmentEntry{{Name: "requests", Version: "2.31.0"}}

	plan := ComputePlan([]InstallTarget{target}, installed)

	assert.Empty(t, plan.Install)
	assert.Empty(t, plan.Replace)
	assert.Empty(t, plan.Uninstall)
}

func TestComputePlanReplacesVersionMismatch(t *testing.T) {
	target := InstallTarget{Name: "requests", Version: mustVersion(t, "2.31.0")}
	installed := []EnvironmentEntry{{Name: "requests", Version: "2.28.0"}}

	plan := ComputePlan([]InstallTarget{target}, installed)

	require.Len(t, plan.Replace, 1)
	assert.Equal(t, "2.28.0", plan.Replace[0].Old.Version)
	assert.Equal(t, "2.31.0", plan.Replace[0].New.Version.String())
}

func TestComputePlanReplacesSourceIdentityMismatch(t *testing.T) {
	target := InstallTarget{
		Name:      "requests",
		Version:   mustVersion(t, "2.31.0"),
		Candidate: registry.Candidate{URL: "https://example.com/requests-2.31.0.whl"},
	}
	installed := []EnvironmentEntry{{Name: "requests", Version: "2.31.0", SourceIdentity: "https://example.com/other.whl"}}

	plan := ComputePlan([]InstallTarget{target}, installed)

	assert.Len(t, plan.Replace, 1)
}

func TestComputePlanUninstallsUnwantedPackage(t *testing.T) {
	installed := []EnvironmentEntry{{Name: "stale", Version: "1.0.0"}}

	plan := ComputePlan(nil, installed)

	require.Len(t, plan.Uninstall, 1)
	assert.Equal(t, names.PackageName("stale"), plan.Uninstall[0].Name)
}

func TestComputePlanEditableMismatchTriggersReplace(t *testing.T) {
	target := InstallTarget{Name: "mylib", Version: mustVersion(t, "1.0.0"), Editable: true}
	installed := []EnvironmentEntry{{Name: "mylib", Version: "1.0.0", Editable: false}}

	plan := ComputePlan([]InstallTarget{target}, installed)

	assert.Len(t, plan.Replace, 1)
}

func TestPlanSummary(t *testing.T) {
	plan := &Plan{
		Install:   []InstallTarget{{Name: "a"}},
		Replace:   []ReplacePair{{Old: EnvironmentEntry{Name: "b"}, New: InstallTarget{Name: "b"}}},
		Uninstall: []EnvironmentEntry{{Name: "c"}},
	}

	assert.Equal(t, "1 to install, 1 to replace, 1 to uninstall", plan.Summary())
}
