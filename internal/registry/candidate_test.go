package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvardsh/pax/internal/pep440"
)

func mustVersion(t *testing.T, raw string) pep440.Version {
	t.Helper()

	v, err := pep440.Parse(raw)
	require.NoError(t, err)

	return v
}

func TestParseWheelFilename(t *testing.T) {
	name, version, tag, err := ParseWheelFilename("requests-2.31.0-py3-none-any.whl")
	require.NoError(t, err)
	assert.Equal(t, "requests", name)
	assert.Equal(t, "2.31.0", version)
	assert.Equal(t, WheelTag{Python: "py3", ABI: "none", Platform: "any"}, tag)
}

func TestParseWheelFilenameCompoundTag(t *testing.T) {
	_, _, tag, err := ParseWheelFilename("numpy-1.26.0-cp312-cp312-manylinux_2_17_x86_64.whl")
	require.NoError(t, err)
	assert.Equal(t, WheelTag{Python: "cp312", ABI: "cp312", Platform: "manylinux_2_17_x86_64"}, tag)
}

func TestParseWheelFilenameRejectsTooFewParts(t *testing.T) {
	_, _, _, err := ParseWheelFilename("broken.whl")
	require.Error(t, err)
}

func TestWheelTagMatchesCompoundField(t *testing.T) {
	wheel := WheelTag{Python: "py2.py3", ABI: "none", Platform: "any"}

	assert.True(t, wheel.Matches(WheelTag{Python: "py3", ABI: "none", Platform: "any"}))
	assert.True(t, wheel.Matches(WheelTag{Python: "py2", ABI: "none", Platform: "any"}))
	assert.False(t, wheel.Matches(WheelTag{Python: "py4", ABI: "none", Platform: "any"}))
}

func TestLessOrdersByVersionDescending(t *testing.T) {
	older := Candidate{Version: mustVersion(t, "1.0.0")}
	newer := Candidate{Version: mustVersion(t, "2.0.0")}

	assert.True(t, Less(newer, older, nil))
	assert.False(t, Less(older, newer, nil))
}

func TestLessPrefersWheelOverSdistAtEqualVersion(t *testing.T) {
	v := mustVersion(t, "1.0.0")
	wheel := Candidate{Version: v, IsWheel: true}
	sdist := Candidate{Version: v, IsWheel: false}

	assert.True(t, Less(wheel, sdist, nil))
	assert.False(t, Less(sdist, wheel, nil))
}

func TestLessRanksByCompatTagPreference(t *testing.T) {
	v := mustVersion(t, "1.0.0")
	compatTags := []WheelTag{
		{Python: "cp312", ABI: "cp312", Platform: "manylinux_2_17_x86_64"},
		{Python: "py3", ABI: "none", Platform: "any"},
	}

	preferred := Candidate{Version: v, IsWheel: true, Tag: compatTags[0]}
	fallback := Candidate{Version: v, IsWheel: true, Tag: compatTags[1]}

	assert.True(t, Less(preferred, fallback, compatTags))
}

func TestLessFallsBackToIndexPriority(t *testing.T) {
	v := mustVersion(t, "1.0.0")
	primary := Candidate{Version: v, IndexPriority: 0}
	secondary := Candidate{Version: v, IndexPriority: 1}

	assert.True(t, Less(primary, secondary, nil))
}

func TestCanonicalURLStripsFragmentAndLowersHostAndScheme(t *testing.T) {
	got := CanonicalURL("HTTPS://Files.PythonHosted.org/packages/foo/bar-1.0.whl#sha256=abc123")
	assert.Equal(t, "https://files.pythonhosted.org/packages/foo/bar-1.0.whl", got)
}

func TestCanonicalURLDecodesPercentEncodedPath(t *testing.T) {
	got := CanonicalURL("https://example.com/packages/my%20pkg-1.0.whl")
	assert.Equal(t, "https://example.com/packages/my pkg-1.0.whl", got)
}

func TestCanonicalURLIsStableUnderFragmentChanges(t *testing.T) {
	a := CanonicalURL("https://example.com/pkg-1.0.whl#sha256=aaa")
	b := CanonicalURL("https://example.com/pkg-1.0.whl#sha256=bbb")
	assert.Equal(t, a, b)
}
