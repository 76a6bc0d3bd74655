package metadata

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/halvardsh/pax/internal/fingerprint"
)

// BuildEnv is an ephemeral Python environment seeded with a build backend's
// declared `build-system.requires`, used for PEP 517 build isolation (spec
// §4.4 "Build isolation"). Its requirements are resolved and installed by
// the same engine recursively via the Seeder callback, with cycle detection
// by build-requirement fingerprint (Provider.inProgress tracks in-flight
// fingerprints).
type BuildEnv struct {
	pythonBin  string
	dir        string
	pythonPath string
}

// NewBuildEnv creates a fresh virtual environment rooted at dir using
// pythonBin's `venv` module.
func NewBuildEnv(ctx context.Context, pythonBin, dir string) (*BuildEnv, error) {
	cmd := exec.CommandContext(ctx, pythonBin, "-m", "venv", dir)

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("creating build isolation venv at %s: %w: %s", dir, err, stderr.String())
	}

	return &BuildEnv{
		pythonBin:  pythonBin,
		dir:        dir,
		pythonPath: filepath.Join(dir, "bin", "python"),
	}, nil
}

// PythonPath is the interpreter inside the isolated environment, for
// BuildBackend invocation.
func (b *BuildEnv) PythonPath() string { return b.pythonPath }

// Close removes the ephemeral environment.
func (b *BuildEnv) Close() error {
	return os.RemoveAll(b.dir)
}

// BuildRequirementsFingerprint computes the cycle-detection key for a set of
// build requirement strings (spec §4.4 "cycle detection by build-requirement
// fingerprint"): order-independent, since `build-system.requires` has no
// meaningful sequence.
func BuildRequirementsFingerprint(requires []string) fingerprint.Key {
	return fingerprint.Of(func(h *fingerprint.Hasher) {
		fingerprint.Set(h, requires, fingerprint.StringKey, func(h *fingerprint.Hasher, s string) {
			h.String(s)
		})
	})
}

// Seeder installs a list of PEP 508 requirement strings into an isolated
// environment, by running the same resolve-then-install pipeline the engine
// uses for the top-level install. Supplied by the caller that wires C4 to
// C6/C7, since metadata cannot import resolver/installer without creating a
// cycle (resolver.Metadata is metadata's own return type).
type Seeder func(ctx context.Context, requires []string, env *BuildEnv) error
