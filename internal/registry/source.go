package registry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/pep508"
)

// MaterializeDirectURL produces the single-candidate list for a DirectUrl
// source (spec §4.3 "Direct URL, Git, Path, Directory... materialized
// directly into a single-candidate list").
func MaterializeDirectURL(req pep508.Requirement) (Candidate, error) {
	src := req.Source

	segments := strings.Split(src.URL, "/")
	filename := segments[len(segments)-1]

	_, verStr, tag, wheelErr := ParseWheelFilename(filename)

	c := Candidate{
		Name:     req.Name,
		Filename: filename,
		URL:      src.URL,
		IsWheel:  wheelErr == nil,
		Tag:      tag,
		Source:   src,
	}

	if wheelErr == nil {
		v, err := pep440.Parse(verStr)
		if err != nil {
			return Candidate{}, fmt.Errorf("parsing version from %q: %w", filename, err)
		}

		c.Version = v
	}

	return c, nil
}

// MaterializePath produces the single-candidate list for a local Path
// source (a pre-built sdist or wheel archive on disk).
func MaterializePath(req pep508.Requirement) (Candidate, error) {
	src := req.Source
	filename := filepath.Base(src.Path)

	c, ok := fileToCandidate(req.Name, filename, "file://"+src.Path, nil, "")
	if !ok {
		return Candidate{}, fmt.Errorf("%s does not look like a wheel or sdist archive", src.Path)
	}

	c.Source = src

	return c, nil
}

// MaterializeDirectory produces the single-candidate list for a Directory
// source (a source tree, editable or not). The version is unknown until
// C4 builds or reads metadata in place, so Version is left zero here; C4
// fills it in once `prepare_metadata_for_build_wheel` (or an in-tree
// `PKG-INFO`) has been consulted.
func MaterializeDirectory(req pep508.Requirement) Candidate {
	return Candidate{
		Name:   req.Name,
		Source: req.Source,
	}
}

// GitSource resolves a GitRef to a precise commit and materializes a
// checkout, per SPEC_FULL.md §3 supplement 1: shells out to the system
// `git` binary the same way the teacher's python.Service shells out to
// `python3` in internal/python/env.go, rather than adding a Git library the
// retrieval pack does not carry.
type GitSource struct {
	logger *slog.Logger
}

// NewGitSource constructs a GitSource.
func NewGitSource(logger *slog.Logger) *GitSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &GitSource{logger: logger}
}

// Resolve determines the precise commit SHA a GitRef names, via
// `git ls-remote`, without a local clone.
func (g *GitSource) Resolve(ctx context.Context, repository string, ref pep508.GitRef) (string, error) {
	if ref.Rev != "" && looksLikeFullSHA(ref.Rev) {
		return ref.Rev, nil
	}

	args := []string{"ls-remote", repository}

	switch {
	case ref.Tag != "":
		args = append(args, "refs/tags/"+ref.Tag)
	case ref.Branch != "":
		args = append(args, "refs/heads/"+ref.Branch)
	case ref.Rev != "":
		args = append(args, ref.Rev)
	default:
		args = append(args, "HEAD")
	}

	cmd := exec.CommandContext(ctx, "git", args...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git ls-remote %s: %w: %s", repository, err, stderr.String())
	}

	line := strings.SplitN(stdout.String(), "\n", 2)[0]

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("git ls-remote %s returned no matching ref for %s", repository, ref)
	}

	return fields[0], nil
}

// Checkout materializes repository at commit into destDir, for C4 to read
// or build metadata from.
func (g *GitSource) Checkout(ctx context.Context, repository, commit, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating git checkout dir: %w", err)
	}

	steps := [][]string{
		{"init", "--quiet", destDir},
		{"-C", destDir, "fetch", "--quiet", "--depth", "1", repository, commit},
		{"-C", destDir, "checkout", "--quiet", "FETCH_HEAD"},
	}

	for _, args := range steps {
		cmd := exec.CommandContext(ctx, "git", args...)

		var stderr bytes.Buffer

		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
		}
	}

	g.logger.Debug("checked out git source", slog.String("repository", repository), slog.String("commit", commit))

	return nil
}

func looksLikeFullSHA(s string) bool {
	if len(s) != 40 {
		return false
	}

	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}

	return true
}
