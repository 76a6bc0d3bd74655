package installer

import (
	"archive/zip"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/halvardsh/pax/internal/pep508"
)

// ExecuteOptions bounds the concurrency of the install phase (spec §4.7
// "installs execute in parallel, uninstalls do not").
type ExecuteOptions struct {
	Concurrency int // 0 uses a sane default
}

func (o ExecuteOptions) concurrency() int {
	if o.Concurrency <= 0 {
		return 8
	}

	return o.Concurrency
}

// Execute runs a Plan against the environment: uninstalls (the Replace
// set's old distributions, then the plain Uninstall set) sequentially and
// first, then installs (the Install set and the Replace set's new
// distributions) in bounded parallel (spec §4.7 "Execution ordering:
// uninstalls first, then installs in parallel").
//
// The whole operation holds an advisory, environment-level lock on
// site-packages for its duration, so two concurrent invocations against the
// same environment serialize rather than interleave (per DESIGN.md's
// decision on environment-level locking).
func (s *Service) Execute(ctx context.Context, plan *Plan, opts ExecuteOptions) error {
	lockPath := filepath.Join(s.env.SitePackages, ".pax.lock")

	if err := os.MkdirAll(s.env.SitePackages, 0o755); err != nil {
		return fmt.Errorf("preparing site-packages: %w", err)
	}

	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquiring environment lock %s: %w", lockPath, err)
	}
	defer func() { _ = fl.Unlock() }()

	for _, pair := range plan.Replace {
		if err := s.uninstall(pair.Old); err != nil {
			return fmt.Errorf("replacing %s: uninstalling old version: %w", pair.Old.Name, err)
		}
	}

	for _, entry := range plan.Uninstall {
		if err := s.uninstall(entry); err != nil {
			return fmt.Errorf("uninstalling %s: %w", entry.Name, err)
		}
	}

	targets := make([]InstallTarget, 0, len(plan.Install)+len(plan.Replace))
	targets = append(targets, plan.Install...)

	for _, pair := range plan.Replace {
		targets = append(targets, pair.New)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency())

	for _, t := range targets {
		t := t

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("installation canceled: %w", err)
			}

			if err := s.installTarget(t); err != nil {
				return fmt.Errorf("installing %s: %w", t.Name, err)
			}

			s.logger.Debug("installed", slog.String("package", string(t.Name)), slog.String("version", t.Version.String()))

			return nil
		})
	}

	return g.Wait()
}

// uninstall removes a previously-installed distribution by replaying its
// RECORD file, then removing the dist-info directory itself (spec §4.7
// "Uninstall: delete every path in RECORD, then the dist-info directory").
func (s *Service) uninstall(e EnvironmentEntry) error {
	paths, err := ReadRecord(e.DistInfoDir)
	if err != nil {
		return fmt.Errorf("reading RECORD for %s: %w", e.Name, err)
	}

	siteDir := s.env.SitePackages

	for _, p := range paths {
		full := filepath.Join(siteDir, p)

		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove recorded file", slog.String("path", full), slog.Any("error", err))
		}
	}

	if err := os.RemoveAll(e.DistInfoDir); err != nil {
		return fmt.Errorf("removing %s: %w", e.DistInfoDir, err)
	}

	return nil
}

// installTarget extracts a wheel into site-packages. Every file lands at
// its final destination immediately except the .dist-info directory, which
// is assembled in a staging directory and moved into place with a single
// rename as the last step (spec §4.7 "Atomicity per package": a reader never
// observes a partially-populated dist-info directory).
func (s *Service) installTarget(t InstallTarget) error {
	if t.WheelPath == "" {
		return fmt.Errorf("no wheel artifact available for %s==%s", t.Name, t.Version)
	}

	r, err := zip.OpenReader(t.WheelPath)
	if err != nil {
		return fmt.Errorf("opening wheel %s: %w", t.WheelPath, err)
	}
	defer func() { _ = r.Close() }()

	siteDir := s.env.SitePackages
	dataSuffix := ".data/"

	stagingRoot, err := os.MkdirTemp(siteDir, ".pax-staging-")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(stagingRoot) }()

	var records []RecordEntry

	var distInfoName string

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}

		destPath, category, inDistInfo := s.resolveDestination(f.Name, siteDir, dataSuffix)
		if destPath == "" {
			continue
		}

		if inDistInfo != "" {
			distInfoName = inDistInfo
			destPath = filepath.Join(stagingRoot, distInfoName, filepath.Base(destPath))
		}

		base := s.baseForCategory(category, siteDir)
		if inDistInfo == "" && !isInsideDir(destPath, base) {
			return fmt.Errorf("zip slip detected: %s resolves outside %s", f.Name, base)
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", f.Name, err)
		}

		if err := extractFile(f, destPath); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}

		if category == categoryScripts {
			if err := os.Chmod(destPath, 0o755); err != nil {
				return fmt.Errorf("setting executable permission on %s: %w", destPath, err)
			}
		}

		recordPath := destPath
		if inDistInfo != "" {
			recordPath = filepath.Join(siteDir, distInfoName, filepath.Base(destPath))
		}

		relPath, err := filepath.Rel(siteDir, recordPath)
		if err != nil {
			relPath = f.Name
		}

		hash, size, err := HashFile(destPath)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", destPath, err)
		}

		records = append(records, RecordEntry{Path: relPath, Hash: hash, Size: size})
	}

	if distInfoName == "" {
		return fmt.Errorf("no .dist-info directory found in %s", t.WheelPath)
	}

	stagedDistInfo := filepath.Join(stagingRoot, distInfoName)

	if err := WriteInstaller(stagedDistInfo); err != nil {
		return fmt.Errorf("writing INSTALLER: %w", err)
	}

	installerHash, installerSize, err := HashFile(filepath.Join(stagedDistInfo, "INSTALLER"))
	if err != nil {
		return fmt.Errorf("hashing INSTALLER: %w", err)
	}

	records = append(records, RecordEntry{
		Path: filepath.Join(distInfoName, "INSTALLER"),
		Hash: installerHash,
		Size: installerSize,
	})

	if kind, commit := directURLKind(t); kind != "" {
		if err := WriteDirectURL(stagedDistInfo, t.Candidate.URL, t.Editable, kind, commit); err != nil {
			return fmt.Errorf("writing direct_url.json: %w", err)
		}

		hash, size, err := HashFile(filepath.Join(stagedDistInfo, "direct_url.json"))
		if err != nil {
			return fmt.Errorf("hashing direct_url.json: %w", err)
		}

		records = append(records, RecordEntry{Path: filepath.Join(distInfoName, "direct_url.json"), Hash: hash, Size: size})
	}

	binDir := filepath.Join(s.env.Prefix, "bin")

	scriptRecords, err := installEntryPointScripts(stagedDistInfo, binDir, s.env.PythonPath, s.logger)
	if err != nil {
		return fmt.Errorf("installing console scripts: %w", err)
	}

	for _, sr := range scriptRecords {
		records = append(records, sr)
	}

	if err := WriteRecord(stagedDistInfo, records); err != nil {
		return fmt.Errorf("writing RECORD: %w", err)
	}

	finalDistInfoDir := filepath.Join(siteDir, distInfoName)

	if err := os.RemoveAll(finalDistInfoDir); err != nil {
		return fmt.Errorf("clearing stale dist-info: %w", err)
	}

	if err := os.Rename(stagedDistInfo, finalDistInfoDir); err != nil {
		return fmt.Errorf("publishing dist-info: %w", err)
	}

	return nil
}

func directURLKind(t InstallTarget) (kind, commit string) {
	switch t.Candidate.Source.Kind {
	case pep508.SourceGit:
		return "git", t.Candidate.Source.Precise
	case pep508.SourceDirectURL, pep508.SourcePath, pep508.SourceDirectory:
		return "archive", ""
	default:
		return "", ""
	}
}

// resolveDestination determines the target path for a wheel entry, and
// additionally reports the dist-info directory's name (e.g.
// "flask-3.0.0.dist-info") when the entry belongs to it, so the caller can
// redirect it into the staging area.
func (s *Service) resolveDestination(name, siteDir, dataSuffix string) (dest string, cat fileCategory, distInfoName string) {
	if idx := strings.Index(name, ".dist-info/"); idx >= 0 {
		distInfoName = name[:idx+len(".dist-info")]

		return filepath.Join(siteDir, name), categorySitePackages, distInfoName
	}

	dataIdx := strings.Index(name, dataSuffix)
	if dataIdx == -1 {
		return filepath.Join(siteDir, name), categorySitePackages, ""
	}

	remainder := name[dataIdx+len(dataSuffix):]

	slashIdx := strings.Index(remainder, "/")
	if slashIdx == -1 {
		return "", categorySkip, ""
	}

	subdir := remainder[:slashIdx]
	rest := remainder[slashIdx+1:]

	if rest == "" {
		return "", categorySkip, ""
	}

	switch subdir {
	case "purelib", "platlib":
		return filepath.Join(siteDir, rest), categorySitePackages, ""
	case "scripts":
		return filepath.Join(s.env.Prefix, "bin", rest), categoryScripts, ""
	case "data":
		return filepath.Join(s.env.Prefix, rest), categoryData, ""
	case "headers":
		return filepath.Join(s.env.Prefix, "include", rest), categoryData, ""
	default:
		return "", categorySkip, ""
	}
}
