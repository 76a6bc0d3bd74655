package metadata

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/halvardsh/pax/internal/fingerprint"
)

func downloadTo(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = io.Copy(f, resp.Body)

	return err
}

// extractArchive unpacks a .tar.gz (or .tgz) or .zip sdist archive into
// destDir, stripping the archive's single top-level directory the way
// `tar --strip-components=1` conventionally does for PyPI sdists. Any other
// format, .tar.bz2 included, is rejected as an unsupported archive format.
func extractArchive(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		return extractZip(archivePath, destDir)
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		return extractTarGz(archivePath, destDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}
}

// extractLocalWheelMetadata reads a *.dist-info/METADATA entry directly out
// of a wheel already on disk (the build_wheel fallback path, where there is
// no HTTP URL to range-request against).
func extractLocalWheelMetadata(path string) ([]byte, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening wheel %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		if strings.HasSuffix(f.Name, ".dist-info/METADATA") {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer func() { _ = rc.Close() }()

			return io.ReadAll(rc)
		}
	}

	return nil, fmt.Errorf("no *.dist-info/METADATA entry found in %s", path)
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		rel := stripTopLevel(f.Name)
		if rel == "" {
			continue
		}

		dest := filepath.Join(destDir, rel)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}

			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}

		out, err := os.Create(dest)
		if err != nil {
			_ = rc.Close()

			return err
		}

		_, err = io.Copy(out, rc)
		_ = rc.Close()
		_ = out.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		rel := stripTopLevel(hdr.Name)
		if rel == "" {
			continue
		}

		dest := filepath.Join(destDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}

			out, err := os.Create(dest)
			if err != nil {
				return err
			}

			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()

				return err
			}

			_ = out.Close()
		}
	}
}

func stripTopLevel(name string) string {
	parts := strings.SplitN(filepath.ToSlash(name), "/", 2)
	if len(parts) < 2 {
		return ""
	}

	return parts[1]
}

// skippedDirs are excluded from a directory source's mtime fingerprint
// (spec §4.4 "excluding common VCS and cache directories").
var skippedDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	"__pycache__": true, ".mypy_cache": true, ".pytest_cache": true,
	".tox": true, ".venv": true, "node_modules": true,
}

// localSourceFingerprint keys a Path or Directory source for metadata
// caching: a plain path string for an archive file, or a recursive mtime
// fingerprint of the tree for a directory (spec §4.4 "for directory
// sources, the key includes the recursive mtime fingerprint of the source
// tree").
func localSourceFingerprint(path, kind string) (fingerprint.Key, error) {
	if kind != "directory" {
		return fingerprint.Of(func(h *fingerprint.Hasher) { h.String(path) }), nil
	}

	var entries []string

	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() && skippedDirs[info.Name()] {
			return filepath.SkipDir
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}

		entries = append(entries, fmt.Sprintf("%s@%d", rel, info.ModTime().UnixNano()))

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking %s: %w", path, err)
	}

	return fingerprint.Of(func(h *fingerprint.Hasher) {
		fingerprint.Set(h, entries, fingerprint.StringKey, func(h *fingerprint.Hasher, s string) {
			h.String(s)
		})
	}), nil
}
