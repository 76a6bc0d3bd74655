package installer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/halvardsh/pax/internal/names"
)

// EnvironmentEntry is one record of the spec §3 "Installed Environment
// View": `(name, version, install-layout, editable?)` built by scanning
// site-packages for `.dist-info` directories.
type EnvironmentEntry struct {
	Name           names.PackageName
	Version        string
	DistInfoDir    string
	SourceIdentity string // PEP 610 direct_url.json identity, "" for a plain registry install
	Editable       bool
}

// directURLFile mirrors the subset of PEP 610's direct_url.json this
// engine writes and reads back for Replace-diffing.
type directURLFile struct {
	URL         string `json:"url"`
	Dir_Info    *dirInfo `json:"dir_info,omitempty"`
	VCSInfo     *vcsInfo `json:"vcs_info,omitempty"`
	ArchiveInfo *struct {
		Hashes map[string]string `json:"hashes,omitempty"`
	} `json:"archive_info,omitempty"`
}

type dirInfo struct {
	Editable bool `json:"editable,omitempty"`
}

type vcsInfo struct {
	Vcs             string `json:"vcs"`
	CommitID        string `json:"commit_id"`
	RequestedRevision string `json:"requested_revision,omitempty"`
}

// ScanEnvironment enumerates every installed distribution in siteDir (spec
// §3 "Installed Environment View", §4.7 planning input).
func ScanEnvironment(siteDir string) ([]EnvironmentEntry, error) {
	entries, err := os.ReadDir(siteDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("scanning %s: %w", siteDir, err)
	}

	var out []EnvironmentEntry

	for _, de := range entries {
		if !de.IsDir() || !strings.HasSuffix(de.Name(), ".dist-info") {
			continue
		}

		name, version, ok := splitDistInfoName(de.Name())
		if !ok {
			continue
		}

		distInfoDir := filepath.Join(siteDir, de.Name())

		entry := EnvironmentEntry{
			Name:        names.NewPackageName(name),
			Version:     version,
			DistInfoDir: distInfoDir,
		}

		if direct, err := readDirectURL(distInfoDir); err == nil && direct != nil {
			entry.SourceIdentity = directURLIdentity(*direct)
			if direct.Dir_Info != nil {
				entry.Editable = direct.Dir_Info.Editable
			}
		}

		out = append(out, entry)
	}

	return out, nil
}

// splitDistInfoName parses "name-version.dist-info" per PEP 427's naming
// convention (also used for .dist-info directories by PEP 376).
func splitDistInfoName(dirname string) (name, version string, ok bool) {
	base := strings.TrimSuffix(dirname, ".dist-info")

	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return "", "", false
	}

	return base[:idx], base[idx+1:], true
}

func readDirectURL(distInfoDir string) (*directURLFile, error) {
	data, err := os.ReadFile(filepath.Join(distInfoDir, "direct_url.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	var d directURLFile
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}

	return &d, nil
}

// WriteDirectURL persists a PEP 610 direct_url.json describing a non-
// registry install's source, for later Replace-diffing by ScanEnvironment.
func WriteDirectURL(distInfoDir, rawURL string, editable bool, vcs, commit string) error {
	d := directURLFile{URL: rawURL}

	switch {
	case vcs != "":
		d.VCSInfo = &vcsInfo{Vcs: vcs, CommitID: commit}
	case editable:
		d.Dir_Info = &dirInfo{Editable: true}
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling direct_url.json: %w", err)
	}

	return os.WriteFile(filepath.Join(distInfoDir, "direct_url.json"), data, 0o644)
}

func directURLIdentity(d directURLFile) string {
	if d.VCSInfo != nil {
		return d.Vcs2Identity()
	}

	return d.URL
}

func (d directURLFile) Vcs2Identity() string {
	return d.VCSInfo.Vcs + "+" + d.URL + "@" + d.VCSInfo.CommitID
}
