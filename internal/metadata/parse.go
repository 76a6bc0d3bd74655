// Package metadata implements C4: producing a Metadata record (name,
// version, dependencies, extras, requires-python) for any Distribution,
// fetching or building as needed (spec §4.4).
package metadata

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/pep508"
	"github.com/halvardsh/pax/internal/resolver"
)

// extraPattern matches the `extra == "name"` clause core metadata uses to
// tag an optional-dependency's Requires-Dist line (PEP 508's canonical
// marker rendering always double-quotes the literal, per pep508/marker.go's
// quote helper).
var extraPattern = regexp.MustCompile(`extra == "([^"]*)"`)

// ParseCoreMetadata parses a PEP 566/643 core-metadata (METADATA/PKG-INFO)
// file into C4's output record.
func ParseCoreMetadata(raw []byte) (resolver.Metadata, error) {
	md := resolver.Metadata{
		Extras: map[names.ExtraName][]pep508.Requirement{},
		Source: "registry",
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var curKey, curValue string

	flush := func() error {
		if curKey == "" {
			return nil
		}

		return applyHeader(&md, curKey, curValue)
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			break // header/body separator: Requires-Dist never appears after this
		}

		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && curKey != "" {
			curValue += " " + strings.TrimSpace(line)

			continue
		}

		if err := flush(); err != nil {
			return resolver.Metadata{}, err
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			curKey = ""

			continue
		}

		curKey, curValue = strings.TrimSpace(key), strings.TrimSpace(value)
	}

	if err := flush(); err != nil {
		return resolver.Metadata{}, err
	}

	if err := scanner.Err(); err != nil {
		return resolver.Metadata{}, fmt.Errorf("scanning core metadata: %w", err)
	}

	if md.Name == "" {
		return resolver.Metadata{}, fmt.Errorf("core metadata missing Name header")
	}

	return md, nil
}

func applyHeader(md *resolver.Metadata, key, value string) error {
	switch key {
	case "Name":
		md.Name = names.NewPackageName(value)
	case "Version":
		v, err := pep440.Parse(value)
		if err != nil {
			return fmt.Errorf("parsing Version %q: %w", value, err)
		}

		md.Version = v
	case "Requires-Python":
		spec, err := pep440.ParseSpecifier(value)
		if err != nil {
			return fmt.Errorf("parsing Requires-Python %q: %w", value, err)
		}

		md.RequiresPython = spec
	case "Requires-Dist":
		req, err := pep508.ParseRequirement(value)
		if err != nil {
			return fmt.Errorf("parsing Requires-Dist %q: %w", value, err)
		}

		if extra, ok := extraOf(req); ok {
			en := names.NewExtraName(extra)
			md.Extras[en] = append(md.Extras[en], req)
		} else {
			md.Requires = append(md.Requires, req)
		}
	}

	return nil
}

// extraOf reports the extra name a Requires-Dist line's marker gates on, if
// any (core metadata expresses extras as a marker clause rather than a
// separate field).
func extraOf(req pep508.Requirement) (string, bool) {
	if req.Marker == nil {
		return "", false
	}

	m := extraPattern.FindStringSubmatch(req.Marker.String())
	if m == nil {
		return "", false
	}

	return m[1], true
}
