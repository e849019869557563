package transplantlib

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Requirement is one name/constraint line of a requirements file. Constraint
// is everything after the name (e.g. "==1.2.3", ">=2,<3"), empty if unconstrained.
type Requirement struct {
	Name       string
	Constraint string
	Line       int
}

func (r Requirement) Pinned() bool {
	return strings.HasPrefix(r.Constraint, "==") && !strings.Contains(r.Constraint, ",") && !strings.Contains(r.Constraint, "*")
}

func (r Requirement) String() string {
	return r.Name + r.Constraint
}

// DependencyManifest is the ordered requirement list of a requirements file.
// The file itself is handed to the installer untouched; this is only for
// validation and reporting.
type DependencyManifest struct {
	Path         AbsPath
	Requirements []Requirement
	// Raw file contents, copied verbatim into the builder
	Contents []byte
}

func LoadDependencyManifest(p AbsPath) (*DependencyManifest, error) {
	contents, err := os.ReadFile(p.Raw())
	if err != nil {
		return nil, fmt.Errorf("error reading dependency manifest at %s: %w", p, err)
	}
	reqs, err := ParseRequirements(contents)
	if err != nil {
		return nil, fmt.Errorf("error parsing dependency manifest at %s: %w", p, err)
	}
	return &DependencyManifest{
		Path:         p,
		Requirements: reqs,
		Contents:     contents,
	}, nil
}

func ParseRequirements(contents []byte) ([]Requirement, error) {
	out := []Requirement{}
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	lineNo := 0
	pending := ""
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		// Line continuations
		if strings.HasSuffix(line, "\\") {
			pending += strings.TrimSuffix(line, "\\")
			continue
		}
		line = pending + line
		pending = ""

		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Installer options (-r, --index-url, -e ...) are opaque
		if strings.HasPrefix(line, "-") {
			continue
		}
		// Environment markers and per-requirement options don't affect the name/constraint
		if i := strings.Index(line, ";"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if i := strings.Index(line, " --"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		nameEnd := strings.IndexAny(line, "<>=!~[ (@")
		if nameEnd == 0 {
			return nil, fmt.Errorf("line %d: requirement %q has no package name", lineNo, line)
		}
		if nameEnd < 0 {
			out = append(out, Requirement{Name: line, Line: lineNo})
			continue
		}
		name := line[:nameEnd]
		rest := line[nameEnd:]
		// Extras
		if strings.HasPrefix(rest, "[") {
			end := strings.Index(rest, "]")
			if end < 0 {
				return nil, fmt.Errorf("line %d: unterminated extras in %q", lineNo, line)
			}
			rest = rest[end+1:]
		}
		constraint := strings.Join(strings.Fields(strings.Trim(strings.TrimSpace(rest), "()")), "")
		out = append(out, Requirement{Name: name, Constraint: constraint, Line: lineNo})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *DependencyManifest) CheckPinned() error {
	unpinned := []string{}
	for _, r := range m.Requirements {
		if !r.Pinned() {
			unpinned = append(unpinned, fmt.Sprintf("%s (line %d)", r.String(), r.Line))
		}
	}
	if len(unpinned) != 0 {
		return fmt.Errorf("%w: %s: %s", ErrUnpinnedRequirement, m.Path, strings.Join(unpinned, ", "))
	}
	return nil
}
