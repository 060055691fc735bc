package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Harvester locates the artifacts a tool left in its output directory.
//
// Tools are judged by their artifacts: a step succeeded if and only if the
// expected file or directory exists afterwards.
type Harvester struct {
	// BaseDir is the directory the tool wrote into.
	BaseDir string
}

// NewHarvester creates a new Harvester over baseDir.
func NewHarvester(baseDir string) *Harvester {
	return &Harvester{BaseDir: baseDir}
}

// Probe returns the first entry of BaseDir matching pattern in lexicographic
// order. ok is false when nothing matches.
func (h *Harvester) Probe(pattern string) (path string, ok bool, err error) {
	matches, err := filepath.Glob(filepath.Join(h.BaseDir, pattern))
	if err != nil {
		return "", false, fmt.Errorf("probing %s for %q: %w", h.BaseDir, pattern, err)
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	sort.Strings(matches)
	return matches[0], true, nil
}

// Siblings lists the entries of BaseDir, sorted.
func (h *Harvester) Siblings() ([]string, error) {
	entries, err := os.ReadDir(h.BaseDir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, filepath.Join(h.BaseDir, e.Name()))
	}
	return out, nil
}

// Exists reports whether path exists. Stat errors other than absence are
// treated as absence, since the caller only needs to know if the tool
// produced something usable.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
