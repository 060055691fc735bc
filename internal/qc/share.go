package qc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"bidsdeface/internal/fsutil"
	"bidsdeface/internal/stage"
)

// IdentifyingFields are removed from every sidecar of a shareable dataset.
var IdentifyingFields = []string{"AcquisitionDateTime", "AcquisitionTime"}

// ShareSummary counts what PrepareShareable changed.
type ShareSummary struct {
	CopiedDirs    []string
	CopiedFiles   []string
	ScrubbedFiles []string
	RemovedLogs   []string
}

// Sharer completes a defaced tree into a dataset that can be published.
type Sharer struct {
	InputRoot   string
	DefacedRoot string
	Logger      zerolog.Logger
}

// PrepareShareable copies input directories and top-level files missing from
// the defaced tree, strips identifying fields from every JSON sidecar, and
// deletes pipeline logs. Running it twice changes nothing the second time.
func (s *Sharer) PrepareShareable(ctx context.Context) (ShareSummary, error) {
	var sum ShareSummary
	if _, err := os.Stat(s.DefacedRoot); err != nil {
		return sum, fmt.Errorf("defaced tree: %w", err)
	}

	dirs, err := s.missingDirs()
	if err != nil {
		return sum, err
	}
	for _, rel := range dirs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := copyTree(filepath.Join(s.InputRoot, rel), filepath.Join(s.DefacedRoot, rel)); err != nil {
			return sum, fmt.Errorf("copy %s: %w", rel, err)
		}
		sum.CopiedDirs = append(sum.CopiedDirs, rel)
	}

	scrubbed, logs, err := s.scrub(ctx)
	if err != nil {
		return sum, err
	}
	sum.ScrubbedFiles, sum.RemovedLogs = scrubbed, logs

	files, err := s.copyTopLevel()
	if err != nil {
		return sum, err
	}
	sum.CopiedFiles = files

	s.Logger.Info().
		Int("copied_dirs", len(sum.CopiedDirs)).
		Int("copied_files", len(sum.CopiedFiles)).
		Int("scrubbed", len(sum.ScrubbedFiles)).
		Int("removed_logs", len(sum.RemovedLogs)).
		Msg("shareable dataset prepared")
	return sum, nil
}

// missingDirs returns the outermost input directories with no counterpart in
// the defaced tree.
func (s *Sharer) missingDirs() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.InputRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == s.InputRoot {
			return nil
		}
		rel, err := filepath.Rel(s.InputRoot, path)
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(s.DefacedRoot, rel)); os.IsNotExist(err) {
			out = append(out, rel)
			return fs.SkipDir
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (s *Sharer) scrub(ctx context.Context) (scrubbed, logs []string, err error) {
	err = filepath.WalkDir(s.DefacedRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case d.Name() == stage.ToolLogName:
			if err := os.Remove(path); err != nil {
				return err
			}
			logs = append(logs, path)
		case strings.HasSuffix(d.Name(), ".json"):
			changed, err := ScrubSidecar(path)
			if err != nil {
				return err
			}
			if changed {
				scrubbed = append(scrubbed, path)
			}
		}
		return nil
	})
	return scrubbed, logs, err
}

func (s *Sharer) copyTopLevel() ([]string, error) {
	entries, err := os.ReadDir(s.InputRoot)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dst := filepath.Join(s.DefacedRoot, e.Name())
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := fsutil.CopyFile(filepath.Join(s.InputRoot, e.Name()), dst); err != nil {
			return out, err
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// ScrubSidecar removes IdentifyingFields from a JSON sidecar and rewrites it
// with a four-space indent. It reports whether any field was removed; an
// untouched sidecar is not rewritten.
func ScrubSidecar(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	changed := false
	for _, f := range IdentifyingFields {
		if _, ok := data[f]; ok {
			delete(data, f)
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return false, err
	}
	return true, os.WriteFile(path, buf.Bytes(), 0o644)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return fsutil.CopyFile(path, target)
	})
}
