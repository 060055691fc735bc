// Package qc prepares defaced output for visual inspection and for release:
// a VisualQC Deface staging tree, 3D renders of every defaced volume, and a
// shareable copy of the dataset.
package qc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"bidsdeface/internal/bids"
	"bidsdeface/internal/core"
	"bidsdeface/internal/mapping"
	"bidsdeface/internal/stage"
)

const (
	PrepDirName  = "QC_prep"
	QCDirName    = "defacing_QC"
	IDListName   = "defacing_id_list.txt"
	CmdFileName  = "defacing_qc_cmd"
	DefacedLink  = "defaced.nii.gz"
	OrigLink     = "orig.nii.gz"
	RenderPrefix = "defaced_render"

	// RenderLogName collects the fsleyes output of one volume.
	RenderLogName = "render.log"
)

// Item is one staged volume. ID is its directory relative to the QC dir,
// one path element per BIDS entity ("sub-01/ses-01/T1w").
type Item struct {
	ID      string
	Dir     string
	Defaced string
	Orig    string
}

// Stager builds <output>/QC_prep.
type Stager struct {
	InputRoot  string
	OutputRoot string
	Logger     zerolog.Logger
}

// QCDir is <output>/QC_prep/defacing_QC.
func (s *Stager) QCDir() string {
	return filepath.Join(s.OutputRoot, PrepDirName, QCDirName)
}

// CmdPath is <output>/QC_prep/defacing_qc_cmd.
func (s *Stager) CmdPath() string {
	return filepath.Join(s.OutputRoot, PrepDirName, CmdFileName)
}

// Stage links every final defaced volume and its input into the QC tree,
// writes the id list and the viewer command file, and returns the staged
// items sorted by ID. Existing links are left alone.
func (s *Stager) Stage(ctx context.Context) ([]Item, error) {
	defacedRoot := filepath.Join(s.OutputRoot, stage.DefacedDirName)
	qcDir := s.QCDir()
	if err := os.MkdirAll(qcDir, 0o755); err != nil {
		return nil, err
	}

	var items []Item
	seen := map[string]string{}
	err := filepath.WalkDir(defacedRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == defacedRoot {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == stage.WorkDirName {
				return fs.SkipDir
			}
			return nil
		}
		// Final volumes live directly in an anat directory; anything deeper is
		// tool scratch.
		if !strings.HasSuffix(d.Name(), ".nii.gz") || filepath.Base(filepath.Dir(path)) != bids.AnatDir {
			return nil
		}
		id := itemID(path)
		if prev, dup := seen[id]; dup {
			s.Logger.Error().Str("id", id).Str("defaced", path).Str("staged", prev).Msg("two volumes map to one QC id; skipping")
			return nil
		}
		seen[id] = path
		item, err := s.stageOne(defacedRoot, path)
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if err := s.writeIDList(); err != nil {
		return items, err
	}
	cmd := VQCCommand(qcDir)
	if err := os.WriteFile(s.CmdPath(), []byte(cmd+"\n"), 0o644); err != nil {
		return items, err
	}
	s.Logger.Info().Int("items", len(items)).Str("command", cmd).Msg("QC staging ready; run the command to start a VisualQC Deface session")
	return items, nil
}

func (s *Stager) stageOne(defacedRoot, defaced string) (Item, error) {
	id := itemID(defaced)
	dir := filepath.Join(s.QCDir(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Item{}, err
	}

	rel, err := filepath.Rel(defacedRoot, defaced)
	if err != nil {
		return Item{}, err
	}
	orig := originalFor(s.InputRoot, rel)

	item := Item{ID: filepath.ToSlash(id), Dir: dir, Defaced: defaced, Orig: orig}
	if err := ensureLink(defaced, filepath.Join(dir, DefacedLink)); err != nil {
		return item, err
	}
	if orig == "" {
		s.Logger.Warn().Str("defaced", defaced).Msg("no input image for defaced volume")
		return item, nil
	}
	if err := ensureLink(orig, filepath.Join(dir, OrigLink)); err != nil {
		return item, err
	}
	return item, nil
}

// Unstaged lists the mapped sessions that have no staged volume, in key order.
func (s *Stager) Unstaged(m *mapping.Mapping, items []Item) []bids.SessionKey {
	defacedRoot := filepath.Join(s.OutputRoot, stage.DefacedDirName)
	staged := map[string]bool{}
	for _, it := range items {
		rel, err := filepath.Rel(defacedRoot, filepath.Dir(filepath.Dir(it.Defaced)))
		if err == nil {
			staged[rel] = true
		}
	}
	var out []bids.SessionKey
	for _, k := range m.Keys() {
		if !staged[k.RelDir()] {
			out = append(out, k)
		}
	}
	return out
}

// itemID is the QC directory of a defaced volume relative to the QC dir,
// one path element per entity.
func itemID(defaced string) string {
	return filepath.Join(bids.ParseScan(defaced).Entities()...)
}

// writeIDList lists every directory of the QC tree that holds an orig link.
func (s *Stager) writeIDList() error {
	qcDir := s.QCDir()
	var ids []string
	err := filepath.WalkDir(qcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Name() != OrigLink {
			return nil
		}
		rel, err := filepath.Rel(qcDir, filepath.Dir(path))
		if err != nil {
			return err
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(ids)
	var content string
	if len(ids) > 0 {
		content = strings.Join(ids, "\n") + "\n"
	}
	return os.WriteFile(filepath.Join(qcDir, IDListName), []byte(content), 0o644)
}

// VQCCommand is the VisualQC Deface invocation for qcDir. It is written to a
// file for the operator and never executed.
func VQCCommand(qcDir string) string {
	return fmt.Sprintf("vqcdeface -u %s -i %s -m %s -d %s -r %s",
		qcDir, filepath.Join(qcDir, IDListName), OrigLink, DefacedLink, RenderPrefix)
}

// originalFor finds the input image at the same relative path, accepting an
// uncompressed input for a compressed output.
func originalFor(inputRoot, rel string) string {
	candidates := []string{
		filepath.Join(inputRoot, rel),
		filepath.Join(inputRoot, strings.TrimSuffix(rel, ".gz")),
	}
	for _, c := range candidates {
		if core.Exists(c) {
			return c
		}
	}
	return ""
}

func ensureLink(target, link string) error {
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	return os.Symlink(abs, link)
}
