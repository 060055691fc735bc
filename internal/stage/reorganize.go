package stage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"bidsdeface/internal/bids"
	"bidsdeface/internal/core"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/fsutil"
	"bidsdeface/internal/logging"
	"bidsdeface/internal/nifti"
)

// Reorganizer turns the scratch directories of a unit into BIDS files in the
// unit's anat directory of the defaced tree.
type Reorganizer struct {
	Layout Layout

	// NoClean keeps work_dir after reorganizing.
	NoClean bool
}

// Published is one final file written into the defaced tree.
type Published struct {
	// Path is the final defaced image.
	Path string

	// Source is the input scan it replaces.
	Source string
}

// Reorganize publishes every defaced image of the unit. primaries are the
// scans that were defaced directly (one, or several in fan-out).
//
// Running it again over its own output leaves the tree unchanged: the
// scratch directories it consumes are gone afterwards, compressed targets are
// never rewritten, and copies are byte-identical.
func (r *Reorganizer) Reorganize(ctx context.Context, key bids.SessionKey, primaries []string, fanOut bool, log zerolog.Logger) ([]Published, error) {
	log = log.With().Str(logging.FieldStage, "reorganize").Logger()
	anat := r.Layout.AnatDir(key)
	inputAnat := r.Layout.InputAnatDir(key)

	var published []Published
	for _, primary := range primaries {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		scratch := r.Layout.ScratchDir(key, primary, fanOut)
		if _, err := os.Stat(scratch); os.IsNotExist(err) {
			continue
		}

		err := filepath.WalkDir(scratch, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			switch {
			case strings.HasPrefix(name, resultPrefix) && strings.Contains(name, ".nii"):
				p, err := r.publishPrimary(key, path, primary, anat, inputAnat, log)
				if err != nil {
					return err
				}
				published = append(published, p)
			case strings.HasSuffix(name, defacedSuffix+".nii.gz"):
				p, err := r.publishOther(path, anat, inputAnat, log)
				if err != nil {
					return err
				}
				published = append(published, p)
			}
			return nil
		})
		if err != nil {
			return published, err
		}

		if err := r.relocate(scratch, anat); err != nil {
			return published, err
		}
	}

	workDir := filepath.Join(anat, WorkDirName)
	if !r.NoClean {
		if err := os.RemoveAll(workDir); err != nil {
			return published, fmt.Errorf("remove %s: %w", workDir, err)
		}
	}

	if len(published) == 0 {
		// Only removes anat when nothing is left in it.
		_ = os.Remove(anat)
	}

	sort.Slice(published, func(i, j int) bool { return published[i].Path < published[j].Path })
	log.Info().Int("published", len(published)).Bool("kept_work_dir", r.NoClean).Msg("unit reorganized")
	return published, nil
}

func (r *Reorganizer) publishPrimary(key bids.SessionKey, result, primary, anat, inputAnat string, log zerolog.Logger) (Published, error) {
	target := filepath.Join(anat, bids.Stem(filepath.Base(primary))+".nii.gz")
	out := Published{Path: target, Source: primary}
	if !core.Exists(target) {
		h, err := nifti.ReadFile(result)
		if err == nil {
			err = h.Validate()
		}
		if err != nil {
			return out, &faults.ExternalToolFailure{
				Unit:     key.String(),
				Stage:    "reorganize",
				Tool:     "@afni_refacer_run",
				Scan:     bids.Stem(filepath.Base(primary)),
				Artifact: result,
				Message:  "refacer result is not a valid NIfTI image",
				Cause:    err,
			}
		}
		if err := nifti.CompressFile(result, target); err != nil {
			return out, fmt.Errorf("compress %s: %w", result, err)
		}
		log.Debug().Str(logging.FieldScan, filepath.Base(target)).Msg("published primary")
	}
	r.copySidecar(bids.Stem(filepath.Base(primary)), anat, inputAnat, log)
	return out, nil
}

func (r *Reorganizer) publishOther(defaced, anat, inputAnat string, log zerolog.Logger) (Published, error) {
	stem := strings.TrimSuffix(bids.Stem(filepath.Base(defaced)), defacedSuffix)
	target := filepath.Join(anat, stem+".nii.gz")
	if err := fsutil.CopyFile(defaced, target); err != nil {
		return Published{}, fmt.Errorf("publish %s: %w", filepath.Base(defaced), err)
	}
	r.copySidecar(stem, anat, inputAnat, log)
	log.Debug().Str(logging.FieldScan, filepath.Base(target)).Msg("published registered scan")
	return Published{Path: target, Source: sourceImage(inputAnat, stem)}, nil
}

// copySidecar copies <stem>.json from the input anat directory. A missing
// sidecar is logged; BIDS does not require one for every image.
func (r *Reorganizer) copySidecar(stem, anat, inputAnat string, log zerolog.Logger) {
	src := filepath.Join(inputAnat, stem+".json")
	if !core.Exists(src) {
		log.Warn().Str("sidecar", src).Msg("no sidecar to copy")
		return
	}
	if err := fsutil.CopyFile(src, filepath.Join(anat, stem+".json")); err != nil {
		log.Warn().Err(err).Str("sidecar", src).Msg("sidecar copy failed")
	}
}

// relocate moves workdirs, QC directories and the tool log of scratch into
// <anat>/work_dir, then removes scratch if nothing else is left in it.
func (r *Reorganizer) relocate(scratch, anat string) error {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return err
	}
	workDir := filepath.Join(anat, WorkDirName)
	label := filepath.Base(scratch)
	for _, e := range entries {
		name := e.Name()
		var dest string
		switch {
		case strings.HasPrefix(name, workdirPrefix):
			dest = filepath.Join(workDir, "afni_"+name)
		case strings.HasSuffix(name, qcSuffix):
			dest = filepath.Join(workDir, name)
		case name == ToolLogName:
			dest = filepath.Join(workDir, label+"_"+ToolLogName)
		default:
			continue
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return err
		}
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(scratch, name), dest); err != nil {
			return fmt.Errorf("move %s into %s: %w", name, WorkDirName, err)
		}
	}
	if left, err := os.ReadDir(scratch); err == nil && len(left) == 0 {
		return os.Remove(scratch)
	}
	return nil
}

// sourceImage finds the input image with the given stem.
func sourceImage(inputAnat, stem string) string {
	for _, ext := range []string{".nii.gz", ".nii"} {
		p := filepath.Join(inputAnat, stem+ext)
		if core.Exists(p) {
			return p
		}
	}
	return filepath.Join(inputAnat, stem+".nii.gz")
}
