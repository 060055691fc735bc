// Package stage implements the per-unit pipeline stages: defacing the
// primary scan, propagating its mask to the other scans by registration, and
// reorganizing the results into a BIDS tree.
package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bidsdeface/internal/bids"
)

const (
	// DefacedDirName is the BIDS tree of defaced scans under the output dir.
	DefacedDirName = "bids_defaced"

	// WorkDirName collects tool intermediates inside each anat directory.
	WorkDirName = "work_dir"

	// ToolLogName is the per-scratch-dir log of tool invocations.
	ToolLogName = "defacing_pipeline.log"

	workdirPrefix   = "workdir_"
	failedPrefix    = "failed_"
	refacerWorkGlob = "*work_refacer*"
	qcSuffix        = "QC"
	defacedSuffix   = "_defaced"
	resultPrefix    = "tmp.99.result"
	maskSource      = "tmp.05.sh_t2a_thr.nii"
)

// Mode selects the refacer template.
type Mode string

const (
	ModeRegular    Mode = "regular"
	ModeAggressive Mode = "aggressive"
)

// ParseMode accepts "regular" and "aggressive".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRegular:
		return ModeRegular, nil
	case ModeAggressive:
		return ModeAggressive, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want regular or aggressive)", s)
	}
}

// Tools names the executables each stage invokes.
type Tools struct {
	Refacer  string
	FSLROI   string
	FSLMaths string
	FLIRT    string

	// AggressiveShell is the alternate refacer shell used in aggressive mode.
	AggressiveShell string
}

// DefaultTools returns the stock AFNI and FSL executable names.
func DefaultTools() Tools {
	return Tools{
		Refacer:         "@afni_refacer_run",
		FSLROI:          "fslroi",
		FSLMaths:        "fslmaths",
		FLIRT:           "flirt",
		AggressiveShell: "afni_refacer_shell_sym_2.0.nii.gz",
	}
}

// Layout maps units onto the input and output trees.
type Layout struct {
	// InputRoot is the BIDS dataset being defaced.
	InputRoot string

	// OutputRoot is the pipeline output directory.
	OutputRoot string
}

// DefacedRoot is <output>/bids_defaced.
func (l Layout) DefacedRoot() string { return filepath.Join(l.OutputRoot, DefacedDirName) }

// AnatDir is the unit's anat directory in the defaced tree.
func (l Layout) AnatDir(key bids.SessionKey) string { return key.AnatDir(l.DefacedRoot()) }

// InputAnatDir is the unit's anat directory in the input dataset.
func (l Layout) InputAnatDir(key bids.SessionKey) string { return key.AnatDir(l.InputRoot) }

// ScratchDir is where the refacer runs for one primary scan.
//
// The directory is named after the acquisition label. Scans without one, and
// every scan of a session defaced without a T1w, use their entity string so
// that scratch directories of one session never collide.
func (l Layout) ScratchDir(key bids.SessionKey, primary string, fanOut bool) string {
	return filepath.Join(l.AnatDir(key), ScratchLabel(primary, fanOut))
}

// ScratchLabel is the last path element of ScratchDir.
func ScratchLabel(primary string, fanOut bool) string {
	scan := bids.ParseScan(primary)
	if !fanOut && scan.Acquisition != "" {
		return scan.Acquisition
	}
	if label := scan.Label(); label != "" {
		return label
	}
	return scan.Stem()
}

// WorkArtifact is the refacer's work directory after it has been renamed
// to workdir_<suffix>.
type WorkArtifact struct {
	// Primary is the scan that was defaced.
	Primary string

	// Scratch is the directory the refacer wrote into.
	Scratch string

	// Path is the renamed work directory.
	Path string
}

// MaskSource is the refacer intermediate the deface mask is derived from.
func (w WorkArtifact) MaskSource() string { return filepath.Join(w.Path, maskSource) }

// DefaceMask is the binary mask applied to the other scans.
func (w WorkArtifact) DefaceMask() string { return filepath.Join(w.Path, "afni_defacemask.nii.gz") }

// ToolLog is the log file of the scratch directory.
func (w WorkArtifact) ToolLog() string { return filepath.Join(w.Scratch, ToolLogName) }

// OpenToolLog opens the tool log for appending.
func (w WorkArtifact) OpenToolLog() (*os.File, error) { return openToolLog(w.ToolLog(), false) }

func openToolLog(path string, truncate bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	return os.OpenFile(path, flags, 0o644)
}
