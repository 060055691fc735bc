package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"bidsdeface/internal/bids"
	"bidsdeface/internal/core"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/fsutil"
	"bidsdeface/internal/logging"
)

// Registrar propagates the primary's deface mask to the other scans of a
// session through a rigid registration.
type Registrar struct {
	Runner core.StepRunner
	Tools  Tools
}

// ScanResult is the outcome of registering one other scan.
type ScanResult struct {
	Scan string

	// Defaced is the masked scan inside the work directory.
	Defaced string

	// Err is an *faults.ExternalToolFailure when a step left no output.
	Err error
}

// DeriveMask builds afni_defacemask.nii.gz from the refacer intermediates:
// the second volume of the face-shell threshold image, inverted into a
// binary keep-mask.
func (r *Registrar) DeriveMask(ctx context.Context, key bids.SessionKey, art *WorkArtifact, toolLog io.Writer) (string, error) {
	mask := art.DefaceMask()
	if core.Exists(mask) {
		return mask, nil
	}
	source := art.MaskSource()
	if !core.Exists(source) {
		return "", &faults.MaskDerivationError{Unit: key.String(), Workdir: art.Path, Message: fmt.Sprintf("%s not found", filepath.Base(source))}
	}

	facemask := filepath.Join(art.Path, "afni_facemask")
	steps := []core.Command{
		core.NewCommand(core.SuiteFSL, r.Tools.FSLROI, source, facemask, "1", "1"),
		core.NewCommand(core.SuiteFSL, r.Tools.FSLMaths, facemask+".nii.gz", "-abs", "-binv", mask),
	}
	for _, cmd := range steps {
		if _, err := r.Runner.Run(ctx, cmd, toolLog); err != nil {
			return "", err
		}
	}
	if !core.Exists(mask) {
		return "", &faults.MaskDerivationError{Unit: key.String(), Workdir: art.Path, Message: "mask was not produced"}
	}
	return mask, nil
}

// Commands returns the registration steps for one other scan, run inside
// <workdir>/<other stem>/.
func (r *Registrar) Commands(primary, other, mask, outDir string) []core.Command {
	stem := bids.Stem(filepath.Base(other))
	matrix := filepath.Join(outDir, stem+"_reg.mat")
	otherMask := filepath.Join(outDir, stem+"_mask.nii.gz")
	defaced := filepath.Join(outDir, stem+defacedSuffix+".nii.gz")
	return []core.Command{
		core.NewCommand(core.SuiteFSL, r.Tools.FLIRT,
			"-dof", "6", "-cost", "mutualinfo", "-searchcost", "mutualinfo",
			"-in", primary, "-ref", other,
			"-omat", matrix, "-out", filepath.Join(outDir, "registered.nii.gz")),
		core.NewCommand(core.SuiteFSL, r.Tools.FLIRT,
			"-interp", "nearestneighbour", "-applyxfm", "-init", matrix,
			"-in", mask, "-ref", other, "-out", otherMask),
		core.NewCommand(core.SuiteFSL, r.Tools.FSLMaths, other, "-mas", otherMask, defaced),
	}
}

// Register masks every other scan. Scans are independent: a failure is
// recorded in that scan's result and the rest continue. The returned error
// is non-nil only when a command could not be issued.
func (r *Registrar) Register(ctx context.Context, key bids.SessionKey, art *WorkArtifact, mask string, others []string, toolLog io.Writer, log zerolog.Logger) ([]ScanResult, error) {
	log = log.With().Str(logging.FieldStage, "register").Logger()
	results := make([]ScanResult, 0, len(others))
	for _, other := range others {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.registerOne(ctx, key, art, mask, other, toolLog)
		if err != nil {
			return results, err
		}
		if res.Err != nil {
			log.Error().Err(res.Err).Str(logging.FieldScan, filepath.Base(other)).Msg("registration failed")
		} else {
			log.Info().Str(logging.FieldScan, filepath.Base(other)).Msg("scan defaced by registration")
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Registrar) registerOne(ctx context.Context, key bids.SessionKey, art *WorkArtifact, mask, other string, toolLog io.Writer) (ScanResult, error) {
	stem := bids.Stem(filepath.Base(other))
	outDir := filepath.Join(art.Path, stem)
	defaced := filepath.Join(outDir, stem+defacedSuffix+".nii.gz")
	res := ScanResult{Scan: other, Defaced: defaced}
	if core.Exists(defaced) {
		return res, nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return res, err
	}
	if err := fsutil.CopyFile(other, filepath.Join(outDir, "original.nii.gz")); err != nil {
		return res, fmt.Errorf("stage %s: %w", filepath.Base(other), err)
	}

	var last *core.Result
	var lastTool string
	for _, cmd := range r.Commands(art.Primary, other, mask, outDir) {
		out, err := r.Runner.Run(ctx, cmd, toolLog)
		if err != nil {
			return res, err
		}
		last, lastTool = out, cmd.Name
		if out.TimedOut {
			break
		}
	}

	if !core.Exists(defaced) {
		failure := &faults.ExternalToolFailure{
			Unit:     key.String(),
			Stage:    "register",
			Tool:     lastTool,
			Scan:     stem,
			Artifact: defaced,
		}
		if last != nil {
			failure.ExitCode = last.ExitCode
			failure.TimedOut = last.TimedOut
		}
		res.Err = failure
	}
	return res, nil
}
