package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"bidsdeface/internal/bids"
	"bidsdeface/internal/core"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/logging"
)

// Defacer runs the AFNI refacer on primary scans.
type Defacer struct {
	Runner core.StepRunner
	Layout Layout
	Tools  Tools
	Mode   Mode
}

// Command builds the refacer invocation for primary writing into scratch.
func (d *Defacer) Command(primary, scratch string) core.Command {
	args := []string{
		"-input", primary,
		"-mode_deface",
		"-no_clean",
		"-prefix", filepath.Join(scratch, bids.Stem(filepath.Base(primary))),
	}
	if d.Mode == ModeAggressive {
		args = append(args, "-shell", d.Tools.AggressiveShell)
	}
	return core.NewCommand(core.SuiteAFNI, d.Tools.Refacer, args...)
}

// Deface removes the face from primary.
//
// On success the refacer's work directory has been renamed to
// workdir_<suffix> and every other entry of the scratch directory except
// QC output and the tool log has been deleted. When no work directory
// appears the result is an *faults.ExternalToolFailure. A non-typed error
// means the refacer could not be started.
//
// A scratch directory that already holds a renamed work directory with the
// mask intermediate is reused without invoking the refacer again.
func (d *Defacer) Deface(ctx context.Context, key bids.SessionKey, primary string, fanOut bool, log zerolog.Logger) (*WorkArtifact, error) {
	scratch := d.Layout.ScratchDir(key, primary, fanOut)
	log = log.With().Str(logging.FieldStage, "deface").Str(logging.FieldScan, filepath.Base(primary)).Logger()

	if art, ok := d.existing(primary, scratch); ok {
		log.Info().Str("workdir", art.Path).Msg("reusing existing refacer workdir")
		return art, nil
	}

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", scratch, err)
	}
	toolLog, err := openToolLog(filepath.Join(scratch, ToolLogName), true)
	if err != nil {
		return nil, fmt.Errorf("open tool log: %w", err)
	}
	defer toolLog.Close()

	cmd := d.Command(primary, scratch)
	log.Info().Str(logging.FieldTool, cmd.Name).Str("log", toolLog.Name()).Msg("running refacer")
	res, err := d.Runner.Run(ctx, cmd, toolLog)
	if err != nil {
		return nil, err
	}

	harvester := core.NewHarvester(scratch)
	found, ok, err := harvester.Probe(refacerWorkGlob)
	if err != nil {
		return nil, err
	}
	if !ok {
		fmt.Fprintln(toolLog, "@afni_refacer_run work directory not found. Most probably because the refacer command failed.")
		_ = toolLog.Close()
		moved, qerr := quarantine(scratch)
		if qerr != nil {
			log.Warn().Err(qerr).Str("scratch", scratch).Msg("could not move failed refacer output into work_dir")
		} else {
			log.Info().Str("moved_to", moved).Msg("failed refacer output moved into work_dir")
		}
		return nil, &faults.ExternalToolFailure{
			Unit:     key.String(),
			Stage:    "deface",
			Tool:     d.Tools.Refacer,
			Scan:     bids.Stem(filepath.Base(primary)),
			Artifact: filepath.Join(scratch, refacerWorkGlob),
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
		}
	}
	if strings.TrimSpace(res.Errors) != "" {
		log.Warn().Err(&faults.ExternalToolWarning{Unit: key.String(), Tool: cmd.Name, Stderr: firstLine(res.Errors)}).Msg("refacer wrote to stderr")
	}

	workdir, err := promoteWorkdir(found)
	if err != nil {
		return nil, err
	}
	if err := pruneScratch(scratch, workdir); err != nil {
		return nil, err
	}
	log.Info().Str("workdir", workdir).Msg("refacer workdir ready")
	return &WorkArtifact{Primary: primary, Scratch: scratch, Path: workdir}, nil
}

func (d *Defacer) existing(primary, scratch string) (*WorkArtifact, bool) {
	path, ok, err := core.NewHarvester(scratch).Probe(workdirPrefix + "*")
	if err != nil || !ok {
		return nil, false
	}
	art := &WorkArtifact{Primary: primary, Scratch: scratch, Path: path}
	if !core.Exists(art.MaskSource()) {
		return nil, false
	}
	return art, true
}

// quarantine moves the scratch directory of a failed refacer run to
// <anat>/work_dir/failed_<label>, out of the published tree.
func quarantine(scratch string) (string, error) {
	workDir := filepath.Join(filepath.Dir(scratch), WorkDirName)
	dest := filepath.Join(workDir, failedPrefix+filepath.Base(scratch))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", err
	}
	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	if err := os.Rename(scratch, dest); err != nil {
		return "", fmt.Errorf("move %s into %s: %w", filepath.Base(scratch), WorkDirName, err)
	}
	return dest, nil
}

// promoteWorkdir renames the refacer work directory to workdir_<suffix>.
func promoteWorkdir(found string) (string, error) {
	target := filepath.Join(filepath.Dir(found), workdirPrefix+WorkdirSuffix(filepath.Base(found)))
	if target == found {
		return found, nil
	}
	if err := os.RemoveAll(target); err != nil {
		return "", err
	}
	if err := os.Rename(found, target); err != nil {
		return "", fmt.Errorf("rename refacer workdir: %w", err)
	}
	return target, nil
}

// WorkdirSuffix extracts the part of the refacer work directory name that
// identifies the run: the text between the first and second ".".
func WorkdirSuffix(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 && parts[1] != "" {
		return parts[1]
	}
	name = strings.TrimLeft(name, "_")
	name = strings.TrimPrefix(name, "work_refacer")
	name = strings.TrimLeft(name, "_")
	if name == "" {
		return "refacer"
	}
	return name
}

// pruneScratch deletes everything in scratch except the work directory,
// QC output and the tool log.
func pruneScratch(scratch, workdir string) error {
	siblings, err := core.NewHarvester(scratch).Siblings()
	if err != nil {
		return err
	}
	for _, p := range siblings {
		name := filepath.Base(p)
		if p == workdir || name == ToolLogName || strings.HasSuffix(name, qcSuffix) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
