package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"

	"bidsdeface/internal/core"
	"bidsdeface/internal/logging"
	"bidsdeface/internal/mapping"
	"bidsdeface/internal/pipeline"
	"bidsdeface/internal/qc"
	"bidsdeface/internal/stage"
)

// session is the logging and tool plumbing shared by every command.
type session struct {
	inv    Invocation
	opts   Options
	sink   *logging.Sink
	logger zerolog.Logger
}

func openSession(inv Invocation, opts Options) (*session, error) {
	level, err := logging.ParseLevel(inv.Config.LogLevel)
	if err != nil {
		return nil, invalidInvocationf("%v", err)
	}
	sink, err := logging.NewSink(filepath.Join(inv.OutputDir, pipeline.LogsDirName), level)
	if err != nil {
		return nil, err
	}
	logger, err := sink.Pipeline(opts.Stderr)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return &session{inv: inv, opts: opts, sink: sink, logger: logger}, nil
}

func (s *session) Close() error { return s.sink.Close() }

func (s *session) runner() core.StepRunner {
	if s.opts.Runner != nil {
		return s.opts.Runner
	}
	return core.NewRunner(s.inv.Config.Environment(), s.inv.Config.ToolTimeout)
}

func (s *session) orchestrator(summary io.Writer) *pipeline.Orchestrator {
	cfg := s.inv.Config
	return &pipeline.Orchestrator{
		Runner: s.runner(),
		Options: pipeline.Options{
			InputRoot:  s.inv.BIDSDir,
			OutputRoot: s.inv.OutputDir,
			Mode:       cfg.StageMode(),
			Tools:      cfg.StageTools(),
			Workers:    cfg.NCPUs,
			NoClean:    cfg.NoClean,
			Selection: pipeline.Selection{
				Participants: cfg.ParticipantLabel,
				Sessions:     cfg.SessionID,
			},
			Summary: summary,
		},
		Logs:   s.sink,
		Logger: s.logger,
	}
}

// recoverPanic turns a panic in a command into ExitInternalError.
func recoverPanic(res *CLIResult, err *error) {
	if r := recover(); r != nil {
		res.ExitCode = ExitInternalError
		*err = fmt.Errorf("panic: %v", r)
	}
}

// ExecuteBatch runs the full pipeline for inv.
//
// Units that fail do not change the exit code; they are listed in
// logs/failures.json and on stdout. Structural problems map to
// ExitConfigError before any tool runs.
func ExecuteBatch(ctx context.Context, inv Invocation, opts Options) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	defer recoverPanic(&res, &execErr)

	s, err := openSession(inv, opts)
	if err != nil {
		res.ExitCode = ExitCode(err)
		return res, err
	}
	defer s.Close()

	batch, err := s.orchestrator(opts.Stdout).RunBatch(ctx)
	res.Batch = batch
	if err != nil {
		s.logger.Error().Err(err).Msg("batch did not complete")
		res.ExitCode = ExitCode(err)
		if batch != nil && res.ExitCode == ExitInternalError {
			res.ExitCode = ExitBatchFailure
		}
		return res, err
	}

	writeBatchSummary(opts.Stdout, inv, batch)
	res.ExitCode = ExitSuccess
	return res, nil
}

func writeBatchSummary(w io.Writer, inv Invocation, batch *pipeline.BatchResult) {
	logs := filepath.Join(inv.OutputDir, pipeline.LogsDirName)
	fmt.Fprintf(w, "\nrun %s: %d unit(s), %d failed\n", batch.RunID, len(batch.Units), len(batch.Failed()))
	for _, u := range batch.Failed() {
		fmt.Fprintf(w, "  FAILED %s: %v\n", u.Key, u.Err())
	}
	if n := len(batch.Report.Failures); n > 0 {
		fmt.Fprintf(w, "%d failure(s) recorded in %s\n", n, filepath.Join(logs, "failures.json"))
	}
	if n := len(batch.Report.MissingRefacerOutputs); n > 0 {
		fmt.Fprintf(w, "%d primary scan(s) without refacer output, see %s\n", n, filepath.Join(logs, "failed_refacer_outputs.txt"))
	}
	fmt.Fprintf(w, "To review the defaced scans run:\n  %s\n",
		qc.VQCCommand(filepath.Join(inv.OutputDir, qc.PrepDirName, qc.QCDirName)))
}

// ExecuteMap only discovers the dataset and writes the mapping file.
func ExecuteMap(ctx context.Context, inv Invocation, opts Options) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	defer recoverPanic(&res, &execErr)

	s, err := openSession(inv, opts)
	if err != nil {
		res.ExitCode = ExitCode(err)
		return res, err
	}
	defer s.Close()

	_, m, err := s.orchestrator(opts.Stdout).Discover(ctx)
	if err != nil {
		res.ExitCode = ExitCode(err)
		return res, err
	}
	fmt.Fprintf(opts.Stdout, "%d session(s) mapped\n", m.Len())
	res.ExitCode = ExitSuccess
	return res, nil
}

// ExecuteQC restages the defaced tree for VisualQC and renders the 3D views.
// Any volume that could not be rendered makes the command exit with
// ExitBatchFailure.
func ExecuteQC(ctx context.Context, inv Invocation, opts Options) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	defer recoverPanic(&res, &execErr)

	s, err := openSession(inv, opts)
	if err != nil {
		res.ExitCode = ExitCode(err)
		return res, err
	}
	defer s.Close()

	stager := &qc.Stager{InputRoot: inv.BIDSDir, OutputRoot: inv.OutputDir, Logger: s.logger}
	items, err := stager.Stage(ctx)
	if err != nil {
		res.ExitCode = ExitBatchFailure
		return res, err
	}
	mapped, err := loadMapping(ctx, inv.OutputDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Warn().Msg("no mapping file in the output directory; staging whatever is in bids_defaced")
	case err != nil:
		res.ExitCode = ExitBatchFailure
		return res, err
	default:
		for _, k := range stager.Unstaged(mapped, items) {
			s.logger.Warn().Str(logging.FieldUnit, k.String()).Msg("mapped session has no defaced volume to review")
			fmt.Fprintf(opts.Stdout, "  NOT STAGED %s\n", k)
		}
	}
	renderer := &qc.Renderer{Runner: s.runner(), Tool: inv.Config.FSLeyes(), Logger: s.logger}
	failures, err := renderer.RenderAll(ctx, stager.QCDir(), inv.Config.NCPUs)
	if err != nil {
		res.ExitCode = ExitBatchFailure
		return res, err
	}

	fmt.Fprintf(opts.Stdout, "%d volume(s) staged, %d render failure(s)\n", len(items), len(failures))
	for _, f := range failures {
		fmt.Fprintf(opts.Stdout, "  FAILED %s: %v\n", filepath.Dir(f.Defaced), f.Err)
	}
	fmt.Fprintf(opts.Stdout, "To review the defaced scans run:\n  %s\n", qc.VQCCommand(stager.QCDir()))
	if len(failures) > 0 {
		res.ExitCode = ExitBatchFailure
		return res, fmt.Errorf("%d volume(s) could not be rendered", len(failures))
	}
	res.ExitCode = ExitSuccess
	return res, nil
}

func loadMapping(ctx context.Context, outputDir string) (*mapping.Mapping, error) {
	store, err := mapping.NewStore(outputDir)
	if err != nil {
		return nil, err
	}
	return store.Load(ctx)
}

// ExecuteShare turns <output>/bids_defaced into a dataset that can be
// shared.
func ExecuteShare(ctx context.Context, inv Invocation, opts Options) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	defer recoverPanic(&res, &execErr)

	level, err := logging.ParseLevel(inv.Config.LogLevel)
	if err != nil {
		res.ExitCode = ExitInvalidInvocation
		return res, invalidInvocationf("%v", err)
	}
	// Share deletes logs inside the defaced tree, so it only logs to the console.
	logger := logging.New(zerolog.ConsoleWriter{Out: opts.Stderr}, level)

	sharer := &qc.Sharer{
		InputRoot:   inv.BIDSDir,
		DefacedRoot: filepath.Join(inv.OutputDir, stage.DefacedDirName),
		Logger:      logger,
	}
	sum, err := sharer.PrepareShareable(ctx)
	if err != nil {
		res.ExitCode = ExitBatchFailure
		return res, err
	}
	fmt.Fprintf(opts.Stdout, "copied %d dir(s) and %d file(s), scrubbed %d sidecar(s), removed %d log(s)\n",
		len(sum.CopiedDirs), len(sum.CopiedFiles), len(sum.ScrubbedFiles), len(sum.RemovedLogs))
	res.ExitCode = ExitSuccess
	return res, nil
}
