package cli

import (
	"context"
	"io"
	"os"

	"bidsdeface/internal/core"
	"bidsdeface/internal/pipeline"
)

// Options are the process-level dependencies of a CLI run.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer

	// Runner executes the external tools. Nil means real processes, prepared
	// by the configured environment.
	Runner core.StepRunner
}

// CLIResult is the outcome of one command.
type CLIResult struct {
	ExitCode int

	// Batch is set by the batch command once units have been selected.
	Batch *pipeline.BatchResult
}

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the semantic
// exit code plus any error.
func Run(ctx context.Context, args []string) (CLIResult, error) {
	return RunWithOptions(ctx, args, Options{Stdout: os.Stdout, Stderr: os.Stderr})
}

// RunWithOptions is Run with injected streams and tool runner.
func RunWithOptions(ctx context.Context, args []string, opts Options) (CLIResult, error) {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	a := &app{opts: opts}
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	err := root.ExecuteContext(ctx)
	if a.ran {
		return a.result, err
	}
	return CLIResult{ExitCode: ExitCode(err)}, err
}
