package core

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// StepRunner is what the pipeline stages depend on. Tests substitute a
// scripted implementation that creates the files a tool would produce.
type StepRunner interface {
	Run(ctx context.Context, cmd Command, log io.Writer) (*Result, error)
}

// Result is the (output, errors) pair of one tool step.
type Result struct {
	// Command is the command as it was actually executed, for logs.
	Command string

	// Output is the captured standard output.
	Output string

	// Errors is the captured standard error.
	Errors string

	// ExitCode is the process exit code; -1 when the process was killed.
	ExitCode int

	// TimedOut is set when the step exceeded its timeout.
	TimedOut bool
}

// Runner executes tool steps for the pipeline.
//
// The execution flow:
//  1. Prepare the command for the host (module loading)
//  2. Write a banner naming the command to the tool log
//  3. Execute with the configured timeout
//  4. Append stdout and stderr to the tool log
//
// Run never inspects the exit status. Callers decide success by checking for
// the artifact the tool should have written.
type Runner struct {
	// Executor runs the prepared process.
	Executor *Executor

	// Environment prepares commands for the host.
	Environment ToolEnvironment
}

// NewRunner creates a Runner with the given environment and step timeout.
// A nil environment runs commands unchanged.
func NewRunner(env ToolEnvironment, timeout time.Duration) *Runner {
	if env == nil {
		env = NoopEnvironment{}
	}
	return &Runner{
		Executor:    NewExecutor(timeout),
		Environment: env,
	}
}

// Run executes cmd. The returned error is non-nil only when the command
// could not be issued at all.
func (r *Runner) Run(ctx context.Context, cmd Command, log io.Writer) (*Result, error) {
	if r == nil || r.Executor == nil {
		return nil, fmt.Errorf("runner is not initialised")
	}
	prepared := cmd
	if r.Environment != nil {
		prepared = r.Environment.Prepare(cmd)
	}

	writeBanner(log, cmd)

	execResult, err := r.Executor.Execute(ctx, prepared)
	if err != nil {
		if log != nil {
			fmt.Fprintf(log, "%s could not be run: %v\n", cmd.Name, err)
		}
		return nil, fmt.Errorf("running %s: %w", cmd.Name, err)
	}

	res := &Result{
		Command:  prepared.String(),
		Output:   string(execResult.Stdout),
		Errors:   string(execResult.Stderr),
		ExitCode: execResult.ExitCode,
		TimedOut: execResult.TimedOut,
	}
	if log != nil {
		if res.Output != "" {
			io.WriteString(log, ensureNewline(res.Output))
		}
		if res.Errors != "" {
			io.WriteString(log, ensureNewline(res.Errors))
		}
		if res.TimedOut {
			fmt.Fprintf(log, "%s killed after %s\n", cmd.Name, r.Executor.Timeout)
		}
	}
	return res, nil
}

func writeBanner(log io.Writer, cmd Command) {
	if log == nil {
		return
	}
	rule := strings.Repeat("=", 32)
	fmt.Fprintf(log, "%s %s command %s\n%s\n%s\n", rule, cmd.Name, rule, cmd.String(), strings.Repeat("=", 74))
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
