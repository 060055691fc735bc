package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// ExecutionResult contains the captured outcome of one process.
type ExecutionResult struct {
	// Stdout is the captured standard output.
	Stdout []byte

	// Stderr is the captured standard error.
	Stderr []byte

	// ExitCode is the process exit code, or -1 when the process was killed.
	ExitCode int

	// TimedOut is set when the step timeout expired before the process exited.
	TimedOut bool

	// Duration is the wall time between start and exit.
	Duration time.Duration
}

// Executor runs commands in their own process group.
//
// Unlike task isolation, tools here need the host environment (PATH, HOME,
// AFNI and FSL variables), so Command.Env is layered over os.Environ().
type Executor struct {
	// Timeout bounds a single process. Zero means no limit.
	Timeout time.Duration
}

// NewExecutor creates an Executor with the given per-process timeout.
func NewExecutor(timeout time.Duration) *Executor {
	return &Executor{Timeout: timeout}
}

// Execute runs cmd and waits for it.
//
// A nonzero exit status is not an error. An error is returned only when the
// process cannot be started or the parent context is cancelled. When the
// executor's own timeout expires the process group is killed and the result
// is returned with TimedOut set.
func (e *Executor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if cmd.Name == "" {
		return nil, errors.New("command name is empty")
	}

	runCtx := ctx
	if e != nil && e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	proc := exec.Command(cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = mergeEnv(os.Environ(), cmd.Env)

	// Own process group so the whole tool tree can be killed.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	start := time.Now()
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()

	var err error
	select {
	case <-runCtx.Done():
		if proc.Process != nil {
			_ = syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
		}
		<-done
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
		return &ExecutionResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: -1,
			TimedOut: true,
			Duration: time.Since(start),
		}, nil
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", cmd.Name, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

// mergeEnv layers extra over base. Keys are added in sorted order so the
// resulting environment does not depend on map iteration.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name = kv[:i]
				break
			}
		}
		if _, overridden := extra[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return out
}
