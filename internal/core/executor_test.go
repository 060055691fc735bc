package core

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecute_CapturesStdoutStderrAndExitCode(t *testing.T) {
	executor := NewExecutor(0)

	cmd := NewCommand(SuiteNone, "sh", "-c", "echo out; echo err 1>&2; exit 3")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := executor.Execute(ctx, cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := strings.TrimSpace(string(result.Stdout)); got != "out" {
		t.Errorf("stdout = %q, want %q", got, "out")
	}
	if got := strings.TrimSpace(string(result.Stderr)); got != "err" {
		t.Errorf("stderr = %q, want %q", got, "err")
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if result.TimedOut {
		t.Errorf("unexpected timeout")
	}
}

// Arguments must reach the tool verbatim, without shell splitting.
func TestExecute_ArgumentsAreNotReparsed(t *testing.T) {
	executor := NewExecutor(0)
	cmd := NewCommand(SuiteNone, "sh", "-c", `printf '%s|' "$@"`, "sh", "a b", "$HOME", "c;d")

	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got, want := string(result.Stdout), "a b|$HOME|c;d|"; got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
}

func TestExecute_ExtraEnvIsLayeredOverHost(t *testing.T) {
	t.Setenv("BIDSDEFACE_HOST_VAR", "host")
	executor := NewExecutor(0)
	cmd := NewCommand(SuiteNone, "sh", "-c", `echo "$BIDSDEFACE_HOST_VAR $BIDSDEFACE_EXTRA"`)
	cmd.Env = map[string]string{"BIDSDEFACE_EXTRA": "extra"}

	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := strings.TrimSpace(string(result.Stdout)); got != "host extra" {
		t.Fatalf("stdout = %q, want %q", got, "host extra")
	}
}

func TestExecute_TimeoutKillsProcessAndIsNotAnError(t *testing.T) {
	executor := NewExecutor(100 * time.Millisecond)
	cmd := NewCommand(SuiteNone, "sh", "-c", "sleep 10")

	start := time.Now()
	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.TimedOut {
		t.Fatalf("expected TimedOut")
	}
	if result.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", result.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("process was not killed promptly: %s", elapsed)
	}
}

func TestExecute_CancelledContextIsAnError(t *testing.T) {
	executor := NewExecutor(0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := executor.Execute(ctx, NewCommand(SuiteNone, "sh", "-c", "sleep 10")); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestExecute_MissingBinaryIsAnError(t *testing.T) {
	executor := NewExecutor(0)
	if _, err := executor.Execute(context.Background(), NewCommand(SuiteNone, "bidsdeface-no-such-tool")); err == nil {
		t.Fatalf("expected start error")
	}
}

func TestCommandString_QuotesOnlyWhenNeeded(t *testing.T) {
	cmd := NewCommand(SuiteAFNI, "@afni_refacer_run", "-input", "/data/sub 01.nii.gz", "-prefix", "/out/it's")
	want := `@afni_refacer_run -input '/data/sub 01.nii.gz' -prefix '/out/it'"'"'s'`
	if got := cmd.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
