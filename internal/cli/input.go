package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"bidsdeface/internal/config"
	"bidsdeface/internal/faults"
)

const (
	ExitSuccess = 0

	// ExitBatchFailure means units ran but the batch could not be completed
	// or recorded, or a QC render failed.
	ExitBatchFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Invocation is the canonical description of a batch: the effective
// configuration with both directories made absolute and clean.
type Invocation struct {
	BIDSDir   string
	OutputDir string
	Config    config.Config

	OriginalBIDSDir   string
	OriginalOutputDir string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// NewInvocation validates cfg and resolves its directories.
func NewInvocation(cfg config.Config) (Invocation, error) {
	if err := cfg.Validate(); err != nil {
		return Invocation{}, err
	}
	bidsDir, err := resolveDir(cfg.BIDSDir)
	if err != nil {
		return Invocation{}, err
	}
	outputDir, err := resolveDir(cfg.OutputDir)
	if err != nil {
		return Invocation{}, err
	}
	if bidsDir == outputDir {
		return Invocation{}, invalidInvocationf("output directory must differ from the BIDS directory (%s)", bidsDir)
	}
	if rel, err := filepath.Rel(outputDir, bidsDir); err == nil && !strings.HasPrefix(rel, "..") {
		return Invocation{}, invalidInvocationf("BIDS directory %s must not be inside the output directory", bidsDir)
	}

	inv := Invocation{
		BIDSDir:           bidsDir,
		OutputDir:         outputDir,
		OriginalBIDSDir:   cfg.BIDSDir,
		OriginalOutputDir: cfg.OutputDir,
	}
	cfg.BIDSDir, cfg.OutputDir = bidsDir, outputDir
	inv.Config = cfg
	return inv, nil
}

func resolveDir(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", invalidInvocationf("cannot resolve %q: %v", p, err)
	}
	return filepath.Clean(abs), nil
}

// ExitCode maps an error onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if faults.IsStructural(err) {
		return ExitConfigError
	}
	if errors.Is(err, context.Canceled) {
		return ExitBatchFailure
	}
	return ExitInternalError
}
