package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidsdeface/internal/config"
	"bidsdeface/internal/faults"
)

func loadConfig(t *testing.T, bidsDir, outputDir string) config.Config {
	t.Helper()
	v := config.New()
	v.Set(config.KeyBIDSDir, bidsDir)
	v.Set(config.KeyOutputDir, outputDir)
	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	return cfg
}

func TestNewInvocation_ResolvesDirectories(t *testing.T) {
	root := t.TempDir()
	oldCwd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(oldCwd) })
	require.NoError(t, os.Chdir(root))

	inv, err := NewInvocation(loadConfig(t, "data/../bids/", "./out"))
	require.NoError(t, err)

	// macOS temp dirs sit behind a symlink; compare against the resolved cwd.
	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "bids"), inv.BIDSDir)
	assert.Equal(t, filepath.Join(cwd, "out"), inv.OutputDir)
	assert.Equal(t, inv.BIDSDir, inv.Config.BIDSDir)
	assert.Equal(t, "data/../bids/", inv.OriginalBIDSDir)
	assert.Equal(t, "./out", inv.OriginalOutputDir)
}

func TestNewInvocation_Deterministic(t *testing.T) {
	root := t.TempDir()
	cfg := loadConfig(t, filepath.Join(root, "bids"), filepath.Join(root, "out"))
	a, err := NewInvocation(cfg)
	require.NoError(t, err)
	b, err := NewInvocation(cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNewInvocation_RejectsOverlappingDirectories(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		name      string
		bids, out string
	}{
		{"same", filepath.Join(root, "d"), filepath.Join(root, "d") + "/"},
		{"bids inside output", filepath.Join(root, "out", "bids"), filepath.Join(root, "out")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewInvocation(loadConfig(t, tc.bids, tc.out))
			var invErr *InvocationError
			require.True(t, errors.As(err, &invErr), "got %v", err)
			assert.Equal(t, ExitInvalidInvocation, ExitCode(err))
		})
	}
}

func TestNewInvocation_OutputInsideBIDSIsAllowed(t *testing.T) {
	root := t.TempDir()
	_, err := NewInvocation(loadConfig(t, root, filepath.Join(root, "derivatives", "defaced")))
	assert.NoError(t, err)
}

func TestNewInvocation_InvalidConfigIsStructural(t *testing.T) {
	cfg := loadConfig(t, "", t.TempDir())
	cfg.Mode = "gentle"
	_, err := NewInvocation(cfg)
	require.Error(t, err)
	assert.True(t, faults.IsStructural(err))
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{invalidInvocationf("bad"), ExitInvalidInvocation},
		{&InvocationError{Message: "no code"}, ExitInvalidInvocation},
		{faults.Structuralf("NoSubjects", "empty"), ExitConfigError},
		{fmt.Errorf("select: %w", faults.Structuralf("UnknownParticipant", "sub-09")), ExitConfigError},
		{context.Canceled, ExitBatchFailure},
		{errors.New("disk full"), ExitInternalError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err), "%v", tc.err)
	}
}
