package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"bidsdeface/internal/core"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/stage"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "regular", cfg.Mode)
	assert.Equal(t, 1, cfg.NCPUs)
	assert.False(t, cfg.NoClean)
	assert.False(t, cfg.NIHHPC)
	assert.Equal(t, time.Duration(0), cfg.ToolTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.ParticipantLabel)
	assert.Equal(t, stage.DefaultTools(), cfg.StageTools())
	assert.Equal(t, core.NoopEnvironment{}, cfg.Environment())
}

func TestLoad_PrecedenceFileEnvFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bidsdeface.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: aggressive
n_cpus: 4
tool_timeout: 30m
participant_label: ["01", "02"]
modules:
  afni: afni/24.0
tools:
  flirt: /opt/fsl/bin/flirt
`), 0o644))

	t.Setenv("BIDSDEFACE_N_CPUS", "8")
	t.Setenv("BIDSDEFACE_SESSION_ID", "01 02")

	v := New()
	v.Set(KeyMode, "regular") // stands in for an explicitly set flag

	cfg, err := Load(v, path)
	require.NoError(t, err)

	assert.Equal(t, "regular", cfg.Mode, "flag beats file")
	assert.Equal(t, 8, cfg.NCPUs, "env beats file")
	assert.Equal(t, 30*time.Minute, cfg.ToolTimeout)
	assert.Equal(t, []string{"01", "02"}, cfg.ParticipantLabel)
	assert.Equal(t, []string{"01", "02"}, cfg.SessionID)
	assert.Equal(t, "afni/24.0", cfg.Modules.AFNI)
	assert.Equal(t, "fsl", cfg.Modules.FSL)
	assert.Equal(t, "/opt/fsl/bin/flirt", cfg.StageTools().FLIRT)
	assert.Equal(t, "fslmaths", cfg.StageTools().FSLMaths)
}

func TestLoad_UnreadableFileIsStructural(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	var sc *faults.StructuralConfigError
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, "ConfigUnreadable", sc.Code)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	cfg.Mode = "gentle"
	cfg.NCPUs = 0
	cfg.LogLevel = "loud"

	err = cfg.Validate()
	require.True(t, faults.IsStructural(err))
	for _, want := range []string{"bids_dir is required", "output_dir is required", "invalid mode", "n_cpus must be >= 1", "unknown log level"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg.BIDSDir, cfg.OutputDir, cfg.Mode, cfg.NCPUs, cfg.LogLevel = "/in", "/out", "aggressive", 2, "debug"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, stage.ModeAggressive, cfg.StageMode())
}

func TestEnvironment_NIHHPCLoadsModules(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	cfg.NIHHPC = true

	env, ok := cfg.Environment().(*core.ModuleEnvironment)
	require.True(t, ok)
	assert.Equal(t, "afni", env.Modules[core.SuiteAFNI])
	assert.Equal(t, "fsl", env.Modules[core.SuiteFSL])
	assert.Equal(t, "fsleyes", env.Modules[core.SuiteFSLeyes])
}

func TestYAML_RoundTripsThroughLoad(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	cfg.BIDSDir, cfg.OutputDir = "/in", "/out"
	cfg.ToolTimeout = 90 * time.Second
	cfg.ParticipantLabel = []string{"01"}

	out, err := cfg.YAML()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, "1m30s", doc["tool_timeout"])

	path := filepath.Join(t.TempDir(), "effective.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o644))
	again, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
