// Package config resolves the effective settings of an invocation from
// command-line flags, BIDSDEFACE_* environment variables, an optional YAML
// file and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"bidsdeface/internal/core"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/logging"
	"bidsdeface/internal/stage"
)

// EnvPrefix prefixes every environment variable, e.g. BIDSDEFACE_N_CPUS.
const EnvPrefix = "BIDSDEFACE"

// Keys understood by Load. Nested keys map to environment variables with
// "." replaced by "_".
const (
	KeyBIDSDir          = "bids_dir"
	KeyOutputDir        = "output_dir"
	KeyParticipantLabel = "participant_label"
	KeySessionID        = "session_id"
	KeyMode             = "mode"
	KeyNCPUs            = "n_cpus"
	KeyNoClean          = "no_clean"
	KeyNIHHPC           = "nih_hpc"
	KeyToolTimeout      = "tool_timeout"
	KeyLogLevel         = "log_level"
)

// Modules names the environment modules loaded when nih_hpc is set.
type Modules struct {
	AFNI    string `mapstructure:"afni" yaml:"afni"`
	FSL     string `mapstructure:"fsl" yaml:"fsl"`
	FSLeyes string `mapstructure:"fsleyes" yaml:"fsleyes"`
}

// Tools overrides the executables the stages invoke.
type Tools struct {
	Refacer         string `mapstructure:"refacer" yaml:"refacer"`
	FSLROI          string `mapstructure:"fslroi" yaml:"fslroi"`
	FSLMaths        string `mapstructure:"fslmaths" yaml:"fslmaths"`
	FLIRT           string `mapstructure:"flirt" yaml:"flirt"`
	FSLeyes         string `mapstructure:"fsleyes" yaml:"fsleyes"`
	AggressiveShell string `mapstructure:"aggressive_shell" yaml:"aggressive_shell"`
}

// Config is the effective configuration.
type Config struct {
	BIDSDir          string        `mapstructure:"bids_dir" yaml:"bids_dir"`
	OutputDir        string        `mapstructure:"output_dir" yaml:"output_dir"`
	ParticipantLabel []string      `mapstructure:"participant_label" yaml:"participant_label"`
	SessionID        []string      `mapstructure:"session_id" yaml:"session_id"`
	Mode             string        `mapstructure:"mode" yaml:"mode"`
	NCPUs            int           `mapstructure:"n_cpus" yaml:"n_cpus"`
	NoClean          bool          `mapstructure:"no_clean" yaml:"no_clean"`
	NIHHPC           bool          `mapstructure:"nih_hpc" yaml:"nih_hpc"`
	ToolTimeout      time.Duration `mapstructure:"tool_timeout" yaml:"-"`
	LogLevel         string        `mapstructure:"log_level" yaml:"log_level"`
	Modules          Modules       `mapstructure:"modules" yaml:"modules"`
	Tools            Tools         `mapstructure:"tools" yaml:"tools"`
}

// New returns a viper instance with defaults and environment binding set up.
// Flags are bound by the caller.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	tools := stage.DefaultTools()
	v.SetDefault(KeyBIDSDir, "")
	v.SetDefault(KeyOutputDir, "")
	v.SetDefault(KeyParticipantLabel, []string{})
	v.SetDefault(KeySessionID, []string{})
	v.SetDefault(KeyMode, string(stage.ModeRegular))
	v.SetDefault(KeyNCPUs, 1)
	v.SetDefault(KeyNoClean, false)
	v.SetDefault(KeyNIHHPC, false)
	v.SetDefault(KeyToolTimeout, time.Duration(0))
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault("modules.afni", "afni")
	v.SetDefault("modules.fsl", "fsl")
	v.SetDefault("modules.fsleyes", "fsleyes")
	v.SetDefault("tools.refacer", tools.Refacer)
	v.SetDefault("tools.fslroi", tools.FSLROI)
	v.SetDefault("tools.fslmaths", tools.FSLMaths)
	v.SetDefault("tools.flirt", tools.FLIRT)
	v.SetDefault("tools.fsleyes", "fsleyes")
	v.SetDefault("tools.aggressive_shell", tools.AggressiveShell)
}

// Load reads configFile (when not empty) into v and returns the merged
// configuration. An unreadable file is a structural error.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &faults.StructuralConfigError{
				Code:    "ConfigUnreadable",
				Message: fmt.Sprintf("failed to read config %s", configFile),
				Cause:   err,
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &faults.StructuralConfigError{Code: "InvalidConfig", Message: "failed to decode configuration", Cause: err}
	}
	cfg.ParticipantLabel = splitLabels(cfg.ParticipantLabel)
	cfg.SessionID = splitLabels(cfg.SessionID)
	return cfg, nil
}

// splitLabels accepts both repeated values and space or comma separated
// lists, as environment variables only carry one string.
func splitLabels(in []string) []string {
	out := []string{}
	for _, s := range in {
		out = append(out, strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })...)
	}
	return out
}

// Validate checks the values that would otherwise fail only once tools run.
// Every problem is reported together in one StructuralConfigError.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BIDSDir) == "" {
		errs = append(errs, errors.New("bids_dir is required"))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if _, err := stage.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.NCPUs < 1 {
		errs = append(errs, fmt.Errorf("n_cpus must be >= 1, got %d", c.NCPUs))
	}
	if c.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("tool_timeout must not be negative, got %s", c.ToolTimeout))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.NIHHPC && (c.Modules.AFNI == "" || c.Modules.FSL == "") {
		errs = append(errs, errors.New("nih_hpc requires modules.afni and modules.fsl"))
	}
	if len(errs) == 0 {
		return nil
	}
	return &faults.StructuralConfigError{Code: "InvalidConfig", Message: "invalid configuration", Cause: errors.Join(errs...)}
}

// StageMode is the parsed mode. Call after Validate.
func (c Config) StageMode() stage.Mode {
	m, _ := stage.ParseMode(c.Mode)
	return m
}

// StageTools returns the executables for the stages.
func (c Config) StageTools() stage.Tools {
	t := stage.DefaultTools()
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&t.Refacer, c.Tools.Refacer)
	override(&t.FSLROI, c.Tools.FSLROI)
	override(&t.FSLMaths, c.Tools.FSLMaths)
	override(&t.FLIRT, c.Tools.FLIRT)
	override(&t.AggressiveShell, c.Tools.AggressiveShell)
	return t
}

// FSLeyes is the render executable.
func (c Config) FSLeyes() string {
	if c.Tools.FSLeyes == "" {
		return "fsleyes"
	}
	return c.Tools.FSLeyes
}

// Environment returns the module-loading environment on the NIH HPC and a
// no-op environment elsewhere.
func (c Config) Environment() core.ToolEnvironment {
	if !c.NIHHPC {
		return core.NoopEnvironment{}
	}
	env := core.NewModuleEnvironment(c.Modules.AFNI, c.Modules.FSL)
	if c.Modules.FSLeyes != "" {
		env.Modules[core.SuiteFSLeyes] = c.Modules.FSLeyes
	}
	return env
}

// YAML renders the configuration as it would appear in a --config file.
func (c Config) YAML() ([]byte, error) {
	type doc struct {
		Config      `yaml:",inline"`
		ToolTimeout string `yaml:"tool_timeout"`
	}
	return yaml.Marshal(doc{Config: c, ToolTimeout: c.ToolTimeout.String()})
}
