package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bidsdeface/internal/config"
)

// app carries state between cobra and the executors of one run.
type app struct {
	opts   Options
	result CLIResult
	ran    bool
}

// flagKeys binds flag names to configuration keys.
var flagKeys = map[string]string{
	"participant-label": config.KeyParticipantLabel,
	"session-id":        config.KeySessionID,
	"mode":              config.KeyMode,
	"n-cpus":            config.KeyNCPUs,
	"no-clean":          config.KeyNoClean,
	"nih-hpc":           config.KeyNIHHPC,
	"tool-timeout":      config.KeyToolTimeout,
	"log-level":         config.KeyLogLevel,
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "bidsdeface <bids_dir> <output_dir>",
		Short: "Deface the anatomical scans of a BIDS dataset",
		Long: `bidsdeface removes facial features from every anatomical scan of a BIDS dataset.

For each subject and session the most recent T1w scan is defaced with AFNI's
refacer; the resulting mask is registered onto the other anatomical scans of
the session with FSL. Defaced scans are written to <output_dir>/bids_defaced and
staged for VisualQC Deface under <output_dir>/QC_prep.`,
		Args:          dirArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := a.invocation(cmd, args)
			if err != nil {
				return err
			}
			return a.finish(ExecuteBatch(cmd.Context(), inv, a.opts))
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML configuration file")
	pf.String("log-level", "info", "log level: debug|info|warn|error")
	pf.IntP("n-cpus", "n", 1, "number of units processed in parallel (1 means serial)")
	pf.Bool("nih-hpc", false, "load AFNI and FSL through environment modules")
	pf.Duration("tool-timeout", 0, "kill a tool step after this long (0 disables)")
	addSelectionFlags(root)

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})
	root.AddCommand(
		newMapCommand(a),
		newQCCommand(a),
		newShareCommand(a),
		newConfigCommand(a),
	)
	return root
}

func addSelectionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceP("participant-label", "p", nil, "participant label(s) to process, with or without sub-")
	f.StringSliceP("session-id", "s", nil, "session id(s) to process, with or without ses-")
	f.StringP("mode", "m", "regular", "refacer mode: regular|aggressive")
	f.Bool("no-clean", false, "keep the work_dir of intermediate files")
}

func dirArgs(_ *cobra.Command, args []string) error {
	if len(args) != 2 {
		return invalidInvocationf("expected <bids_dir> <output_dir>, got %d argument(s)", len(args))
	}
	return nil
}

// load resolves the configuration for cmd, with positional directories
// taking precedence over every other source.
func (a *app) load(cmd *cobra.Command, args []string) (config.Config, error) {
	v := config.New()
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}
	if len(args) == 2 {
		v.Set(config.KeyBIDSDir, args[0])
		v.Set(config.KeyOutputDir, args[1])
	}
	path, _ := cmd.Flags().GetString("config")
	return config.Load(v, path)
}

func (a *app) invocation(cmd *cobra.Command, args []string) (Invocation, error) {
	cfg, err := a.load(cmd, args)
	if err != nil {
		return Invocation{}, err
	}
	return NewInvocation(cfg)
}

func (a *app) finish(res CLIResult, err error) error {
	a.result, a.ran = res, true
	return err
}
