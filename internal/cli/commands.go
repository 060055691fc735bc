package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMapCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "map <bids_dir> <output_dir>",
		Short: "Discover primary scans and write the mapping file only",
		Args:  dirArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := a.invocation(cmd, args)
			if err != nil {
				return err
			}
			return a.finish(ExecuteMap(cmd.Context(), inv, a.opts))
		},
	}
}

func newQCCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "qc <bids_dir> <output_dir>",
		Short: "Stage defaced scans for VisualQC and render 3D views with fsleyes",
		Args:  dirArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := a.invocation(cmd, args)
			if err != nil {
				return err
			}
			return a.finish(ExecuteQC(cmd.Context(), inv, a.opts))
		},
	}
}

func newShareCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "share <bids_dir> <output_dir>",
		Short: "Complete the defaced tree into a dataset that can be shared",
		Long: `share copies every directory and top-level file of <bids_dir> that is
missing from <output_dir>/bids_defaced, removes AcquisitionTime and
AcquisitionDateTime from all JSON sidecars and deletes pipeline logs.`,
		Args: dirArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := a.invocation(cmd, args)
			if err != nil {
				return err
			}
			return a.finish(ExecuteShare(cmd.Context(), inv, a.opts))
		},
	}
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config [<bids_dir> <output_dir>]",
		Short: "Print the effective configuration as YAML",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return invalidInvocationf("expected no arguments or <bids_dir> <output_dir>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd, args)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	addSelectionFlags(cmd)
	return cmd
}
