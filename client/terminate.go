package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var terminateCmd = &cobra.Command{
	Use:   "terminate NODE...",
	Short: "Terminate agent nodes and remove their jobs",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		var errs []error
		for _, name := range args {
			result, err := client.Terminate(cmd.Context(), name)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to terminate '%s': %w", name, err))
				continue
			}

			if result.Error != "" {
				cmd.PrintErrln(color.HiYellowString("Node '%s' removed, but its job may be left behind: %s", name, result.Error))
				continue
			}
			cmd.PrintErrln(color.HiGreenString("Terminated node '%s'", name))
			if verbose && result.EvalID != "" {
				cmd.PrintErrf("  evaluation %s\n", result.EvalID)
			}
		}
		return errors.Join(errs...)
	},
}
