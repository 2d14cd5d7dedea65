package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect NODE SECRET",
	Short: "Connect an agent to the server, as the agent itself would",
	Args:  cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.Connect(cmd.Context(), args[0], strings.TrimSpace(args[1])); err != nil {
			return fmt.Errorf("failed to connect '%s': %w", args[0], err)
		}
		cmd.PrintErrln(color.HiGreenString("Node '%s' is connected", args[0]))

		switch {
		case lo.Must(cmd.Flags().GetBool("acquire")):
			if err := client.Acquire(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.PrintErrln(color.HiGreenString("Node '%s' is running a task", args[0]))
		case lo.Must(cmd.Flags().GetBool("release")):
			if err := client.Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.PrintErrln(color.HiGreenString("Node '%s' finished a task", args[0]))
		}
		return nil
	},
}

func init() {
	connectCmd.Flags().Bool("acquire", false, "mark the node as running a task once connected")
	connectCmd.Flags().Bool("release", false, "mark a task of the node as done once connected")
	connectCmd.MarkFlagsMutuallyExclusive("acquire", "release")
}
