package main

import (
	"github.com/spf13/cobra"

	"github.com/gammadia/nomadcloud/client/ui"
)

var logLevelCmd = &cobra.Command{
	Use:       "log-level [debug|info|warn|error]",
	Short:     "Show or change the server log level",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"debug", "info", "warn", "error"},

	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Println(status.LogLevel)
			return nil
		}

		level, err := client.SetLogLevel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		cmd.PrintErrf("Server log level is now %s\n", ui.ValueColor.Sprint(level))
		return nil
	},
}
