package main

import (
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log NODE",
	Short: "Show the launch log of an agent node",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := client.Log(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		cmd.Print(log)
		return nil
	},
}
