package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of Nomadcloud",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("nomadcloud version %s (%s)\n", version, shortCommit(commit))

		status, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("server version %s (%s) at %s\n", status.Version, shortCommit(status.Commit), client.Remote())
		return nil
	},
}

func shortCommit(commit string) string {
	return commit[:min(len(commit), 7)]
}
