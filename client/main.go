package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/gammadia/nomadcloud/client/remote"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var client *remote.Client

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "nomadcloud",
	Short: "Nomadcloud provisions build agents as Nomad jobs.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		client, err = remote.New(lo.Must(cmd.Flags().GetString("remote")))
		return err
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(logLevelCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(testConnectionCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("remote", lo.Must(lo.Coalesce(os.Getenv("NOMADCLOUD_REMOTE"), "127.0.0.1:25380")), "the server remote address")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetOut(os.Stdout)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
