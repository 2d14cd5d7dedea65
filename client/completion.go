package main

import (
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/gammadia/nomadcloud/client/remote"
	"github.com/gammadia/nomadcloud/orchestrator"
	"github.com/gammadia/nomadcloud/server/api"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish]",
	Short: "Generate shell completion scripts",

	// Completion scripts don't need the server
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
}

var completionBashCmd = &cobra.Command{
	Use:   "bash",
	Short: "Generate bash completion script",
	RunE: func(cmd *cobra.Command, args []string) error {
		return rootCmd.GenBashCompletionV2(cmd.OutOrStdout(), true)
	},
}

var completionZshCmd = &cobra.Command{
	Use:   "zsh",
	Short: "Generate zsh completion script",
	RunE: func(cmd *cobra.Command, args []string) error {
		return rootCmd.GenZshCompletion(cmd.OutOrStdout())
	},
}

var completionFishCmd = &cobra.Command{
	Use:   "fish",
	Short: "Generate fish completion script",
	RunE: func(cmd *cobra.Command, args []string) error {
		return rootCmd.GenFishCompletion(cmd.OutOrStdout(), true)
	},
}

func init() {
	completionCmd.AddCommand(completionBashCmd, completionZshCmd, completionFishCmd)

	connectCmd.ValidArgsFunction = completeNodes(1)
	logCmd.ValidArgsFunction = completeNodes(1)
	terminateCmd.ValidArgsFunction = completeNodes(-1)
	templatesCmd.ValidArgsFunction = completeProviders(1)
	testConnectionCmd.ValidArgsFunction = completeProviders(1)
}

type completionFunc = func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective)

// completeNodes completes node names from the server, for the first limit
// arguments or all of them when limit is negative.
func completeNodes(limit int) completionFunc {
	return complete(limit, func(cmd *cobra.Command, c *remote.Client) ([]string, error) {
		nodes, err := c.Nodes(cmd.Context())
		return lo.Map(nodes, func(node orchestrator.NodeInfo, _ int) string { return node.Name }), err
	})
}

// completeProviders completes provider names from the server.
func completeProviders(limit int) completionFunc {
	return complete(limit, func(cmd *cobra.Command, c *remote.Client) ([]string, error) {
		providers, err := c.Providers(cmd.Context())
		return lo.Map(providers, func(provider api.ProviderInfo, _ int) string { return provider.Name }), err
	})
}

// complete doesn't rely on the root pre-run hook, cobra skips it when completing.
func complete(limit int, list func(cmd *cobra.Command, c *remote.Client) ([]string, error)) completionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if limit >= 0 && len(args) >= limit {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		c, err := remote.New(cmd.Flag("remote").Value.String())
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		names, err := list(cmd, c)
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		return lo.Without(names, args...), cobra.ShellCompDirectiveNoFileComp
	}
}
