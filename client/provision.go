package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/gammadia/nomadcloud/client/remote"
	"github.com/gammadia/nomadcloud/client/ui"
	"github.com/gammadia/nomadcloud/orchestrator"
	"github.com/gammadia/nomadcloud/server/api"
)

var provisionCmd = &cobra.Command{
	Use:   "provision LABEL",
	Short: "Ask for agents matching a label expression",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.ProvisionRequest{
			Provider: lo.Must(cmd.Flags().GetString("provider")),
			Label:    args[0],
			Excess:   lo.Must(cmd.Flags().GetInt("excess")),
		}

		resp, err := client.Provision(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("failed to provision: %w", err)
		}
		if len(resp.Nodes) == 0 {
			cmd.PrintErrln(color.HiYellowString("No agent can be provisioned for '%s'", req.Label))
			return nil
		}

		cmd.PrintErrf("Provisioning %d agent(s) on '%s': %s\n", len(resp.Nodes), resp.Provider, color.HiCyanString(strings.Join(resp.Nodes, " ")))
		if !lo.Must(cmd.Flags().GetBool("wait")) {
			for _, node := range resp.Nodes {
				cmd.Println(node)
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), lo.Must(cmd.Flags().GetDuration("timeout")))
		defer cancel()

		var errs []error
		for _, name := range resp.Nodes {
			spinner := ui.NewSpinner(fmt.Sprintf("Waiting for agent '%s'", name))
			status, err := waitForNode(ctx, name, time.Second)
			switch {
			case err != nil:
				spinner.Fail()
				errs = append(errs, err)
			case status != orchestrator.NodeStatusOnline:
				spinner.Fail(fmt.Sprintf("Agent '%s' is %s", name, status))
				errs = append(errs, fmt.Errorf("agent '%s' failed to start, see 'nomadcloud log %s'", name, name))
			default:
				spinner.Success(fmt.Sprintf("Agent '%s' is online", name))
				cmd.Println(name)
			}
		}
		return errors.Join(errs...)
	},
}

func init() {
	provisionCmd.Flags().String("provider", "", "provider to provision from (default: first provider with a matching template)")
	provisionCmd.Flags().IntP("excess", "n", 1, "number of agents needed")
	provisionCmd.Flags().BoolP("wait", "w", false, "wait for agents to be online")
	provisionCmd.Flags().Duration("timeout", 10*time.Minute, "how long to wait for agents")
	lo.Must0(provisionCmd.RegisterFlagCompletionFunc("provider", completeProviders(-1)))
}

// waitForNode polls a node until it is online or failed. A node that vanished
// is reported as failed.
func waitForNode(ctx context.Context, name string, interval time.Duration) (orchestrator.NodeStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		node, err := client.Node(ctx, name)
		switch {
		case remote.IsNotFound(err):
			return orchestrator.NodeStatusFailed, nil
		case err != nil && ctx.Err() == nil:
			return "", fmt.Errorf("failed to get agent '%s': %w", name, err)
		case err == nil && (node.Status == orchestrator.NodeStatusOnline || node.Status == orchestrator.NodeStatusFailed):
			return node.Status, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("agent '%s' is not online: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}
