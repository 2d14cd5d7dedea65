package main

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gammadia/nomadcloud/orchestrator"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List agent nodes",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := client.Nodes(cmd.Context())
		if err != nil {
			return err
		}

		for _, node := range nodes {
			cmd.Printf("%s  %-12s  %-14s  %s  %s\n",
				node.CreatedAt.Local().Truncate(time.Second).Format(time.DateTime),
				node.Provider,
				statusColor(node.Status).Sprintf("%-12s", node.Status),
				color.HiCyanString(node.Name),
				idleFor(node, time.Now()),
			)
		}

		return nil
	},
}

func statusColor(status orchestrator.NodeStatus) *color.Color {
	switch status {
	case orchestrator.NodeStatusOnline:
		return color.New(color.FgHiGreen)
	case orchestrator.NodeStatusProvisioning:
		return color.New(color.FgHiYellow)
	case orchestrator.NodeStatusTerminating:
		return color.New(color.FgHiBlack)
	case orchestrator.NodeStatusFailed:
		return color.New(color.FgHiRed)
	default:
		return color.New(color.Reset)
	}
}

// idleFor describes the usage of a node.
func idleFor(node orchestrator.NodeInfo, now time.Time) string {
	switch {
	case node.Busy > 0:
		return color.HiYellowString("busy (%d)", node.Busy)
	case node.IdleSince != nil:
		return "idle for " + formatDuration(now.Sub(*node.IdleSince))
	default:
		return ""
	}
}
