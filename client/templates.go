package main

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/gammadia/nomadcloud/client/ui"
	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/nomad"
)

var templatesCmd = &cobra.Command{
	Use:   "templates PROVIDER",
	Short: "List the agent templates of a provider",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		var label *string
		if cmd.Flags().Changed("label") {
			label = lo.ToPtr(lo.Must(cmd.Flags().GetString("label")))
		}

		templates, err := client.Templates(cmd.Context(), args[0], label)
		if err != nil {
			return err
		}

		for i, template := range templates {
			if i > 0 {
				cmd.Println()
			}
			printTemplate(cmd, template)
		}
		return nil
	},
}

func init() {
	templatesCmd.Flags().StringP("label", "l", "", "only show templates matching this label expression")
}

func printTemplate(cmd *cobra.Command, template cloud.Template) {
	cmd.Println(ui.SectionHeaderColor.Sprintf(" %s ", template.DisplayName()))

	field := func(name string, value any) {
		cmd.Printf("  %-16s %s\n", name+":", ui.ValueColor.Sprint(value))
	}
	field("labels", lo.Ternary(template.Label != "", template.Label, ui.MutedColor.Sprint("(none)")))
	field("mode", template.UsageMode())
	field("instance cap", lo.Ternary(template.Cap() > 0, fmt.Sprint(template.Cap()), "unbounded"))
	field("connect timeout", fmt.Sprintf("%d attempts", template.ConnectAttempts()))
	if template.IdleMinutes > 0 {
		field("idle", fmt.Sprintf("%d minutes", template.IdleMinutes))
	} else {
		field("idle", "once")
	}
	if template.Namespace != "" {
		field("namespace", template.Namespace)
	}
	if len(template.Datacenters) > 0 {
		field("datacenters", strings.Join(template.Datacenters, " "))
	}

	for _, group := range template.TaskGroups {
		args := lo.Ternary(group.Args != "", group.Args, nomad.DefaultArgs)
		cmd.Printf("  %s %s\n", ui.ValueColor.Sprint(group.Name), ui.MutedColor.Sprint(group.Image))
		cmd.Printf("    %s\n", strings.TrimSpace(group.Command+" "+args))
	}
}
