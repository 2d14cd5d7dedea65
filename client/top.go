package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/gammadia/nomadcloud/orchestrator"
	"github.com/gammadia/nomadcloud/server/api"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the status of the server",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		// Fail early when the server is unreachable
		if _, err := client.Status(cmd.Context()); err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}

		app := tview.NewApplication()

		// Header
		header := tview.NewTextView().
			SetDynamicColors(true).
			SetWordWrap(true).
			SetTextAlign(tview.AlignLeft)
		header.SetBorder(true).SetTitle(" Nomadcloud ")

		// Nodes table
		nodesTable := tview.NewTable().
			SetFixed(1, 0).
			SetSelectable(true, false)
		nodesTable.SetBorder(true).SetTitle(" Nodes ")

		// Providers table
		providersTable := tview.NewTable().
			SetFixed(1, 0).
			SetSelectable(true, false)
		providersTable.SetBorder(true).SetTitle(" Providers ")

		// Layout
		layout := tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(header, 5, 0, false).
			AddItem(nodesTable, 0, 2, false).
			AddItem(providersTable, 0, 1, false)

		// Focus cycling: Tab switches between nodes and providers tables
		focusables := []tview.Primitive{nodesTable, providersTable}
		focusIndex := 0
		app.SetFocus(nodesTable)

		app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
			if event.Key() == tcell.KeyTab || event.Key() == tcell.KeyBacktab {
				if event.Key() == tcell.KeyBacktab {
					focusIndex = (focusIndex + len(focusables) - 1) % len(focusables)
				} else {
					focusIndex = (focusIndex + 1) % len(focusables)
				}
				app.SetFocus(focusables[focusIndex])
				return nil
			}
			return event
		})

		// Only accessed from tview's event loop (via QueueUpdateDraw)
		var last *snapshot

		updateHeader := func() {
			header.Clear()
			if last.err != nil {
				fmt.Fprintf(header, " [red]%s[white]\n", tview.Escape(last.err.Error()))
				return
			}

			status := last.status
			fmt.Fprintf(header, " [yellow]Nomadcloud[white] %s (%s)  |  Uptime: [green]%s[white]  |  Remote: [yellow]%s[white]\n",
				status.Version, shortCommit(status.Commit), formatDuration(time.Since(status.StartedAt)), client.Remote())
			fmt.Fprintf(header, " Created: [yellow]%d[white]  |  Terminated: [yellow]%d[white]  |  Failed: [red]%d[white]  |  Log Level: [yellow]%s[white]",
				status.Created, status.Terminated, status.Failed, status.LogLevel)
		}

		updateNodes := func() {
			nodesTable.Clear()
			nodesTable.SetTitle(fmt.Sprintf(" Nodes (%d) ", len(last.nodes)))

			for col, title := range []string{"NAME", "PROVIDER", "TEMPLATE", "STATUS", "BUSY", "AGE", "IDLE"} {
				nodesTable.SetCell(0, col, tview.NewTableCell(title).
					SetTextColor(tcell.ColorYellow).
					SetSelectable(false).
					SetExpansion(1))
			}

			now := time.Now()
			for row, node := range sortNodes(last.nodes) {
				idle := ""
				if node.IdleSince != nil {
					idle = formatDuration(now.Sub(*node.IdleSince))
				}

				cells := []*tview.TableCell{
					tview.NewTableCell(node.Name).SetTextColor(tcell.ColorAqua).SetExpansion(2),
					tview.NewTableCell(node.Provider).SetExpansion(1),
					tview.NewTableCell(node.Template).SetExpansion(1),
					tview.NewTableCell(string(node.Status)).SetTextColor(nodeStatusColor(node.Status)).SetExpansion(1),
					tview.NewTableCell(fmt.Sprintf("%d", node.Busy)).SetExpansion(0),
					tview.NewTableCell(formatDuration(now.Sub(node.CreatedAt))).SetExpansion(1),
					tview.NewTableCell(idle).SetTextColor(tcell.ColorGray).SetExpansion(1),
				}
				for col, cell := range cells {
					nodesTable.SetCell(row+1, col, cell)
				}
			}
		}

		updateProviders := func() {
			providersTable.Clear()
			providersTable.SetTitle(fmt.Sprintf(" Providers (%d) ", len(last.providers)))

			for col, title := range []string{"NAME", "ADDRESS", "NAMESPACE", "USAGE", "TEMPLATES"} {
				providersTable.SetCell(0, col, tview.NewTableCell(title).
					SetTextColor(tcell.ColorYellow).
					SetSelectable(false).
					SetExpansion(1))
			}

			for row, provider := range last.providers {
				cells := []*tview.TableCell{
					tview.NewTableCell(provider.Name).SetTextColor(tcell.ColorAqua).SetExpansion(1),
					tview.NewTableCell(provider.Address).SetExpansion(2),
					tview.NewTableCell(provider.Namespace).SetExpansion(1),
					tview.NewTableCell(providerUsage(provider, last.nodes)).SetExpansion(1),
					tview.NewTableCell(strings.Join(provider.Templates, " ")).SetTextColor(tcell.ColorGray).SetExpansion(3),
				}
				for col, cell := range cells {
					providersTable.SetCell(row+1, col, cell)
				}
			}
		}

		done := make(chan struct{})

		// Polls the server every second, tview only draws the last snapshot
		go func() {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for {
				s := fetchSnapshot(cmd.Context())
				app.QueueUpdateDraw(func() {
					last = s
					updateHeader()
					if s.err == nil {
						updateNodes()
						updateProviders()
					}
				})

				select {
				case <-done:
					return
				case <-cmd.Context().Done():
					app.Stop()
					return
				case <-ticker.C:
				}
			}
		}()

		err := app.SetRoot(layout, true).Run()
		close(done)
		return err
	},
}

type snapshot struct {
	status    api.Status
	nodes     []orchestrator.NodeInfo
	providers []api.ProviderInfo
	err       error
}

func fetchSnapshot(ctx context.Context) *snapshot {
	var s snapshot
	if s.status, s.err = client.Status(ctx); s.err != nil {
		return &s
	}
	if s.nodes, s.err = client.Nodes(ctx); s.err != nil {
		return &s
	}
	s.providers, s.err = client.Providers(ctx)
	return &s
}

// sortNodes orders nodes by status, then by name.
func sortNodes(nodes []orchestrator.NodeInfo) []orchestrator.NodeInfo {
	nodes = slices.Clone(nodes)
	slices.SortStableFunc(nodes, func(a, b orchestrator.NodeInfo) int {
		if oa, ob := nodeStatusOrder(a.Status), nodeStatusOrder(b.Status); oa != ob {
			return oa - ob
		}
		return strings.Compare(a.Name, b.Name)
	})
	return nodes
}

// providerUsage shows the live nodes of a provider against its container cap.
func providerUsage(provider api.ProviderInfo, nodes []orchestrator.NodeInfo) string {
	live := lo.CountBy(nodes, func(node orchestrator.NodeInfo) bool {
		return node.Provider == provider.Name && node.Status != orchestrator.NodeStatusFailed
	})
	if provider.ContainerCap == 0 {
		return fmt.Sprintf("%d", live)
	}
	return fmt.Sprintf("%d/%d", live, provider.ContainerCap)
}

func nodeStatusOrder(status orchestrator.NodeStatus) int {
	switch status {
	case orchestrator.NodeStatusOnline:
		return 0
	case orchestrator.NodeStatusTerminating:
		return 1
	case orchestrator.NodeStatusProvisioning:
		return 2
	case orchestrator.NodeStatusFailed:
		return 3
	default:
		return 4
	}
}

func nodeStatusColor(status orchestrator.NodeStatus) tcell.Color {
	switch status {
	case orchestrator.NodeStatusOnline:
		return tcell.ColorGreen
	case orchestrator.NodeStatusProvisioning:
		return tcell.ColorYellow
	case orchestrator.NodeStatusTerminating:
		return tcell.ColorGray
	case orchestrator.NodeStatusFailed:
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
