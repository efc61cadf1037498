package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"testenvctl/internal/reporting"
	"testenvctl/internal/statusserver"
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true)
	styleReady  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	stylePend   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the aggregate status of a worker's environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := statusserver.ReadStatus(cmd.Context(), statusDir(), flagWorker)
			if err != nil {
				if errors.Is(err, statusserver.ErrNoEnvironment) {
					fmt.Fprintf(cmd.OutOrStdout(), "no environment found for worker %s\n", flagWorker)
					return nil
				}
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(status))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func renderStatus(status statusserver.EnvironmentStatus) string {
	overall := styleFailed.Render("NOT READY")
	if status.Ready {
		overall = styleReady.Render("READY")
	}
	out := fmt.Sprintf("%s  %d/%d components ready\n\n",
		overall, status.ReadyComponents, status.TotalComponents)

	out += styleHeader.Render(fmt.Sprintf("%-20s %-10s %s", "COMPONENT", "CATEGORY", "STATUS")) + "\n"
	for _, comp := range status.Components {
		out += fmt.Sprintf("%-20s %-10s %s\n", comp.Name, comp.Category, renderComponentStatus(comp.Status))
	}
	return out
}

func renderComponentStatus(status reporting.Status) string {
	switch status {
	case reporting.StatusReady:
		return styleReady.Render(string(status))
	case reporting.StatusFailed:
		return styleFailed.Render(string(status))
	default:
		return stylePend.Render(string(status))
	}
}
