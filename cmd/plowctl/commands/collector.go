package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wheretheplow/plowfleet/cmd/plowctl/config"
	"github.com/wheretheplow/plowfleet/pkg/api"
)

// NewCollectorCommand creates the collector command
func NewCollectorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Control the coordinator's direct fetch fallback",
		Long: `The coordinator fetches upstream itself whenever no agent has reported
recently. Pausing it stands the fallback down regardless of agent coverage.`,
	}

	cmd.AddCommand(newCollectorToggleCommand("pause", "Stand the direct collector down", true))
	cmd.AddCommand(newCollectorToggleCommand("resume", "Let the direct collector run again", false))
	cmd.AddCommand(newCollectorStatusCommand())

	return cmd
}

func newCollectorToggleCommand(use, short string, pause bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.cancel()

			var state api.CollectorState
			if pause {
				state, err = s.client.Pause(s.ctx)
			} else {
				state, err = s.client.Resume(s.ctx)
			}
			if err != nil {
				return fmt.Errorf("failed to %s collector: %w", use, err)
			}

			if s.out.GetFormat() != config.OutputTable {
				return s.out.Print(state)
			}
			if state.Paused {
				s.out.Printf("Collector paused\n")
			} else {
				s.out.Printf("Collector resumed\n")
			}
			return nil
		},
	}
}

func newCollectorStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show fleet coverage and collector state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.cancel()

			status, err := s.client.Status(s.ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			return s.out.Render(status, []string{"FIELD", "VALUE"}, func() [][]string {
				return statusRows(status)
			})
		},
	}
}

func statusRows(st api.StatusResponse) [][]string {
	collector := "running"
	switch {
	case !st.CollectorEnabled:
		collector = mutedColor("disabled")
	case st.CollectorPaused:
		collector = degradedColor("paused")
	}

	covering := "no"
	if st.AgentsCovering {
		covering = healthyColor("yes")
	}

	return [][]string{
		{"Agents", fmt.Sprintf("%d total, %d live", st.TotalAgents, st.LiveAgents)},
		{"By status", formatCounts(st.ByStatus, nil)},
		{"By health", formatCounts(st.ByHealth, colorHealth)},
		{"Agents covering", covering},
		{"Collector", collector},
		{"Last decision", orDash(st.LastDecision)},
		{"Last direct fetch", formatTime(st.LastDirectFetch)},
		{"Last direct error", orDash(st.LastDirectError)},
		{"Global interval", seconds(st.GlobalInterval) + "s"},
	}
}

func formatCounts(counts map[string]int, paint func(string) string) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		label := k
		if paint != nil {
			label = paint(k)
		}
		parts = append(parts, fmt.Sprintf("%s=%d", label, counts[k]))
	}
	return strings.Join(parts, " ")
}
