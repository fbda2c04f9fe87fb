package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wheretheplow/plowfleet/cmd/plowctl/config"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

// NewEventsCommand creates the events command
func NewEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent fleet events",
		Long:  "Show admissions, health transitions, authentication failures and collector decisions recorded by the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd)
		},
	}

	cmd.Flags().StringP("type", "t", "", "Only show events of this type (e.g. agent.approved)")
	cmd.Flags().StringP("agent", "a", "", "Only show events about this agent")
	cmd.Flags().IntP("limit", "n", 50, "Maximum number of events")
	cmd.Flags().Duration("since", 0, "Only show events newer than this (e.g. 1h)")

	return cmd
}

func runEvents(cmd *cobra.Command) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.cancel()

	q := config.EventQuery{}
	q.Type, _ = cmd.Flags().GetString("type")
	q.AgentID, _ = cmd.Flags().GetString("agent")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		q.Since = time.Now().Add(-since)
	}

	events, err := s.client.Events(s.ctx, q)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	return s.out.Render(events, []string{"TIME", "TYPE", "SEVERITY", "AGENT", "ACTOR", "DESCRIPTION"}, func() [][]string {
		rows := make([][]string, 0, len(events))
		for _, e := range events {
			rows = append(rows, []string{
				formatTime(e.Timestamp),
				string(e.Type),
				colorSeverity(e.Severity),
				orDash(e.ResourceID),
				orDash(e.ActorID),
				e.Description,
			})
		}
		return rows
	})
}

func colorSeverity(s observability.EventSeverity) string {
	switch s {
	case observability.SeverityWarning:
		return degradedColor(string(s))
	case observability.SeverityError:
		return hibernatingColor(string(s))
	default:
		return string(s)
	}
}
