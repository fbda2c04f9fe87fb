package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wheretheplow/plowfleet/cmd/plowctl/config"
	"github.com/wheretheplow/plowfleet/pkg/api"
)

// NewScheduleCommand creates the schedule command
func NewScheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Show the current slot table",
		Long:  "Show how the global interval is divided between the live approved agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.cancel()

			view, err := s.client.Schedule(s.ctx)
			if err != nil {
				return fmt.Errorf("failed to get schedule: %w", err)
			}

			if s.out.GetFormat() == config.OutputTable {
				s.out.Printf("%d live agent(s), one fetch every %ss fleet-wide\n",
					view.N, seconds(view.GlobalInterval))
			}
			return s.out.Render(view, []string{"SLOT", "AGENT", "NAME", "PERIOD", "OFFSET"}, func() [][]string {
				return scheduleRows(view)
			})
		},
	}
}

func scheduleRows(view api.ScheduleView) [][]string {
	rows := make([][]string, 0, len(view.Slots))
	for _, slot := range view.Slots {
		rows = append(rows, []string{
			strconv.Itoa(slot.Slot),
			slot.AgentID,
			orDash(slot.Name),
			seconds(slot.IntervalSeconds) + "s",
			seconds(slot.OffsetSeconds) + "s",
		})
	}
	return rows
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
