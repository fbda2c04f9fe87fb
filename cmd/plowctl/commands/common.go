package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wheretheplow/plowfleet/cmd/plowctl/config"
	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
)

// session bundles what every admin subcommand needs
type session struct {
	client *config.AdminClient
	out    *config.Outputter
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(cmd *cobra.Command) (*session, error) {
	output, _ := cmd.Flags().GetString("output")
	out := config.NewOutputterTo(output, cmd.OutOrStdout())
	if err := out.Validate(); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	client, err := cfg.NewAdminClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	return &session{client: client, out: out, ctx: ctx, cancel: cancel}, nil
}

var (
	healthyColor     = color.New(color.FgGreen).SprintFunc()
	degradedColor    = color.New(color.FgYellow).SprintFunc()
	hibernatingColor = color.New(color.FgRed, color.Bold).SprintFunc()
	mutedColor       = color.New(color.Faint).SprintFunc()
)

// colorHealth paints a health tier for table output
func colorHealth(health string) string {
	switch membership.HealthTier(health) {
	case membership.HealthHealthy:
		return healthyColor(health)
	case membership.HealthDegraded:
		return degradedColor(health)
	case membership.HealthHibernating:
		return hibernatingColor(health)
	default:
		return health
	}
}

func colorStatus(status string) string {
	switch membership.Status(status) {
	case membership.StatusApproved:
		return healthyColor(status)
	case membership.StatusRevoked:
		return mutedColor(status)
	default:
		return degradedColor(status)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
