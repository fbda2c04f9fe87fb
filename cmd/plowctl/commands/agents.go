package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wheretheplow/plowfleet/cmd/plowctl/config"
	"github.com/wheretheplow/plowfleet/pkg/agent"
	"github.com/wheretheplow/plowfleet/pkg/api"
)

// NewAgentsCommand creates the agents command
func NewAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "Manage fleet agents",
		Long:    "List, approve, revoke, rename and provision the agents that fetch on the coordinator's schedule",
	}

	cmd.AddCommand(newAgentsListCommand())
	cmd.AddCommand(newAgentsGetCommand())
	cmd.AddCommand(newAgentsApproveCommand())
	cmd.AddCommand(newAgentsRevokeCommand())
	cmd.AddCommand(newAgentsRenameCommand())
	cmd.AddCommand(newAgentsProvisionCommand())

	return cmd
}

func newAgentsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all agents",
		Long:  "List every known agent with its admission status, health tier and last report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsList(cmd)
		},
	}

	cmd.Flags().StringP("status", "s", "", "Filter by status (pending, approved, revoked)")
	cmd.Flags().String("health", "", "Filter by health (healthy, degraded, hibernating)")

	return cmd
}

func runAgentsList(cmd *cobra.Command) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.cancel()

	agents, err := s.client.ListAgents(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	status, _ := cmd.Flags().GetString("status")
	health, _ := cmd.Flags().GetString("health")
	agents = filterAgents(agents, status, health)

	return s.out.Render(agents, agentHeaders, func() [][]string {
		return agentRows(agents, time.Now())
	})
}

func filterAgents(agents []api.AgentView, status, health string) []api.AgentView {
	filtered := make([]api.AgentView, 0, len(agents))
	for _, a := range agents {
		if status != "" && !strings.EqualFold(a.Status, status) {
			continue
		}
		if health != "" && !strings.EqualFold(a.Health, health) {
			continue
		}
		filtered = append(filtered, a)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })
	return filtered
}

var agentHeaders = []string{"ID", "NAME", "STATUS", "HEALTH", "FAILURES", "REPORTS", "LAST SEEN", "LAST ERROR"}

func agentRows(agents []api.AgentView, now time.Time) [][]string {
	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, []string{
			a.ID,
			orDash(a.Name),
			colorStatus(a.Status),
			colorHealth(a.Health),
			strconv.Itoa(a.ConsecutiveFailures),
			fmt.Sprintf("%d/%d", a.TotalReports-a.FailedReports, a.TotalReports),
			formatAge(now, a.LastSeenAt),
			orDash(a.LastError),
		})
	}
	return rows
}

func newAgentsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.cancel()

			view, err := s.client.GetAgent(s.ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get agent: %w", err)
			}
			return printAgent(s.out, view)
		},
	}
}

func printAgent(out *config.Outputter, a api.AgentView) error {
	return out.Render(a, []string{"FIELD", "VALUE"}, func() [][]string {
		return [][]string{
			{"ID", a.ID},
			{"Name", orDash(a.Name)},
			{"Status", colorStatus(a.Status)},
			{"Health", colorHealth(a.Health)},
			{"Consecutive failures", strconv.Itoa(a.ConsecutiveFailures)},
			{"Reports", fmt.Sprintf("%d total, %d failed", a.TotalReports, a.FailedReports)},
			{"Last error", orDash(a.LastError)},
			{"Last seen", formatTime(a.LastSeenAt)},
			{"IP", orDash(a.IP)},
			{"System", orDash(a.SystemInfo)},
			{"Created", formatTime(a.CreatedAt)},
		}
	})
}

func newAgentsApproveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <agent-id>",
		Short: "Admit an agent into the schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.cancel()

			view, err := s.client.Approve(s.ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to approve agent: %w", err)
			}
			return printAgent(s.out, view)
		},
	}
}

func newAgentsRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <agent-id>",
		Short: "Revoke an agent",
		Long:  "Revoke an agent. Revoked agents are refused on every request until an operator approves them again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.cancel()

			view, err := s.client.Revoke(s.ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to revoke agent: %w", err)
			}
			return printAgent(s.out, view)
		},
	}
}

func newAgentsRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <agent-id> <name>",
		Short: "Change an agent's display name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.cancel()

			view, err := s.client.Rename(s.ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to rename agent: %w", err)
			}
			return printAgent(s.out, view)
		},
	}
}

func newAgentsProvisionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision <name>",
		Short: "Create an agent with a coordinator-generated key",
		Long: `Create an agent record and its signing key in one step.

The private key is returned exactly once. Use --data-dir to write it where
plowfleet-agent expects it, otherwise it is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsProvision(cmd, args[0])
		},
	}

	cmd.Flags().String("data-dir", "", "Write the private key into this agent data directory")

	return cmd
}

func runAgentsProvision(cmd *cobra.Command, name string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.cancel()

	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir != "" {
		if _, err := os.Stat(agent.KeyPath(dataDir)); err == nil {
			return fmt.Errorf("refusing to overwrite existing key in %s", dataDir)
		}
	}

	resp, err := s.client.Provision(s.ctx, name)
	if err != nil {
		return fmt.Errorf("failed to provision agent: %w", err)
	}

	if dataDir == "" {
		if err := printAgent(s.out, resp.Agent); err != nil {
			return err
		}
		if s.out.GetFormat() == config.OutputTable {
			s.out.Printf("\n%s", resp.PrivateKey)
		}
		return nil
	}

	if err := writeProvisionedKey(dataDir, []byte(resp.PrivateKey)); err != nil {
		return err
	}
	if err := printAgent(s.out, resp.Agent); err != nil {
		return err
	}
	s.out.Printf("Private key written to %s\n", agent.KeyPath(dataDir))
	return nil
}

func writeProvisionedKey(dir string, pemData []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	path := agent.KeyPath(dir)
	if err := os.WriteFile(path, pemData, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
