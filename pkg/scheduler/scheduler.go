package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/clock"
	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

// DefaultLivenessWindow bounds how long ago an agent may have last been
// seen and still hold a slot
const DefaultLivenessWindow = 30 * time.Second

// LiveSource lists approved agents seen within a window
type LiveSource interface {
	LiveAgents(ctx context.Context, window time.Duration) ([]*membership.Agent, error)
}

// Config contains scheduler configuration
type Config struct {
	GlobalInterval time.Duration
	LivenessWindow time.Duration
}

// Scheduler recomputes the schedule from the live set on every call
type Scheduler struct {
	source LiveSource
	config Config
	clock  clock.Clock
	logger *zap.Logger
}

// NewScheduler creates a scheduler over the given live set source
func NewScheduler(source LiveSource, config Config, clk clock.Clock, logger *zap.Logger) (*Scheduler, error) {
	if source == nil {
		return nil, fmt.Errorf("live source is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.GlobalInterval <= 0 {
		config.GlobalInterval = DefaultGlobalInterval
	}
	if config.LivenessWindow <= 0 {
		config.LivenessWindow = DefaultLivenessWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{source: source, config: config, clock: clk, logger: logger}, nil
}

// GlobalInterval returns the configured fleet-wide interval
func (s *Scheduler) GlobalInterval() time.Duration {
	return s.config.GlobalInterval
}

// Current computes the schedule for the present live set
func (s *Scheduler) Current(ctx context.Context) (*Schedule, error) {
	live, err := s.source.LiveAgents(ctx, s.config.LivenessWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to list live agents: %w", err)
	}

	ids := make([]string, len(live))
	for i, a := range live {
		ids[i] = a.ID
	}

	schedule := Compute(ids, s.config.GlobalInterval, s.clock.Now())
	observability.LiveAgents.Set(float64(schedule.N()))
	return schedule, nil
}

// AssignmentFor returns agentID's slot in the current schedule. An agent
// missing from the live set gets a solo assignment; it will be folded in
// on its next exchange.
func (s *Scheduler) AssignmentFor(ctx context.Context, agentID string) (Assignment, error) {
	schedule, err := s.Current(ctx)
	if err != nil {
		return Assignment{}, err
	}
	if a, ok := schedule.For(agentID); ok {
		return a, nil
	}

	s.logger.Debug("Agent not in live set, using solo assignment",
		zap.String("agent_id", agentID),
		zap.Int("live_agents", schedule.N()),
	)
	return SoloAssignment(agentID, s.config.GlobalInterval), nil
}
