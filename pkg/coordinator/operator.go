package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/api"
	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

// AgentView converts a registry record for operator display. Health is
// only meaningful for approved agents but is always computed.
func AgentView(a *membership.Agent) api.AgentView {
	return api.AgentView{
		ID:                  a.ID,
		Name:                a.Name,
		Status:              string(a.Status),
		Health:              string(a.Health()),
		ConsecutiveFailures: a.ConsecutiveFailures,
		TotalReports:        a.TotalReports,
		FailedReports:       a.FailedReports,
		LastError:           a.LastError,
		LastSeenAt:          a.LastSeenAt,
		IP:                  a.IP,
		SystemInfo:          a.SystemInfo,
		CreatedAt:           a.CreatedAt,
	}
}

// Pause stands the direct collector down until Resume
func (c *Coordinator) Pause(ctx context.Context) bool {
	changed := c.pause.Pause()
	observability.CollectorPaused.Set(1)
	if changed {
		c.collectorToggled(ctx, observability.EventCollectorPaused, "Direct collector paused")
	}
	return changed
}

// Resume lets the direct collector fetch again when no agent covers
func (c *Coordinator) Resume(ctx context.Context) bool {
	changed := c.pause.Resume()
	observability.CollectorPaused.Set(0)
	if changed {
		c.collectorToggled(ctx, observability.EventCollectorResumed, "Direct collector resumed")
	}
	return changed
}

// Paused reports the pause flag
func (c *Coordinator) Paused() bool {
	return c.pause.Paused()
}

func (c *Coordinator) collectorToggled(ctx context.Context, eventType observability.EventType, description string) {
	operator := observability.GetOperator(ctx)
	c.events.RecordEvent(ctx, observability.NewCollectorEvent(eventType, operator, description, nil))
	observability.ContextLogger(ctx, c.logger).Info(description, zap.String("operator", operator))
}

// Status summarises the fleet and the direct collector
func (c *Coordinator) Status(ctx context.Context) (api.StatusResponse, error) {
	summary, err := c.registry.Summarize(ctx)
	if err != nil {
		return api.StatusResponse{}, err
	}
	live, err := c.registry.LiveAgents(ctx, c.config.LivenessWindow)
	if err != nil {
		return api.StatusResponse{}, err
	}
	covering, err := c.registry.LiveAgents(ctx, c.arbiter.Window())
	if err != nil {
		return api.StatusResponse{}, err
	}

	resp := api.StatusResponse{
		TotalAgents:      summary.Total,
		LiveAgents:       len(live),
		ByStatus:         make(map[string]int, len(summary.ByStatus)),
		ByHealth:         make(map[string]int, len(summary.ByHealth)),
		AgentsCovering:   len(covering) > 0,
		CollectorPaused:  c.pause.Paused(),
		CollectorEnabled: c.collector != nil,
		GlobalInterval:   c.config.GlobalInterval.Seconds(),
	}
	for status, n := range summary.ByStatus {
		resp.ByStatus[string(status)] = n
	}
	for tier, n := range summary.ByHealth {
		resp.ByHealth[string(tier)] = n
	}
	if c.collector != nil {
		st := c.collector.Status()
		resp.LastDecision = string(st.LastDecision)
		resp.LastDirectFetch = st.LastFetch
		resp.LastDirectError = st.LastError
	}
	return resp, nil
}

// ScheduleView returns the full current schedule with agent names
func (c *Coordinator) ScheduleView(ctx context.Context) (api.ScheduleView, error) {
	schedule, err := c.scheduler.Current(ctx)
	if err != nil {
		return api.ScheduleView{}, err
	}

	view := api.ScheduleView{
		N:              schedule.N(),
		GlobalInterval: schedule.GlobalInterval.Seconds(),
		ComputedAt:     schedule.ComputedAt,
		Slots:          make([]api.ScheduleSlot, 0, schedule.N()),
	}
	for _, a := range schedule.Assignments {
		slot := api.ScheduleSlot{
			AgentID:         a.AgentID,
			Slot:            a.Slot,
			IntervalSeconds: a.Period().Seconds(),
			OffsetSeconds:   a.Offset().Seconds(),
		}
		if agent, err := c.registry.Get(ctx, a.AgentID); err == nil {
			slot.Name = agent.Name
		}
		view.Slots = append(view.Slots, slot)
	}
	return view, nil
}
