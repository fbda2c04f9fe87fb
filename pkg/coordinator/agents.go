package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/api"
	"github.com/wheretheplow/plowfleet/pkg/collector"
	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
	"github.com/wheretheplow/plowfleet/pkg/identity"
	"github.com/wheretheplow/plowfleet/pkg/observability"
	"github.com/wheretheplow/plowfleet/pkg/scheduler"
	"github.com/wheretheplow/plowfleet/pkg/upstream"
)

// ErrBadRequest is returned for malformed agent request bodies
var ErrBadRequest = errors.New("bad request")

// Register admits a new agent as pending
func (c *Coordinator) Register(ctx context.Context, req api.RegisterRequest, ip string) (*membership.Agent, error) {
	if req.PublicKey == "" {
		return nil, fmt.Errorf("%w: public_key is required", ErrBadRequest)
	}
	return c.registry.Register(ctx, membership.RegisterRequest{
		PublicKeyPEM: req.PublicKey,
		Name:         req.Name,
		IP:           ip,
		SystemInfo:   req.SystemInfo,
	})
}

// Authenticate verifies a signed request. Signature problems match
// identity.ErrAuthentication; a validly signed agent that is not approved
// gets a *membership.StatusError. Nothing is mutated either way.
func (c *Coordinator) Authenticate(ctx context.Context, header http.Header, body []byte) (*membership.Agent, error) {
	creds, err := identity.CredentialsFromHeaders(header)
	if err != nil {
		return nil, c.authFailed(ctx, "", err)
	}

	agent, err := c.registry.Get(ctx, creds.AgentID)
	if err != nil {
		if errors.Is(err, membership.ErrNotFound) {
			return nil, c.authFailed(ctx, creds.AgentID, identity.ErrUnknownAgent)
		}
		return nil, err
	}

	if err := c.verifier.Verify(creds, body, []byte(agent.PublicKey)); err != nil {
		return nil, c.authFailed(ctx, creds.AgentID, err)
	}

	if agent.Status != membership.StatusApproved {
		observability.AuthFailuresTotal.WithLabelValues("not_approved").Inc()
		return nil, &membership.StatusError{ID: agent.ID, Status: agent.Status}
	}
	return agent, nil
}

func (c *Coordinator) authFailed(ctx context.Context, agentID string, err error) error {
	reason := identity.Reason(err)
	observability.AuthFailuresTotal.WithLabelValues(reason).Inc()
	if agentID != "" {
		c.events.RecordEvent(ctx, observability.NewAuthenticationFailedEvent(agentID, reason))
	}
	observability.ContextLogger(ctx, c.logger).Info("Agent authentication failed",
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
	)
	return err
}

// Checkin records liveness and, for a hibernating agent, the outcome of
// its probe fetch. It returns the agent's current schedule.
func (c *Coordinator) Checkin(ctx context.Context, agentID string, req api.CheckinRequest) (api.ScheduleResponse, error) {
	observability.AgentCheckinsTotal.Inc()

	var err error
	if req.Probe != nil {
		_, err = c.registry.RecordOutcome(ctx, agentID, membership.Outcome{
			Success: req.Probe.Success,
			Kind:    req.Probe.ErrorKind,
			Error:   req.Probe.Error,
		})
	} else {
		_, err = c.registry.Touch(ctx, agentID)
	}
	if err != nil {
		return api.ScheduleResponse{}, err
	}
	return c.ScheduleFor(ctx, agentID)
}

// Report records one fetch outcome. A success whose payload the sink
// would reject is recorded as a failure.
func (c *Coordinator) Report(ctx context.Context, agentID string, req api.ReportRequest) (api.ScheduleResponse, error) {
	outcome := membership.Outcome{Success: req.Success, Kind: req.ErrorKind, Error: req.Error}
	if req.Success {
		if _, err := collector.Validate(req.Payload); err != nil {
			outcome = membership.Outcome{Kind: string(upstream.KindParse), Error: err.Error()}
		}
	}

	if _, err := c.registry.RecordOutcome(ctx, agentID, outcome); err != nil {
		return api.ScheduleResponse{}, err
	}

	if outcome.Success {
		err := c.sink.Accept(ctx, collector.Payload{
			Source:     collector.SourceAgent,
			AgentID:    agentID,
			ReceivedAt: c.clock.Now().UTC(),
			Body:       req.Payload,
		})
		if err != nil {
			observability.ContextLogger(ctx, c.logger).Warn("Payload sink rejected agent report", zap.Error(err))
		}
	} else {
		observability.ContextLogger(ctx, c.logger).Debug("Agent reported failure",
			zap.String("kind", outcome.Kind),
			zap.String("error", outcome.Error),
		)
	}

	return c.ScheduleFor(ctx, agentID)
}

// ScheduleFor returns the agent's place in the current schedule
func (c *Coordinator) ScheduleFor(ctx context.Context, agentID string) (api.ScheduleResponse, error) {
	a, err := c.scheduler.AssignmentFor(ctx, agentID)
	if err != nil {
		return api.ScheduleResponse{}, err
	}
	return c.scheduleResponse(a), nil
}

func (c *Coordinator) scheduleResponse(a scheduler.Assignment) api.ScheduleResponse {
	return api.ScheduleResponse{
		AgentID:         a.AgentID,
		N:               a.N,
		Slot:            a.Slot,
		GlobalInterval:  a.GlobalInterval.Seconds(),
		IntervalSeconds: a.Period().Seconds(),
		OffsetSeconds:   a.Offset().Seconds(),
		LivenessSeconds: c.config.LivenessWindow.Seconds(),
		FetchURL:        c.config.UpstreamURL,
		Headers:         c.upstreamHeaders(),
	}
}
