package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/clock"
	"github.com/wheretheplow/plowfleet/pkg/identity"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

const (
	maxNameLength       = 64
	maxSystemInfoLength = 1024
	maxErrorLength      = 512
)

// RegistryConfig contains configuration for the registry
type RegistryConfig struct {
	Store  Store
	Logger *zap.Logger
	Clock  clock.Clock
	Events observability.EventRecorder

	// ProvisionStatus is the status given to operator-provisioned agents
	ProvisionStatus Status
}

// Registry owns every agent record. All mutations go through it.
type Registry struct {
	store           Store
	logger          *zap.Logger
	clock           clock.Clock
	events          observability.EventRecorder
	provisionStatus Status
}

// NewRegistry creates a registry over the given store
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.ProvisionStatus == "" {
		config.ProvisionStatus = StatusApproved
	}
	if config.ProvisionStatus != StatusApproved && config.ProvisionStatus != StatusPending {
		return nil, fmt.Errorf("provision status must be %q or %q, got %q",
			StatusApproved, StatusPending, config.ProvisionStatus)
	}

	return &Registry{
		store:           config.Store,
		logger:          config.Logger,
		clock:           config.Clock,
		events:          config.Events,
		provisionStatus: config.ProvisionStatus,
	}, nil
}

func (r *Registry) recordEvent(ctx context.Context, event observability.Event) {
	if r.events != nil {
		r.events.RecordEvent(ctx, event)
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func defaultName(id string) string {
	return "agent-" + id[:8]
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxNameLength)
	}
	return name, nil
}

// RegisterRequest carries an unsigned self-registration
type RegisterRequest struct {
	PublicKeyPEM string
	Name         string
	IP           string
	SystemInfo   string
}

// Register inserts a pending agent for the given public key. The returned
// error matches ErrDuplicateIdentity if the fingerprint is already known.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	id, err := identity.FingerprintPEM([]byte(req.PublicKeyPEM))
	if err != nil {
		observability.AgentRegistrationsTotal.WithLabelValues("self", "invalid").Inc()
		return nil, err
	}

	name := defaultName(id)
	if req.Name != "" {
		if name, err = normalizeName(req.Name); err != nil {
			observability.AgentRegistrationsTotal.WithLabelValues("self", "invalid").Inc()
			return nil, err
		}
	}

	agent := &Agent{
		ID:         id,
		Name:       name,
		PublicKey:  req.PublicKeyPEM,
		Status:     StatusPending,
		IP:         req.IP,
		SystemInfo: truncate(req.SystemInfo, maxSystemInfoLength),
		CreatedAt:  r.clock.Now().UTC(),
	}

	if err := r.store.Create(ctx, agent); err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			observability.AgentRegistrationsTotal.WithLabelValues("self", "duplicate").Inc()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
		}
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	observability.AgentRegistrationsTotal.WithLabelValues("self", "success").Inc()
	r.recordEvent(ctx, observability.NewAdmissionEvent(observability.EventAgentRegistered,
		"agent", id, id, "Agent registered, awaiting approval"))

	r.logger.Info("Agent registered",
		zap.String("agent_id", id),
		zap.String("name", name),
		zap.String("ip", req.IP),
	)
	return agent, nil
}

// Provisioned is the one-time result of Provision. PrivateKeyPEM is never
// stored and cannot be retrieved again.
type Provisioned struct {
	Agent         *Agent
	PrivateKeyPEM []byte
}

// Provision generates a keypair server-side and stores only the public half
func (r *Registry) Provision(ctx context.Context, name string) (*Provisioned, error) {
	keys, err := identity.NewKeyPair()
	if err != nil {
		return nil, err
	}
	privPEM, err := identity.EncodePrivateKey(keys.PrivateKey)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = defaultName(keys.ID)
	} else if name, err = normalizeName(name); err != nil {
		observability.AgentRegistrationsTotal.WithLabelValues("provision", "invalid").Inc()
		return nil, err
	}

	agent := &Agent{
		ID:        keys.ID,
		Name:      name,
		PublicKey: string(keys.PublicPEM),
		Status:    r.provisionStatus,
		CreatedAt: r.clock.Now().UTC(),
	}
	if err := r.store.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to store provisioned agent: %w", err)
	}

	observability.AgentRegistrationsTotal.WithLabelValues("provision", "success").Inc()
	r.recordEvent(ctx, observability.NewAdmissionEvent(observability.EventAgentProvisioned,
		"operator", observability.GetOperator(ctx), keys.ID, "Agent provisioned"))

	r.logger.Info("Agent provisioned",
		zap.String("agent_id", keys.ID),
		zap.String("name", name),
		zap.String("status", string(agent.Status)),
	)
	return &Provisioned{Agent: agent, PrivateKeyPEM: privPEM}, nil
}

func (r *Registry) setStatus(ctx context.Context, id string, status Status, eventType observability.EventType) (*Agent, error) {
	var previous Status
	agent, err := r.store.Update(ctx, id, func(a *Agent) error {
		previous = a.Status
		a.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}

	if previous != status {
		r.recordEvent(ctx, observability.NewAdmissionEvent(eventType, "operator",
			observability.GetOperator(ctx), id, fmt.Sprintf("Agent status changed from %s to %s", previous, status)))
		r.logger.Info("Agent status changed",
			zap.String("agent_id", id),
			zap.String("from", string(previous)),
			zap.String("to", string(status)),
		)
	}
	return agent, nil
}

// Approve marks an agent approved. Approving an approved agent is a no-op.
func (r *Registry) Approve(ctx context.Context, id string) (*Agent, error) {
	return r.setStatus(ctx, id, StatusApproved, observability.EventAgentApproved)
}

// Revoke marks an agent revoked. Revoking a revoked agent is a no-op.
func (r *Registry) Revoke(ctx context.Context, id string) (*Agent, error) {
	return r.setStatus(ctx, id, StatusRevoked, observability.EventAgentRevoked)
}

// Rename changes an agent's display name
func (r *Registry) Rename(ctx context.Context, id, name string) (*Agent, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}

	agent, err := r.store.Update(ctx, id, func(a *Agent) error {
		a.Name = name
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.recordEvent(ctx, observability.NewAdmissionEvent(observability.EventAgentRenamed,
		"operator", observability.GetOperator(ctx), id, "Agent renamed to "+name))
	return agent, nil
}

// Get returns one agent
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	return r.store.Get(ctx, id)
}

// List returns every agent ordered by id
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	return r.store.List(ctx)
}

// LiveAgents returns approved agents seen within window, ordered by id
func (r *Registry) LiveAgents(ctx context.Context, window time.Duration) ([]*Agent, error) {
	return r.store.ListLive(ctx, r.clock.Now().Add(-window))
}

func requireApproved(a *Agent) error {
	if a.Status != StatusApproved {
		return &StatusError{ID: a.ID, Status: a.Status}
	}
	return nil
}

// Touch records an accepted checkin. The agent must still be approved
// when the write happens; otherwise nothing is mutated.
func (r *Registry) Touch(ctx context.Context, id string) (*Agent, error) {
	now := r.clock.Now().UTC()
	return r.store.Update(ctx, id, func(a *Agent) error {
		if err := requireApproved(a); err != nil {
			return err
		}
		a.LastSeenAt = now
		return nil
	})
}

// RecordOutcome applies one reported fetch outcome: it bumps last_seen and
// the report counters, and resets or increments the failure counter.
func (r *Registry) RecordOutcome(ctx context.Context, id string, outcome Outcome) (*Agent, error) {
	now := r.clock.Now().UTC()
	var before HealthTier

	agent, err := r.store.Update(ctx, id, func(a *Agent) error {
		if err := requireApproved(a); err != nil {
			return err
		}
		before = a.Health()

		a.LastSeenAt = now
		a.TotalReports++
		if outcome.Success {
			a.ConsecutiveFailures = 0
			a.LastError = ""
			return nil
		}

		a.FailedReports++
		a.ConsecutiveFailures++
		msg := outcome.Error
		if outcome.Kind != "" {
			msg = outcome.Kind + ": " + msg
		}
		a.LastError = truncate(msg, maxErrorLength)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Success {
		observability.AgentReportsTotal.WithLabelValues("success").Inc()
	} else {
		observability.AgentReportsTotal.WithLabelValues("failure").Inc()
	}

	if after := agent.Health(); after != before {
		r.recordTransition(ctx, agent, before, after)
	}
	return agent, nil
}

func (r *Registry) recordTransition(ctx context.Context, agent *Agent, from, to HealthTier) {
	observability.HealthTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	r.recordEvent(ctx, observability.NewHealthChangedEvent(agent.ID, string(from), string(to)))

	r.logger.Info("Agent health transition",
		zap.String("agent_id", agent.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("consecutive_failures", agent.ConsecutiveFailures),
	)
}

// Summary aggregates the registry for status reporting
type Summary struct {
	Total    int                `json:"total"`
	ByStatus map[Status]int     `json:"by_status"`
	ByHealth map[HealthTier]int `json:"by_health"`
}

// Summarize counts agents by status and, for approved agents, by health.
// It also refreshes the corresponding gauges.
func (r *Registry) Summarize(ctx context.Context) (*Summary, error) {
	agents, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Total:    len(agents),
		ByStatus: map[Status]int{StatusPending: 0, StatusApproved: 0, StatusRevoked: 0},
		ByHealth: map[HealthTier]int{},
	}
	for _, tier := range HealthTiers() {
		s.ByHealth[tier] = 0
	}
	for _, a := range agents {
		s.ByStatus[a.Status]++
		if a.Status == StatusApproved {
			s.ByHealth[a.Health()]++
		}
	}

	for status, n := range s.ByStatus {
		observability.AgentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	for tier, n := range s.ByHealth {
		observability.AgentsByHealth.WithLabelValues(string(tier)).Set(float64(n))
	}
	return s, nil
}

// Ping checks the underlying store
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}
