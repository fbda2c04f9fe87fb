package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

// DefaultArbitrationWindow is how recently an approved agent must have
// been seen for the direct collector to stand down
const DefaultArbitrationWindow = 30 * time.Second

// Action is the outcome of one arbitration
type Action string

const (
	ActionFetch      Action = "fetch"
	ActionSkipPaused Action = "skip_paused"
	ActionSkipAgents Action = "skip_agents"
)

// LiveSource lists approved agents seen within a window
type LiveSource interface {
	LiveAgents(ctx context.Context, window time.Duration) ([]*membership.Agent, error)
}

// Decision is one arbitration result
type Decision struct {
	Action     Action
	LiveAgents int
}

// Fetch reports whether the direct collector should fetch this cycle
func (d Decision) Fetch() bool {
	return d.Action == ActionFetch
}

// ArbiterConfig contains configuration for the arbiter
type ArbiterConfig struct {
	Source LiveSource
	Pause  *PauseFlag
	Window time.Duration
	Events observability.EventRecorder
	Logger *zap.Logger
}

// Arbiter decides, per collector cycle, whether the server fetches the
// upstream source itself or defers to agents
type Arbiter struct {
	source LiveSource
	pause  *PauseFlag
	window time.Duration
	events observability.EventRecorder
	logger *zap.Logger

	mu   sync.Mutex
	last Action
}

// NewArbiter creates an arbiter
func NewArbiter(config ArbiterConfig) (*Arbiter, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("live source is required")
	}
	if config.Pause == nil {
		return nil, fmt.Errorf("pause flag is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Window <= 0 {
		config.Window = DefaultArbitrationWindow
	}
	return &Arbiter{
		source: config.Source,
		pause:  config.Pause,
		window: config.Window,
		events: config.Events,
		logger: config.Logger,
	}, nil
}

// Window returns the arbitration window
func (a *Arbiter) Window() time.Duration {
	return a.window
}

// Decide evaluates the pause flag and agent liveness. If the registry
// cannot be read the collector fetches; stale data is worse than a
// duplicate fetch.
func (a *Arbiter) Decide(ctx context.Context) Decision {
	var d Decision
	switch {
	case a.pause.Paused():
		d = Decision{Action: ActionSkipPaused}
	default:
		live, err := a.source.LiveAgents(ctx, a.window)
		if err != nil {
			a.logger.Warn("Failed to list live agents, fetching directly", zap.Error(err))
			d = Decision{Action: ActionFetch}
			break
		}
		d = Decision{Action: ActionFetch, LiveAgents: len(live)}
		if len(live) > 0 {
			d.Action = ActionSkipAgents
		}
	}

	observability.CollectorDecisionsTotal.WithLabelValues(string(d.Action)).Inc()
	a.noteChange(ctx, d)
	return d
}

// Last returns the most recent action, or "" before the first decision
func (a *Arbiter) Last() Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Arbiter) noteChange(ctx context.Context, d Decision) {
	a.mu.Lock()
	previous := a.last
	a.last = d.Action
	a.mu.Unlock()

	if previous == d.Action {
		return
	}

	a.logger.Info("Collector mode changed",
		zap.String("from", string(previous)),
		zap.String("to", string(d.Action)),
		zap.Int("live_agents", d.LiveAgents),
	)
	if a.events != nil && previous != "" {
		a.events.RecordEvent(ctx, observability.NewCollectorEvent(
			observability.EventCollectorModeChanged, "",
			fmt.Sprintf("Collector mode changed from %s to %s", previous, d.Action),
			map[string]string{
				"from":        string(previous),
				"to":          string(d.Action),
				"live_agents": fmt.Sprint(d.LiveAgents),
			}))
	}
}
