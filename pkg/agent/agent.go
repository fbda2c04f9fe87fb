package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/api"
	"github.com/wheretheplow/plowfleet/pkg/clock"
	"github.com/wheretheplow/plowfleet/pkg/identity"
	"github.com/wheretheplow/plowfleet/pkg/observability"
	"github.com/wheretheplow/plowfleet/pkg/scheduler"
	"github.com/wheretheplow/plowfleet/pkg/upstream"
)

// Config represents the agent configuration
type Config struct {
	ServerURL      string
	DataDir        string
	Name           string
	RequestTimeout time.Duration
	FetchTimeout   time.Duration
	Logger         *zap.Logger

	// Optional
	SystemInfo string
	Clock      clock.Clock
	Fetcher    upstream.Fetcher
	HTTPClient *http.Client
}

// Validate validates the agent configuration
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("coordinator url is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.RequestTimeout < 0 || c.FetchTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = upstream.DefaultTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return nil
}

// Agent runs the fetch/report loop on behalf of the coordinator
type Agent struct {
	config  *Config
	logger  *zap.Logger
	clock   clock.Clock
	creds   *Credentials
	client  *Client
	fetcher upstream.Fetcher

	mu       sync.RWMutex
	failures int
	schedule api.ScheduleResponse
}

// New creates a new agent, loading or creating its identity in DataDir
func New(config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	creds, err := LoadOrCreateCredentials(config.DataDir, config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds.Created {
		config.Logger.Info("Generated new agent key", zap.String("path", KeyPath(creds.Dir)))
	}

	logger := config.Logger.With(zap.String("agent_id", creds.Keys.ID))

	client, err := NewClient(ClientConfig{
		BaseURL:    config.ServerURL,
		Signer:     identity.NewSigner(creds.Keys, config.Clock),
		Timeout:    config.RequestTimeout,
		HTTPClient: config.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher, err = upstream.NewHTTPFetcher(upstream.HTTPFetcherConfig{
			Timeout: config.FetchTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}

	if config.SystemInfo == "" {
		config.SystemInfo = DetectHost(logger).String()
	}

	a := &Agent{
		config:  config,
		logger:  logger,
		clock:   config.Clock,
		creds:   creds,
		client:  client,
		fetcher: fetcher,
	}
	a.updateMetrics(0)
	return a, nil
}

// ID returns the agent fingerprint
func (a *Agent) ID() string {
	return a.creds.Keys.ID
}

// Name returns the stored agent name, possibly empty
func (a *Agent) Name() string {
	return a.creds.Name
}

// Failures returns the local consecutive failure counter
func (a *Agent) Failures() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.failures
}

// State returns the current runtime state
func (a *Agent) State() State {
	return StateFor(a.Failures())
}

// Schedule returns the last schedule received from the coordinator
func (a *Agent) Schedule() api.ScheduleResponse {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.schedule
}

// Run registers if needed, waits for approval, then fetches and reports
// until ctx is cancelled. It only returns nil.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Starting agent",
		zap.String("name", a.creds.Name),
		zap.String("server", a.config.ServerURL),
	)

	if a.creds.Created {
		if err := a.register(ctx); err != nil {
			a.logger.Warn("Registration failed, will retry", zap.Error(err))
		}
	}

	if err := a.awaitApproval(ctx); err != nil {
		a.logger.Info("Agent stopped")
		return nil
	}

	for {
		if err := a.step(ctx); err != nil {
			a.logger.Info("Agent stopped")
			return nil
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	resp, err := a.client.Register(ctx, api.RegisterRequest{
		PublicKey:  string(a.creds.Keys.PublicPEM),
		Name:       a.creds.Name,
		SystemInfo: a.config.SystemInfo,
	})
	if errors.Is(err, ErrAlreadyRegistered) {
		a.logger.Info("Agent already registered")
		return nil
	}
	if err != nil {
		return err
	}
	a.logger.Info("Agent registered", zap.String("status", resp.Status))
	return nil
}

// awaitApproval checks in every ApprovalPollInterval until the coordinator
// returns a schedule. It re-registers if the coordinator forgot us.
func (a *Agent) awaitApproval(ctx context.Context) error {
	for {
		sched, err := a.client.Checkin(ctx, nil)
		switch {
		case err == nil:
			a.setSchedule(sched)
			a.logger.Info("Agent approved",
				zap.Int("slot", sched.Slot),
				zap.Int("agents", sched.N),
				zap.Duration("interval", sched.Period()),
			)
			return nil
		case errors.Is(err, ErrUnknownAgent):
			a.logger.Warn("Coordinator does not know this agent, registering again")
			regErr := a.register(ctx)
			if regErr == nil {
				continue
			}
			a.logger.Warn("Registration failed", zap.Error(regErr))
		case IsNotApproved(err):
			a.logger.Info("Waiting for approval", zap.Error(err))
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("Checkin failed", zap.Error(err))
		}

		if err := a.sleep(ctx, ApprovalPollInterval); err != nil {
			return err
		}
	}
}

// step runs one iteration of the state machine. It returns an error only
// when ctx is done.
func (a *Agent) step(ctx context.Context) error {
	hibernating := a.State() == StateHibernating
	if err := a.waitForFetch(ctx); err != nil {
		if errors.Is(err, errNotAccepted) {
			return a.reapprove(ctx)
		}
		return err
	}

	body, fetchErr := a.fetch(ctx)

	var (
		sched api.ScheduleResponse
		err   error
	)
	switch {
	case fetchErr == nil:
		sched, err = a.client.Report(ctx, api.ReportRequest{Success: true, Payload: body})
	case hibernating:
		sched, err = a.client.Checkin(ctx, &api.ProbeResult{
			Error:     fetchErr.Error(),
			ErrorKind: string(upstream.KindOf(fetchErr)),
		})
	default:
		sched, err = a.client.Report(ctx, api.ReportRequest{
			Error:     fetchErr.Error(),
			ErrorKind: string(upstream.KindOf(fetchErr)),
		})
	}

	switch {
	case err == nil:
		a.setSchedule(sched)
		if fetchErr != nil {
			a.recordFailure(fetchErr)
		} else {
			a.recordSuccess()
		}
		return nil
	case IsNotApproved(err), errors.Is(err, ErrUnknownAgent):
		a.logger.Warn("Coordinator no longer accepts this agent", zap.Error(err))
		return a.reapprove(ctx)
	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.recordFailure(fmt.Errorf("coordinator exchange: %w", err))
		return nil
	}
}

// errNotAccepted is returned by a heartbeat the coordinator refused
var errNotAccepted = errors.New("coordinator no longer accepts this agent")

// waitForFetch sleeps until the next fetch is due. In the normal state a
// wait longer than one heartbeat is broken up by liveness checkins, which
// keep the agent in the coordinator's live set and pick up schedule changes.
func (a *Agent) waitForFetch(ctx context.Context) error {
	for {
		now := a.clock.Now()
		if a.State() != StateNormal {
			return a.sleep(ctx, a.nextDelay(now))
		}

		sched := a.Schedule()
		heartbeat := scheduler.HeartbeatInterval(sched.LivenessWindow())
		wake, fetch := scheduler.NextWake(now, a.period(sched), sched.Offset(), heartbeat)
		if err := a.sleep(ctx, wake.Sub(now)); err != nil {
			return err
		}
		if fetch {
			return nil
		}
		if err := a.heartbeat(ctx); err != nil {
			return err
		}
	}
}

// heartbeat sends a liveness checkin. A transport failure is logged and
// not counted; no fetch was attempted.
func (a *Agent) heartbeat(ctx context.Context) error {
	sched, err := a.client.Checkin(ctx, nil)
	switch {
	case err == nil:
		a.setSchedule(sched)
		return nil
	case IsNotApproved(err), errors.Is(err, ErrUnknownAgent):
		a.logger.Warn("Coordinator refused heartbeat", zap.Error(err))
		return errNotAccepted
	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("Heartbeat failed", zap.Error(err))
		return nil
	}
}

// reapprove waits in the approval loop after the coordinator refused the
// agent. Once approved again the agent starts from the normal state.
func (a *Agent) reapprove(ctx context.Context) error {
	if err := a.awaitApproval(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	previous := a.failures
	a.failures = 0
	a.mu.Unlock()

	a.updateMetrics(0)
	if previous > 0 {
		a.logger.Info("Failure counter reset after re-approval", zap.Int("previous_failures", previous))
	}
	return nil
}

func (a *Agent) period(sched api.ScheduleResponse) time.Duration {
	if period := sched.Period(); period > 0 {
		return period
	}
	return scheduler.DefaultGlobalInterval
}

// nextDelay is the wait before the next fetch for the current state
func (a *Agent) nextDelay(now time.Time) time.Duration {
	failures := a.Failures()
	sched := a.Schedule()
	period := a.period(sched)

	switch StateFor(failures) {
	case StateHibernating:
		return HibernatePeriod
	case StateDegraded:
		return Backoff(failures, period)
	default:
		return scheduler.NextFetch(now, period, sched.Offset()).Sub(now)
	}
}

func (a *Agent) fetch(ctx context.Context) (json.RawMessage, error) {
	sched := a.Schedule()
	start := time.Now()
	body, err := a.fetcher.Fetch(ctx, upstream.Target{URL: sched.FetchURL, Headers: sched.Headers})
	observability.AgentFetchDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		observability.AgentFetchesTotal.WithLabelValues(string(upstream.KindOf(err))).Inc()
		return nil, err
	}
	observability.AgentFetchesTotal.WithLabelValues("success").Inc()
	return body, nil
}

func (a *Agent) recordSuccess() {
	a.mu.Lock()
	previous := a.failures
	a.failures = 0
	a.mu.Unlock()

	a.updateMetrics(0)
	if previous > 0 {
		a.logger.Info("Fetch recovered",
			zap.Int("previous_failures", previous),
			zap.String("from_state", string(StateFor(previous))),
		)
	}
}

func (a *Agent) recordFailure(err error) {
	a.mu.Lock()
	a.failures++
	failures := a.failures
	a.mu.Unlock()

	a.updateMetrics(failures)
	fields := []zap.Field{
		zap.Int("consecutive_failures", failures),
		zap.String("state", string(StateFor(failures))),
		zap.Error(err),
	}
	if StateFor(failures) != StateFor(failures-1) {
		a.logger.Warn("Agent state changed", fields...)
		return
	}
	a.logger.Info("Fetch failed", fields...)
}

func (a *Agent) setSchedule(sched api.ScheduleResponse) {
	a.mu.Lock()
	changed := sched.N != a.schedule.N || sched.Slot != a.schedule.Slot ||
		sched.FetchURL != a.schedule.FetchURL
	a.schedule = sched
	a.mu.Unlock()

	if changed {
		a.logger.Info("Schedule updated",
			zap.Int("slot", sched.Slot),
			zap.Int("agents", sched.N),
			zap.Duration("interval", sched.Period()),
			zap.Duration("offset", sched.Offset()),
		)
	}
}

func (a *Agent) updateMetrics(failures int) {
	observability.AgentConsecutiveFailures.Set(float64(failures))
	current := StateFor(failures)
	for _, s := range States() {
		v := 0.0
		if s == current {
			v = 1
		}
		observability.AgentState.WithLabelValues(string(s)).Set(v)
	}
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-a.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
