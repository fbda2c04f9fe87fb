package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/clock"
	"github.com/wheretheplow/plowfleet/pkg/observability"
	"github.com/wheretheplow/plowfleet/pkg/upstream"
)

// DefaultInterval is the direct collector's cycle
const DefaultInterval = 6 * time.Second

// Config contains configuration for the direct collector
type Config struct {
	Interval time.Duration
	Target   upstream.Target

	Arbiter *Arbiter
	Fetcher upstream.Fetcher
	Sink    PayloadSink
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Status describes the direct collector for operators
type Status struct {
	LastDecision Action
	LastFetch    time.Time
	LastError    string
}

// Collector is the server's own upstream poller. Each cycle it asks the
// arbiter whether agents are covering the source and fetches only if not.
type Collector struct {
	config  Config
	arbiter *Arbiter
	fetcher upstream.Fetcher
	sink    PayloadSink
	clock   clock.Clock
	logger  *zap.Logger

	mu     sync.RWMutex
	status Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a collector
func New(config Config) (*Collector, error) {
	if config.Arbiter == nil {
		return nil, fmt.Errorf("arbiter is required")
	}
	if config.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Target.URL == "" {
		return nil, fmt.Errorf("upstream url is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	return &Collector{
		config:  config,
		arbiter: config.Arbiter,
		fetcher: config.Fetcher,
		sink:    config.Sink,
		clock:   config.Clock,
		logger:  config.Logger,
	}, nil
}

// Start runs the collection loop in the background
func (c *Collector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.logger.Info("Starting direct collector",
		zap.Duration("interval", c.config.Interval),
		zap.Duration("arbitration_window", c.arbiter.Window()),
	)

	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

// Stop stops the loop and waits for the current cycle to finish
func (c *Collector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("Direct collector stopped")
	return nil
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.config.Interval):
		}
	}
}

// RunOnce performs one arbitration and, if it says so, one direct fetch.
// Fetch failures are recorded and never stop the loop.
func (c *Collector) RunOnce(ctx context.Context) Decision {
	d := c.arbiter.Decide(ctx)

	c.mu.Lock()
	c.status.LastDecision = d.Action
	c.mu.Unlock()

	if !d.Fetch() {
		c.logger.Debug("Direct fetch skipped",
			zap.String("reason", string(d.Action)),
			zap.Int("live_agents", d.LiveAgents),
		)
		return d
	}

	err := c.fetch(ctx)

	c.mu.Lock()
	c.status.LastFetch = c.clock.Now()
	c.status.LastError = ""
	if err != nil {
		c.status.LastError = err.Error()
	}
	c.mu.Unlock()
	return d
}

func (c *Collector) fetch(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "collector", "collector.fetch")
	defer span.End()

	body, err := c.fetcher.Fetch(ctx, c.config.Target)
	if err != nil {
		observability.CollectorFetchesTotal.WithLabelValues(string(upstream.KindOf(err))).Inc()
		observability.RecordError(ctx, err)
		c.logger.Warn("Direct fetch failed", zap.Error(err))
		return err
	}

	err = c.sink.Accept(ctx, Payload{Source: SourceDirect, ReceivedAt: c.clock.Now().UTC(), Body: body})
	if err != nil {
		observability.CollectorFetchesTotal.WithLabelValues("rejected").Inc()
		c.logger.Warn("Direct payload rejected", zap.Error(err))
		return err
	}

	observability.CollectorFetchesTotal.WithLabelValues("success").Inc()
	c.logger.Debug("Direct fetch stored")
	return nil
}

// Status returns the collector's last decision and fetch result
func (c *Collector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
