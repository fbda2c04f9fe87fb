package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/clock"
	"github.com/wheretheplow/plowfleet/pkg/collector"
	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
	"github.com/wheretheplow/plowfleet/pkg/identity"
	"github.com/wheretheplow/plowfleet/pkg/observability"
	"github.com/wheretheplow/plowfleet/pkg/scheduler"
	"github.com/wheretheplow/plowfleet/pkg/upstream"
)

// Coordinator owns the agent registry and everything derived from it:
// admission, request authentication, report ingestion, the slot schedule
// and the direct collector's arbitration.
type Coordinator struct {
	config *Config
	logger *zap.Logger
	clock  clock.Clock

	// Core components
	store     membership.Store
	registry  *membership.Registry
	scheduler *scheduler.Scheduler
	verifier  *identity.Verifier
	admin     *AdminAuthenticator
	events    *observability.EventStream

	// Direct collection
	pause     *collector.PauseFlag
	arbiter   *collector.Arbiter
	sink      *collector.LatestSink
	collector *collector.Collector

	server *http.Server
}

// New creates a coordinator, opening the configured store
func New(ctx context.Context, config *Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Coordinator{
		config: config,
		logger: config.Logger,
		clock:  config.Clock,
		pause:  collector.NewPauseFlag(),
		sink:   collector.NewLatestSink(),
	}

	c.store = config.Store
	if c.store == nil {
		config.Logger.Info("Opening agent store", zap.String("driver", config.Storage.Driver))
		store, err := membership.OpenStore(ctx, config.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		c.store = store
	}

	c.events = observability.NewEventStream(observability.EventStreamConfig{
		MaxSize:   config.EventBufferSize,
		Publisher: config.EventPublisher,
	}, config.Logger)

	registry, err := membership.NewRegistry(membership.RegistryConfig{
		Store:           c.store,
		Logger:          config.Logger,
		Clock:           config.Clock,
		Events:          c.events,
		ProvisionStatus: config.ProvisionStatus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	c.registry = registry

	c.scheduler, err = scheduler.NewScheduler(registry, scheduler.Config{
		GlobalInterval: config.GlobalInterval,
		LivenessWindow: config.LivenessWindow,
	}, config.Clock, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	c.verifier = identity.NewVerifier(config.MaxSkew, config.Clock)

	c.admin, err = NewAdminAuthenticator(AdminAuthenticatorConfig{
		SigningKey: config.AdminSigningKey,
		TTL:        config.AdminTokenTTL,
		Clock:      config.Clock,
		Logger:     config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin authenticator: %w", err)
	}

	c.arbiter, err = collector.NewArbiter(collector.ArbiterConfig{
		Source: registry,
		Pause:  c.pause,
		Window: config.ArbitrationWindow,
		Events: c.events,
		Logger: config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create arbiter: %w", err)
	}

	if config.CollectorEnabled {
		fetcher, err := upstream.NewHTTPFetcher(upstream.HTTPFetcherConfig{
			Timeout: config.UpstreamTimeout,
			Logger:  config.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create fetcher: %w", err)
		}
		c.collector, err = collector.New(collector.Config{
			Interval: config.CollectorInterval,
			Target:   c.upstreamTarget(),
			Arbiter:  c.arbiter,
			Fetcher:  fetcher,
			Sink:     c.sink,
			Clock:    config.Clock,
			Logger:   config.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create collector: %w", err)
		}
	}

	return c, nil
}

func (c *Coordinator) upstreamHeaders() map[string]string {
	if c.config.UpstreamReferer == "" {
		return nil
	}
	return map[string]string{"Referer": c.config.UpstreamReferer}
}

func (c *Coordinator) upstreamTarget() upstream.Target {
	return upstream.Target{URL: c.config.UpstreamURL, Headers: c.upstreamHeaders()}
}

// Start starts the direct collector and the HTTP server
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("Starting coordinator",
		zap.String("bind_addr", c.config.BindAddr),
		zap.Duration("global_interval", c.config.GlobalInterval),
		zap.Duration("liveness_window", c.config.LivenessWindow),
		zap.Bool("collector_enabled", c.collector != nil),
	)

	if err := c.registry.Ping(ctx); err != nil {
		return fmt.Errorf("agent store unavailable: %w", err)
	}

	if c.collector != nil {
		if err := c.collector.Start(ctx); err != nil {
			return fmt.Errorf("failed to start collector: %w", err)
		}
	}

	c.server = &http.Server{
		Addr:              c.config.BindAddr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		c.logger.Info("Starting HTTP server", zap.String("addr", c.config.BindAddr))
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	c.logger.Info("Coordinator started successfully")
	return nil
}

// Stop stops the coordinator
func (c *Coordinator) Stop(ctx context.Context) error {
	c.logger.Info("Stopping coordinator")

	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			c.logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}

	if c.collector != nil {
		if err := c.collector.Stop(); err != nil {
			c.logger.Error("Failed to stop collector", zap.Error(err))
		}
	}

	if err := c.store.Close(); err != nil {
		c.logger.Error("Failed to close agent store", zap.Error(err))
	}

	c.logger.Info("Coordinator stopped")
	return nil
}

// Ready reports whether the registry is reachable
func (c *Coordinator) Ready(ctx context.Context) error {
	return c.registry.Ping(ctx)
}

// Registry returns the agent registry
func (c *Coordinator) Registry() *membership.Registry {
	return c.registry
}

// Scheduler returns the scheduler
func (c *Coordinator) Scheduler() *scheduler.Scheduler {
	return c.scheduler
}

// Admin returns the operator token authenticator
func (c *Coordinator) Admin() *AdminAuthenticator {
	return c.admin
}

// Events returns the fleet event stream
func (c *Coordinator) Events() *observability.EventStream {
	return c.events
}

// Sink returns the payload sink
func (c *Coordinator) Sink() *collector.LatestSink {
	return c.sink
}

// Arbiter returns the fallback arbiter
func (c *Coordinator) Arbiter() *collector.Arbiter {
	return c.arbiter
}

// Collector returns the direct collector, or nil when it is disabled
func (c *Coordinator) Collector() *collector.Collector {
	return c.collector
}
