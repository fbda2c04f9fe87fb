package coordinator

import (
	"fmt"
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

// Config represents the coordinator configuration
type Config struct {
	BindAddr string
	Logger   *zap.Logger

	// Storage selects the registry backend. Store, when set, is used as is
	// and Storage is ignored.
	Storage membership.StoreConfig
	Store   membership.Store

	// Scheduling
	GlobalInterval time.Duration
	LivenessWindow time.Duration

	// MaxSkew bounds the age of a signed request
	MaxSkew time.Duration

	// ProvisionStatus is given to operator-provisioned agents
	ProvisionStatus membership.Status

	// Upstream source handed to agents and polled by the direct collector
	UpstreamURL     string
	UpstreamReferer string
	UpstreamTimeout time.Duration

	// Direct collector
	CollectorEnabled  bool
	CollectorInterval time.Duration
	ArbitrationWindow time.Duration

	// Operator tokens
	AdminSigningKey []byte
	AdminTokenTTL   time.Duration

	// Events
	EventPublisher  observability.EventPublisher
	EventBufferSize int

	// Optional
	Clock clock.Clock
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind address is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Store == nil {
		if err := c.Storage.Validate(); err != nil {
			return fmt.Errorf("invalid storage: %w", err)
		}
	}

	for name, d := range map[string]time.Duration{
		"global interval":    c.GlobalInterval,
		"liveness window":    c.LivenessWindow,
		"max skew":           c.MaxSkew,
		"upstream timeout":   c.UpstreamTimeout,
		"collector interval": c.CollectorInterval,
		"arbitration window": c.ArbitrationWindow,
		"admin token ttl":    c.AdminTokenTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	switch c.ProvisionStatus {
	case "":
		c.ProvisionStatus = membership.StatusApproved
	case membership.StatusApproved, membership.StatusPending:
	default:
		return fmt.Errorf("provision status must be %q or %q, got %q",
			membership.StatusApproved, membership.StatusPending, c.ProvisionStatus)
	}

	if c.CollectorEnabled && c.UpstreamURL == "" {
		return fmt.Errorf("upstream url is required when the collector is enabled")
	}

	if c.GlobalInterval == 0 {
		c.GlobalInterval = scheduler.DefaultGlobalInterval
	}
	if c.LivenessWindow == 0 {
		c.LivenessWindow = scheduler.DefaultLivenessWindow
	}
	if c.MaxSkew == 0 {
		c.MaxSkew = identity.DefaultMaxSkew
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = upstream.DefaultTimeout
	}
	if c.CollectorInterval == 0 {
		c.CollectorInterval = c.GlobalInterval
	}
	if c.ArbitrationWindow == 0 {
		c.ArbitrationWindow = collector.DefaultArbitrationWindow
	}
	if c.AdminTokenTTL == 0 {
		c.AdminTokenTTL = DefaultAdminTokenTTL
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return nil
}
